package util

import (
	"buylist_backend/internal/model"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseJWT(t *testing.T) {
	user := &model.User{Name: "alice", Email: "alice@example.com"}
	user.ID = "u-1"

	token, err := GenerateJWT(user, "secret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseJWT(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, "alice", claims.UserName)
	assert.NotEmpty(t, claims.ID)

	// 每个 token 有独立的 jti，注销时互不影响
	other, err := GenerateJWT(user, "secret", time.Hour)
	require.NoError(t, err)
	otherClaims, err := ParseJWT(other, "secret")
	require.NoError(t, err)
	assert.NotEqual(t, claims.ID, otherClaims.ID)

	_, err = ParseJWT(token, "other-secret")
	assert.Error(t, err)
}

func TestParseJWTExpired(t *testing.T) {
	user := &model.User{Name: "bob"}
	user.ID = "u-2"

	token, err := GenerateJWT(user, "secret", -time.Minute)
	require.NoError(t, err)

	_, err = ParseJWT(token, "secret")
	assert.Error(t, err)
}

func TestErrorKinds(t *testing.T) {
	err := NewNotFound("request not found")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindNotFound, KindOf(err))

	wrapped := TryAgain(assert.AnError)
	assert.ErrorIs(t, wrapped, ErrConsistency)
	assert.ErrorIs(t, wrapped, assert.AnError)
	assert.Equal(t, ErrorKind(0), KindOf(assert.AnError))
}
