package repository

import (
	"buylist_backend/internal/model"
	"buylist_backend/internal/testutil"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestFriendEdgeAddRemove(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewFriendshipRepository(db)
	a := testutil.CreateUser(t, db, "alice")
	b := testutil.CreateUser(t, db, "bob")

	added, err := repo.AddFriendEdge(ctx, a.ID, b.ID, b.Name)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = repo.AddFriendEdge(ctx, a.ID, b.ID, b.Name)
	require.NoError(t, err)
	assert.False(t, added, "second insert is a no-op")

	friends, err := repo.GetFriends(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "bob", friends[0].FriendName)

	removed, err := repo.RemoveFriendEdge(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = repo.RemoveFriendEdge(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	events := testutil.PendingChanges(t, db)
	require.Len(t, events, 2, "only effective writes are recorded")
	for _, ev := range events {
		assert.Equal(t, model.CollectionUsers, ev.Collection)
		assert.Equal(t, []string{model.FieldFriends}, []string(ev.Fields))
	}
}

func TestRequestAtMostOnePending(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewFriendshipRepository(db)
	a := testutil.CreateUser(t, db, "alice")
	b := testutil.CreateUser(t, db, "bob")

	created, err := repo.CreateRequest(ctx, &model.UserRequest{OwnerID: a.ID, FromUserID: b.ID, Kind: model.RequestBecomeFriend, Text: "hi"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateRequest(ctx, &model.UserRequest{OwnerID: a.ID, FromUserID: b.ID, Kind: model.RequestBecomeFriend, Text: "again"})
	require.NoError(t, err)
	assert.False(t, created)

	reqs, err := repo.GetRequests(ctx, a.ID, model.RequestBecomeFriend)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, b.ID, reqs[0].FromUserID)
	assert.Equal(t, "bob", reqs[0].FromUserName)
	assert.Equal(t, "hi", reqs[0].Text)

	deleted, err := repo.DeleteRequest(ctx, a.ID, b.ID, model.RequestBecomeFriend)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.DeleteRequest(ctx, a.ID, b.ID, model.RequestBecomeFriend)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestFindAsymmetricEdges(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewFriendshipRepository(db)
	a := testutil.CreateUser(t, db, "alice")
	b := testutil.CreateUser(t, db, "bob")
	c := testutil.CreateUser(t, db, "carol")

	testutil.MakeFriends(t, db, a, b)
	require.NoError(t, db.Create(&model.FriendEdge{OwnerID: c.ID, FriendID: a.ID, FriendName: a.Name}).Error)

	edges, err := repo.FindAsymmetricEdges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, model.AsymmetricEdge{OwnerID: c.ID, FriendID: a.ID}, edges[0])
}

func TestWritesRollBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	a := testutil.CreateUser(t, db, "alice")
	b := testutil.CreateUser(t, db, "bob")

	boom := errors.New("boom")
	err := db.Transaction(func(tx *gorm.DB) error {
		repo := NewFriendshipRepository(db).WithTx(tx)
		if _, err := repo.AddFriendEdge(ctx, a.ID, b.ID, b.Name); err != nil {
			return err
		}
		if _, err := repo.AddFriendEdge(ctx, b.ID, a.ID, a.Name); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Empty(t, testutil.FriendIDs(t, db, a.ID))
	assert.Empty(t, testutil.FriendIDs(t, db, b.ID))
	assert.Empty(t, testutil.PendingChanges(t, db), "change events roll back with the writes")
}
