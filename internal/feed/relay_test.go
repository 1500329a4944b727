package feed

import (
	"buylist_backend/internal/model"
	"buylist_backend/internal/repository"
	"buylist_backend/internal/testutil"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel string
	payload []byte
}

type fakePublisher struct {
	out    []published
	failAt int
	calls  int
}

func (p *fakePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.calls++
	if p.failAt > 0 && p.calls == p.failAt {
		return errors.New("redis down")
	}
	p.out = append(p.out, published{channel: channel, payload: payload})
	return nil
}

type fakeLocker struct{ held bool }

func (l *fakeLocker) TryLock(context.Context) (bool, error) { return l.held, nil }
func (l *fakeLocker) Unlock(context.Context) error          { return nil }

func TestRelayPublishesInOrder(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	changes := repository.NewChangeRepository(db)
	require.NoError(t, changes.Record(ctx, model.CollectionUsers, model.OpUpdate, "u1", model.FieldFriends))
	require.NoError(t, changes.Record(ctx, model.CollectionCards, model.OpInsert, "c1"))
	require.NoError(t, changes.Record(ctx, model.CollectionUsers, model.OpUpdate, "u1", model.CardSharePath("c1")))

	pub := &fakePublisher{}
	relay := NewRelay(changes, pub, &fakeLocker{held: true}, RelayConfig{BatchSize: 10})

	n, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, pub.out, 3)
	assert.Equal(t, "feed:users", pub.out[0].channel)
	assert.Equal(t, "feed:cards", pub.out[1].channel)
	assert.Equal(t, "feed:users", pub.out[2].channel)

	var ev struct {
		Collection string   `json:"collection"`
		Operation  string   `json:"operationType"`
		Fields     []string `json:"changedFieldPaths"`
	}
	require.NoError(t, json.Unmarshal(pub.out[2].payload, &ev))
	assert.Equal(t, model.CollectionUsers, ev.Collection)
	assert.Equal(t, model.OpUpdate, ev.Operation)
	assert.Equal(t, []string{"cards.c1"}, ev.Fields)

	assert.Empty(t, testutil.PendingChanges(t, db))
	n, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayStopsAtFailedEvent(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	changes := repository.NewChangeRepository(db)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, changes.Record(ctx, model.CollectionCards, model.OpUpdate, id, "name"))
	}

	pub := &fakePublisher{failAt: 2}
	relay := NewRelay(changes, pub, nil, RelayConfig{BatchSize: 10})

	n, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending := testutil.PendingChanges(t, db)
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].DocumentID)
	assert.Equal(t, 1, pending[0].Attempts)

	n, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.out, 3)
	assert.Empty(t, testutil.PendingChanges(t, db))
}

func TestRelaySkipsWithoutLock(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	changes := repository.NewChangeRepository(db)
	require.NoError(t, changes.Record(ctx, model.CollectionCards, model.OpInsert, "c1"))

	pub := &fakePublisher{}
	relay := NewRelay(changes, pub, &fakeLocker{held: false}, RelayConfig{})

	n, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.out)
	assert.Len(t, testutil.PendingChanges(t, db), 1)
}

func TestRelayPrune(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	changes := repository.NewChangeRepository(db)
	require.NoError(t, changes.Record(ctx, model.CollectionCards, model.OpInsert, "c1"))

	relay := NewRelay(changes, &fakePublisher{}, nil, RelayConfig{Retention: time.Hour})
	_, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Model(&model.ChangeEvent{}).Where("1 = 1").
		Update("updated_at", time.Now().Add(-2*time.Hour)).Error)

	n, err := relay.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
