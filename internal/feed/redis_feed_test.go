package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubscription 按顺序吐出预置的回复，元素为 error 时作为 Receive 的错误返回
type fakeSubscription struct {
	replies chan interface{}
	done    chan struct{}
	once    sync.Once
}

func newFakeSubscription(replies ...interface{}) *fakeSubscription {
	ch := make(chan interface{}, len(replies))
	for _, r := range replies {
		ch <- r
	}
	return &fakeSubscription{replies: ch, done: make(chan struct{})}
}

func (s *fakeSubscription) Receive(context.Context) (interface{}, error) {
	select {
	case r := <-s.replies:
		if err, ok := r.(error); ok {
			return nil, err
		}
		return r, nil
	case <-s.done:
		return nil, errors.New("redis: client is closed")
	}
}

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSubscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func fakeFeed(sub *fakeSubscription) *RedisFeed {
	return &RedisFeed{subscribe: func(context.Context, string) subscription { return sub }}
}

func subscribed() *redis.Subscription {
	return &redis.Subscription{Kind: "subscribe", Channel: Channel("cards"), Count: 1}
}

func requireClosed(t *testing.T, ch <-chan []byte) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "unexpected payload")
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
}

func TestWatchForwardsMessages(t *testing.T) {
	sub := newFakeSubscription(
		subscribed(),
		&redis.Pong{},
		&redis.Message{Channel: Channel("cards"), Payload: `{"id":"c1"}`},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := fakeFeed(sub).Watch(ctx, "cards")
	require.NoError(t, err)
	select {
	case got := <-out:
		assert.Equal(t, `{"id":"c1"}`, string(got))
	case <-time.After(time.Second):
		t.Fatal("no message")
	}

	cancel()
	requireClosed(t, out)
	assert.True(t, sub.closed())
}

func TestWatchClosesStreamAfterResubscribe(t *testing.T) {
	sub := newFakeSubscription(
		subscribed(),
		&redis.Message{Channel: Channel("cards"), Payload: "a"},
		subscribed(),
		&redis.Message{Channel: Channel("cards"), Payload: "b"},
	)

	out, err := fakeFeed(sub).Watch(context.Background(), "cards")
	require.NoError(t, err)
	assert.Equal(t, "a", string(<-out))
	requireClosed(t, out)
	assert.True(t, sub.closed())
}

func TestWatchClosesStreamOnReceiveError(t *testing.T) {
	sub := newFakeSubscription(subscribed(), errors.New("read tcp: connection reset by peer"))

	out, err := fakeFeed(sub).Watch(context.Background(), "cards")
	require.NoError(t, err)
	requireClosed(t, out)
	assert.True(t, sub.closed())
}

func TestWatchFailsWhenSubscribeFails(t *testing.T) {
	sub := newFakeSubscription(errors.New("dial tcp: connection refused"))

	_, err := fakeFeed(sub).Watch(context.Background(), "cards")
	assert.Error(t, err)
	assert.True(t, sub.closed())
}

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisFeedPublishAndWatch(t *testing.T) {
	_, rdb := newMiniRedis(t)
	f := NewRedisFeed(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := f.Watch(ctx, "users")
	require.NoError(t, err)
	require.NoError(t, f.Publish(ctx, Channel("users"), []byte("u1")))
	require.NoError(t, f.Publish(ctx, Channel("cards"), []byte("c1")))
	require.NoError(t, f.Publish(ctx, Channel("users"), []byte("u2")))

	for _, want := range []string{"u1", "u2"} {
		select {
		case got := <-out:
			assert.Equal(t, want, string(got))
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %s", want)
		}
	}

	cancel()
	requireClosed(t, out)
}

func TestRedisFeedClosesStreamWhenServerGoesAway(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	out, err := NewRedisFeed(rdb).Watch(context.Background(), "users")
	require.NoError(t, err)

	mr.Close()
	requireClosed(t, out)
}

func TestRedisLockerLease(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	ctx := context.Background()
	a := NewRedisLocker(rdb)
	b := NewRedisLocker(rdb)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, relayLockTTL, mr.TTL(relayLockKey))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 持有者再次 TryLock 续期
	mr.FastForward(relayLockTTL / 2)
	ok, err = a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, relayLockTTL, mr.TTL(relayLockKey))

	// 非持有者释放不生效
	require.NoError(t, b.Unlock(ctx))
	assert.True(t, mr.Exists(relayLockKey))

	require.NoError(t, a.Unlock(ctx))
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// 租约过期后其他实例接管
	mr.FastForward(relayLockTTL + time.Second)
	ok, err = a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
