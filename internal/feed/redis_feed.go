package feed

import (
	"buylist_backend/pkg/logger"
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	relayLockKey = "feed:relay:lock"
	relayLockTTL = 10 * time.Second
)

// subscription 是 *redis.PubSub 中 Watch 用到的部分
type subscription interface {
	Receive(ctx context.Context) (interface{}, error)
	Close() error
}

// RedisFeed 基于 Redis pub/sub 的变更流，同时实现 Publisher
type RedisFeed struct {
	rdb       *redis.Client
	subscribe func(ctx context.Context, channel string) subscription
}

func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{
		rdb: rdb,
		subscribe: func(ctx context.Context, channel string) subscription {
			return rdb.Subscribe(ctx, channel)
		},
	}
}

func (f *RedisFeed) Publish(ctx context.Context, channel string, payload []byte) error {
	return f.rdb.Publish(ctx, channel, payload).Err()
}

// Watch 订阅集合的变更。连接出错、重连或 ctx 结束时关闭返回的 channel，
// 断线期间的消息已经丢失，由调用方重新订阅并全量刷新
func (f *RedisFeed) Watch(ctx context.Context, collection string) (<-chan []byte, error) {
	sub := f.subscribe(ctx, Channel(collection))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan []byte)
	go pump(ctx, collection, sub, out)
	return out, nil
}

func pump(ctx context.Context, collection string, sub subscription, out chan<- []byte) {
	defer close(out)
	defer sub.Close()

	// Receive 不响应 ctx 取消，关闭订阅让它返回
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-stop:
		}
	}()

	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Log.Warn("Feed subscription lost", zap.String("collection", collection), zap.Error(err))
			}
			return
		}

		switch m := msg.(type) {
		case *redis.Message:
			select {
			case out <- []byte(m.Payload):
			case <-ctx.Done():
				return
			}
		case *redis.Subscription:
			// 客户端断线后自动重订阅
			logger.Log.Warn("Feed subscription re-established", zap.String("collection", collection), zap.String("kind", m.Kind))
			return
		case *redis.Pong:
		}
	}
}

var refreshLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker 基于 SET NX 的租约锁，持有者每次 TryLock 续期
type RedisLocker struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, key: relayLockKey, token: uuid.NewString(), ttl: relayLockTTL}
}

func (l *RedisLocker) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	n, err := refreshLockScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) Unlock(ctx context.Context) error {
	return releaseLockScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
