package service

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const revokedTokenPrefix = "auth:revoked:"

// TokenRevoker 记录注销的 token id，记录在 token 过期后自动失效
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type RedisTokenRevoker struct {
	Redis  *redis.Client
	Prefix string
}

func NewRedisTokenRevoker(rdb *redis.Client) *RedisTokenRevoker {
	return &RedisTokenRevoker{Redis: rdb, Prefix: revokedTokenPrefix}
}

func (r *RedisTokenRevoker) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	return r.Redis.Set(ctx, r.Prefix+tokenID, 1, ttl).Err()
}

func (r *RedisTokenRevoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.Redis.Exists(ctx, r.Prefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
