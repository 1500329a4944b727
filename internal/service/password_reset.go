package service

import (
	"buylist_backend/internal/model"
	"buylist_backend/pkg/logger"
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const passwordResetQueueKey = "password_resets:outbox"

// PasswordResetSender 投递找回密码说明，实际发信由外部服务完成
type PasswordResetSender interface {
	Send(ctx context.Context, user *model.User) error
}

type passwordResetJob struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type RedisPasswordResetSender struct {
	Redis *redis.Client
	Key   string
}

func NewRedisPasswordResetSender(rdb *redis.Client) *RedisPasswordResetSender {
	return &RedisPasswordResetSender{Redis: rdb, Key: passwordResetQueueKey}
}

func (s *RedisPasswordResetSender) Send(ctx context.Context, user *model.User) error {
	payload, err := json.Marshal(passwordResetJob{
		UserID:    user.ID,
		Email:     user.Email,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	if err := s.Redis.LPush(ctx, s.Key, payload).Err(); err != nil {
		return err
	}
	logger.Log.Info("Password reset queued", zap.String("userId", user.ID))
	return nil
}
