package service

import (
	"buylist_backend/pkg/logger"
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const invitationQueueKey = "invitations:outbox"

// InvitationSender 邀请未注册用户，尽力而为
type InvitationSender interface {
	Send(ctx context.Context, toEmail, fromUserID, text string) error
}

type invitationJob struct {
	Email     string    `json:"email"`
	From      string    `json:"from"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RedisInvitationSender 把邀请放进 Redis 列表，由外部邮件服务消费
type RedisInvitationSender struct {
	Redis *redis.Client
	Key   string
}

func NewRedisInvitationSender(rdb *redis.Client) *RedisInvitationSender {
	return &RedisInvitationSender{Redis: rdb, Key: invitationQueueKey}
}

func (s *RedisInvitationSender) Send(ctx context.Context, toEmail, fromUserID, text string) error {
	payload, err := json.Marshal(invitationJob{
		Email:     toEmail,
		From:      fromUserID,
		Text:      text,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	if err := s.Redis.LPush(ctx, s.Key, payload).Err(); err != nil {
		return err
	}
	logger.Log.Info("Invitation queued", zap.String("email", toEmail), zap.String("from", fromUserID))
	return nil
}
