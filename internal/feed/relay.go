// Package feed 把 change_events outbox 中继到 Redis pub/sub，作为各实例共享的存储变更流。
package feed

import (
	"buylist_backend/internal/model"
	"buylist_backend/internal/repository"
	"buylist_backend/pkg/logger"
	"buylist_backend/pkg/monitoring"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

const channelPrefix = "feed:"

// Channel 集合对应的 pub/sub 频道
func Channel(collection string) string {
	return channelPrefix + collection
}

// Publisher 发布一条变更
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Locker 多实例部署时只允许一个 relay 投递，保证同一集合内的顺序
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

type RelayConfig struct {
	BatchSize int
	Interval  time.Duration
	Retention time.Duration
}

// Relay 按 id 顺序投递待处理变更，至少一次
type Relay struct {
	changes   *repository.ChangeRepository
	publisher Publisher
	locker    Locker
	cfg       RelayConfig
}

func NewRelay(changes *repository.ChangeRepository, publisher Publisher, locker Locker, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	return &Relay{changes: changes, publisher: publisher, locker: locker, cfg: cfg}
}

// Run 轮询直到 ctx 结束
func (r *Relay) Run(ctx context.Context) error {
	logger.Log.Info("Feed relay starting", zap.Int("batch", r.cfg.BatchSize), zap.Duration("interval", r.cfg.Interval))
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	pruneEvery := time.NewTicker(time.Hour)
	defer pruneEvery.Stop()

	defer func() {
		if r.locker != nil {
			_ = r.locker.Unlock(context.Background())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("Feed relay stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ProcessOnce(ctx); err != nil {
				logger.Log.Error("Feed relay cycle failed", zap.Error(err))
			}
		case <-pruneEvery.C:
			if _, err := r.Prune(ctx); err != nil {
				logger.Log.Error("Feed prune failed", zap.Error(err))
			}
		}
	}
}

// ProcessOnce 投递一批事件，返回成功投递的数量。
// 某条发布失败时停止本批，后续事件不能越过它。
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	if r.locker != nil {
		held, err := r.locker.TryLock(ctx)
		if err != nil || !held {
			return 0, err
		}
	}

	events, err := r.changes.LeaseBatch(ctx, r.cfg.BatchSize)
	if err != nil || len(events) == 0 {
		return 0, err
	}

	done := make([]uint64, 0, len(events))
	for _, ev := range events {
		if err := r.publish(ctx, ev); err != nil {
			monitoring.FeedRelayed.WithLabelValues(ev.Collection, "error").Inc()
			logger.Log.Warn("Failed to publish change event", zap.Uint64("id", ev.ID), zap.String("collection", ev.Collection), zap.Error(err))
			if e := r.changes.MarkFailed(ctx, ev.ID); e != nil {
				logger.Log.Error("markFailed error", zap.Uint64("id", ev.ID), zap.Error(e))
			}
			break
		}
		monitoring.FeedRelayed.WithLabelValues(ev.Collection, "ok").Inc()
		done = append(done, ev.ID)
	}

	if err := r.changes.MarkDone(ctx, done); err != nil {
		return 0, err
	}
	return len(done), nil
}

func (r *Relay) publish(ctx context.Context, ev model.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.publisher.Publish(ctx, Channel(ev.Collection), payload)
}

// Prune 清理超过保留期的已投递事件
func (r *Relay) Prune(ctx context.Context) (int64, error) {
	if r.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := r.changes.Prune(ctx, time.Now().Add(-r.cfg.Retention))
	if n > 0 {
		logger.Log.Info("Pruned delivered change events", zap.Int64("count", n))
	}
	return n, err
}
