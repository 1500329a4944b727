package service

import (
	"buylist_backend/internal/model"
	"buylist_backend/pkg/logger"
	"buylist_backend/pkg/monitoring"
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHeartbeatPeriod = 30 * time.Second

	EventCardsUpdate = "cardsupdate"
	EventUsersUpdate = "usersupdate"
)

// Frame 一条推送帧，Event 为空时省略 event 行
type Frame struct {
	ID    int64
	Event string
	Data  interface{}
}

// Encode 编码为 "id: <ts>\nevent: <name>\ndata: <json>\n\n"
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f.Data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatInt(f.ID, 10))
	buf.WriteByte('\n')
	if f.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(f.Event)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// FrameWriter 推送通道（SSE / WebSocket）
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// Heartbeat 可暂停的心跳定时器
type Heartbeat interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

type tickerHeartbeat struct {
	t *time.Ticker
}

func newTickerHeartbeat(d time.Duration) Heartbeat {
	return &tickerHeartbeat{t: time.NewTicker(d)}
}

func (h *tickerHeartbeat) C() <-chan time.Time   { return h.t.C }
func (h *tickerHeartbeat) Stop()                 { h.t.Stop() }
func (h *tickerHeartbeat) Reset(d time.Duration) { h.t.Reset(d) }

// ProjectionSource 会话重算投影所需的读路径
type ProjectionSource interface {
	ListAccessibleCards(ctx context.Context, userID string) ([]model.CardView, error)
	ListFriends(ctx context.Context, ownerID string) ([]model.FriendEdge, error)
	ListRequests(ctx context.Context, ownerID string) ([]model.RequestView, error)
}

// Projections 组合卡片与好友两条读路径
type Projections struct {
	Cards   *CardService
	Members *MembershipService
}

func (p *Projections) ListAccessibleCards(ctx context.Context, userID string) ([]model.CardView, error) {
	return p.Cards.ListAccessibleCards(ctx, userID)
}

func (p *Projections) ListFriends(ctx context.Context, ownerID string) ([]model.FriendEdge, error) {
	return p.Members.ListFriends(ctx, ownerID)
}

func (p *Projections) ListRequests(ctx context.Context, ownerID string) ([]model.RequestView, error) {
	return p.Members.ListRequests(ctx, ownerID)
}

type cardsPayload struct {
	Cards []model.CardView `json:"cards"`
}

type usersPayload struct {
	Friends  []model.FriendEdge  `json:"friends"`
	Requests []model.RequestView `json:"requests"`
}

var keepAlive = map[string]string{"message": "keep-alive"}

// UpdateSession 单个客户端的推送会话。Run 是唯一的写入方，心跳与投影帧不会交错。
type UpdateSession struct {
	userID      string
	writer      FrameWriter
	sub         *Subscription
	heartbeat   Heartbeat
	period      time.Duration
	projections ProjectionSource
	now         func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// Run 处理心跳与变更事件，直到 ctx 结束、会话关闭或写入/重算失败
func (s *UpdateSession) Run(ctx context.Context) error {
	monitoring.LiveSessions.Inc()
	defer monitoring.LiveSessions.Dec()
	defer s.Close()

	logger.Log.Debug("Live update session opened", zap.String("userId", s.userID))
	events := s.sub.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-s.heartbeat.C():
			if err := s.send("", keepAlive); err != nil {
				return err
			}
		case topic, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.refresh(ctx, topic); err != nil {
				logger.Log.Info("Live update session torn down", zap.String("userId", s.userID), zap.Error(err))
				return err
			}
		}
	}
}

// refresh 暂停心跳，推送投影及排队期间丢失的分类，再恢复心跳
func (s *UpdateSession) refresh(ctx context.Context, topic Topic) error {
	s.heartbeat.Stop()
	if err := s.push(ctx, topic); err != nil {
		return err
	}
	if missed, ok := s.sub.TakeMissed(); ok {
		if err := s.push(ctx, missed); err != nil {
			return err
		}
	}
	s.heartbeat.Reset(s.period)
	return nil
}

func (s *UpdateSession) push(ctx context.Context, topic Topic) error {
	switch topic {
	case TopicCards:
		return s.pushCards(ctx)
	case TopicUsers:
		return s.pushUsers(ctx)
	default:
		if err := s.pushCards(ctx); err != nil {
			return err
		}
		return s.pushUsers(ctx)
	}
}

func (s *UpdateSession) pushCards(ctx context.Context) error {
	cards, err := s.projections.ListAccessibleCards(ctx, s.userID)
	if err != nil {
		return err
	}
	return s.send(EventCardsUpdate, cardsPayload{Cards: cards})
}

func (s *UpdateSession) pushUsers(ctx context.Context) error {
	var payload usersPayload
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		friends, err := s.projections.ListFriends(gctx, s.userID)
		payload.Friends = friends
		return err
	})
	g.Go(func() error {
		requests, err := s.projections.ListRequests(gctx, s.userID)
		payload.Requests = requests
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return s.send(EventUsersUpdate, payload)
}

func (s *UpdateSession) send(event string, data interface{}) error {
	frame, err := Frame{ID: s.now().UnixMilli(), Event: event, Data: data}.Encode()
	if err != nil {
		return err
	}
	if err := s.writer.WriteFrame(frame); err != nil {
		return err
	}
	name := event
	if name == "" {
		name = "keep-alive"
	}
	monitoring.SessionFrames.WithLabelValues(name).Inc()
	return nil
}

// Close 停止心跳并取消订阅，可重复调用
func (s *UpdateSession) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.heartbeat.Stop()
		s.sub.Close()
		logger.Log.Debug("Live update session closed", zap.String("userId", s.userID))
	})
}

func (s *UpdateSession) Done() <-chan struct{} {
	return s.done
}

// SessionManager 创建推送会话；心跳周期可热更新，对之后打开的会话生效
type SessionManager struct {
	notifier    *ChangeNotifier
	projections ProjectionSource
	period      atomic.Int64

	// 测试注入
	newHeartbeat func(time.Duration) Heartbeat
	now          func() time.Time
}

func NewSessionManager(notifier *ChangeNotifier, projections ProjectionSource, period time.Duration) *SessionManager {
	m := &SessionManager{
		notifier:     notifier,
		projections:  projections,
		newHeartbeat: newTickerHeartbeat,
		now:          time.Now,
	}
	m.SetHeartbeatPeriod(period)
	return m
}

func (m *SessionManager) SetHeartbeatPeriod(d time.Duration) {
	if d <= 0 {
		d = DefaultHeartbeatPeriod
	}
	m.period.Store(int64(d))
}

func (m *SessionManager) HeartbeatPeriod() time.Duration {
	return time.Duration(m.period.Load())
}

// Open 订阅变更并启动心跳；打开时不推送投影
func (m *SessionManager) Open(userID string, writer FrameWriter) *UpdateSession {
	period := m.HeartbeatPeriod()
	return &UpdateSession{
		userID:      userID,
		writer:      writer,
		sub:         m.notifier.Subscribe(),
		heartbeat:   m.newHeartbeat(period),
		period:      period,
		projections: m.projections,
		now:         m.now,
		done:        make(chan struct{}),
	}
}
