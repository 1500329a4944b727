package service

import (
	"buylist_backend/internal/model"
	"buylist_backend/pkg/logger"
	"buylist_backend/pkg/monitoring"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Topic 推送事件分类
type Topic string

const (
	TopicCards Topic = "cards"
	TopicUsers Topic = "users"
	// TopicAll 无法确定范围（如变更流重连后），两个投影都要重算
	TopicAll Topic = "all"
)

const defaultQueueSize = 16

var watchedCollections = []string{model.CollectionUsers, model.CollectionCards}

// FeedSource 存储变更流，每个集合一条订阅
type FeedSource interface {
	Watch(ctx context.Context, collection string) (<-chan []byte, error)
}

// feedChange 变更流中单条事件的格式
type feedChange struct {
	Collection    string   `json:"collection"`
	OperationType string   `json:"operationType"`
	DocumentID    string   `json:"documentId"`
	Fields        []string `json:"changedFieldPaths"`
}

var errMalformedChange = errors.New("malformed change event")

// ClassifyChange 解析并分类一条变更
func ClassifyChange(payload []byte) (Topic, error) {
	var ch feedChange
	if err := json.Unmarshal(payload, &ch); err != nil {
		return "", fmt.Errorf("%w: %v", errMalformedChange, err)
	}
	if ch.OperationType == "" {
		return "", fmt.Errorf("%w: missing operation type", errMalformedChange)
	}
	return classifyFields(ch.Collection, ch.Fields)
}

// classifyFields 卡片集合的变更为 cards；用户集合只改了 cards 子路径（共享边）也为 cards；其余为 users
func classifyFields(collection string, fields []string) (Topic, error) {
	switch collection {
	case model.CollectionCards:
		return TopicCards, nil
	case model.CollectionUsers:
		if len(fields) == 0 {
			return TopicUsers, nil
		}
		for _, f := range fields {
			if f != model.FieldCards && !strings.HasPrefix(f, model.FieldCards+".") {
				return TopicUsers, nil
			}
		}
		return TopicCards, nil
	default:
		return "", fmt.Errorf("%w: unknown collection %q", errMalformedChange, collection)
	}
}

type topicMask uint8

const (
	maskCards topicMask = 1 << iota
	maskUsers
)

func maskOf(t Topic) topicMask {
	switch t {
	case TopicCards:
		return maskCards
	case TopicUsers:
		return maskUsers
	default:
		return maskCards | maskUsers
	}
}

func (m topicMask) topic() (Topic, bool) {
	switch m {
	case 0:
		return "", false
	case maskCards:
		return TopicCards, true
	case maskUsers:
		return TopicUsers, true
	default:
		return TopicAll, true
	}
}

// Subscription 单个会话的订阅。队列满时事件不入队，只把分类记入 missed
type Subscription struct {
	id       uint64
	ch       chan Topic
	notifier *ChangeNotifier

	mu     sync.Mutex
	missed topicMask
	closed bool
}

func (s *Subscription) Events() <-chan Topic {
	return s.ch
}

// TakeMissed 取出并清空因队列满而丢弃的分类
func (s *Subscription) TakeMissed() (Topic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.missed
	s.missed = 0
	return m.topic()
}

func (s *Subscription) offer(t Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- t:
		return true
	default:
		s.missed |= maskOf(t)
		return false
	}
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() {
	s.notifier.unsubscribe(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// ChangeNotifier 每个集合一个监听协程，把分类后的事件广播给所有订阅者，从不阻塞在慢会话上
type ChangeNotifier struct {
	source    FeedSource
	queueSize int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewChangeNotifier(source FeedSource, queueSize int) *ChangeNotifier {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &ChangeNotifier{
		source:     source,
		queueSize:  queueSize,
		subs:       make(map[uint64]*Subscription),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

func (n *ChangeNotifier) Subscribe() *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	sub := &Subscription{id: n.nextID, ch: make(chan Topic, n.queueSize), notifier: n}
	n.subs[sub.id] = sub
	return sub
}

func (n *ChangeNotifier) unsubscribe(sub *Subscription) {
	n.mu.Lock()
	delete(n.subs, sub.id)
	n.mu.Unlock()
}

func (n *ChangeNotifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Broadcast 投递给所有订阅者
func (n *ChangeNotifier) Broadcast(t Topic) {
	monitoring.ChangeEvents.WithLabelValues(string(t)).Inc()

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subs {
		if !sub.offer(t) {
			monitoring.ChangeEventsDropped.WithLabelValues("queue_full").Inc()
		}
	}
}

// Run 为每个集合启动监听，ctx 结束后返回
func (n *ChangeNotifier) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, coll := range watchedCollections {
		wg.Add(1)
		go func(collection string) {
			defer wg.Done()
			n.listen(ctx, collection)
		}(coll)
	}
	wg.Wait()
}

// listen 订阅断开后退避重连，重连成功后广播 all（期间的事件可能丢失）
func (n *ChangeNotifier) listen(ctx context.Context, collection string) {
	backoff := n.minBackoff
	resubscribed := false
	for {
		events, err := n.source.Watch(ctx, collection)
		if err != nil {
			logger.Log.Warn("Failed to watch change feed", zap.String("collection", collection), zap.Error(err))
		} else {
			backoff = n.minBackoff
			if resubscribed {
				n.Broadcast(TopicAll)
			}
			for payload := range events {
				n.handle(collection, payload)
			}
		}

		if ctx.Err() != nil {
			return
		}
		resubscribed = true
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > n.maxBackoff {
			backoff = n.maxBackoff
		}
	}
}

// handle 分类失败只记录并丢弃
func (n *ChangeNotifier) handle(collection string, payload []byte) {
	topic, err := ClassifyChange(payload)
	if err != nil {
		monitoring.ChangeEventsDropped.WithLabelValues("malformed").Inc()
		logger.Log.Warn("Dropped change event", zap.String("collection", collection), zap.Error(err))
		return
	}
	n.Broadcast(topic)
}
