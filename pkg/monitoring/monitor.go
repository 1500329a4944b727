package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	MembershipOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_operations_total",
			Help: "Friend graph and card share mutations by operation and result",
		},
		[]string{"op", "result"},
	)

	ChangeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_events_total",
			Help: "Classified store mutation events by topic",
		},
		[]string{"topic"},
	)

	ChangeEventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_events_dropped_total",
			Help: "Store mutation events dropped before reaching a session",
		},
		[]string{"reason"},
	)

	LiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_sessions",
			Help: "Number of open live update sessions",
		},
	)

	SessionFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_frames_total",
			Help: "Frames pushed to live update sessions by event name",
		},
		[]string{"event"},
	)

	FeedRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_relayed_total",
			Help: "Outbox change events relayed to the feed",
		},
		[]string{"collection", "result"},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestCounter)
		prometheus.MustRegister(RequestDuration)
		prometheus.MustRegister(MembershipOps)
		prometheus.MustRegister(ChangeEvents)
		prometheus.MustRegister(ChangeEventsDropped)
		prometheus.MustRegister(LiveSessions)
		prometheus.MustRegister(SessionFrames)
		prometheus.MustRegister(FeedRelayed)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// ObserveOp 记录一次成员关系操作的结果
func ObserveOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	MembershipOps.WithLabelValues(op, result).Inc()
}
