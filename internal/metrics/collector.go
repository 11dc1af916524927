// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 会话指标
	sessionsActive  *prometheus.GaugeVec
	sessionsExpired *prometheus.CounterVec
	rateLimitHits   *prometheus.CounterVec

	// 消息分发指标
	messagesPublished *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	deliveryDuration  prometheus.Histogram

	// 执行指标
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	chunksStreamed    prometheus.Counter

	// 人工决策指标
	hitlRequestsTotal  *prometheus.CounterVec
	hitlResolutionTime *prometheus.HistogramVec
	hitlVotesTotal     *prometheus.CounterVec
	hitlEscalations    prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 会话指标
	c.sessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active sessions",
		},
		[]string{"tenant"},
	)

	c.sessionsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total number of expired sessions",
		},
		[]string{"tenant"},
	)

	c.rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limited operations",
		},
		[]string{"category"},
	)

	// 消息分发指标
	c.messagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of messages published to subscribers",
		},
		[]string{"type", "priority"},
	)

	c.messagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of messages dropped under backpressure",
		},
		[]string{"reason"},
	)

	c.deliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_delivery_duration_seconds",
			Help:      "Message delivery duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// 执行指标
	c.executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of agent executions",
		},
		[]string{"tenant", "status"},
	)

	c.executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Agent execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"tenant"},
	)

	c.chunksStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "text_chunks_streamed_total",
			Help:      "Total number of text chunks streamed",
		},
	)

	// 人工决策指标
	c.hitlRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hitl_requests_total",
			Help:      "Total number of human decision requests",
		},
		[]string{"type", "status"},
	)

	c.hitlResolutionTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hitl_resolution_duration_seconds",
			Help:      "Time from request creation to resolution in seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
		},
		[]string{"decision"},
	)

	c.hitlVotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hitl_votes_total",
			Help:      "Total number of votes cast",
		},
		[]string{"choice"},
	)

	c.hitlEscalations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hitl_escalations_total",
			Help:      "Total number of request escalations",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔐 会话指标记录
// =============================================================================

// SessionOpened 记录会话创建
func (c *Collector) SessionOpened(tenantID string) {
	c.sessionsActive.WithLabelValues(tenantID).Inc()
}

// SessionClosed 记录会话关闭
func (c *Collector) SessionClosed(tenantID string, expired bool) {
	c.sessionsActive.WithLabelValues(tenantID).Dec()
	if expired {
		c.sessionsExpired.WithLabelValues(tenantID).Inc()
	}
}

// RateLimitHit 记录限流触发
func (c *Collector) RateLimitHit(category string) {
	c.rateLimitHits.WithLabelValues(category).Inc()
}

// =============================================================================
// 📨 消息分发指标记录
// =============================================================================

// MessagePublished 记录消息发布
func (c *Collector) MessagePublished(msgType, priority string) {
	c.messagesPublished.WithLabelValues(msgType, priority).Inc()
}

// MessageDropped 记录消息丢弃
func (c *Collector) MessageDropped(reason string) {
	c.messagesDropped.WithLabelValues(reason).Inc()
}

// MessageDelivered 记录消息投递耗时
func (c *Collector) MessageDelivered(duration time.Duration) {
	c.deliveryDuration.Observe(duration.Seconds())
}

// =============================================================================
// 🤖 执行指标记录
// =============================================================================

// RecordExecution 记录执行完成
func (c *Collector) RecordExecution(tenantID, status string, duration time.Duration) {
	c.executionsTotal.WithLabelValues(tenantID, status).Inc()
	c.executionDuration.WithLabelValues(tenantID).Observe(duration.Seconds())
}

// ChunkStreamed 记录文本块推送
func (c *Collector) ChunkStreamed() {
	c.chunksStreamed.Inc()
}

// =============================================================================
// 🧑‍⚖️ 人工决策指标记录
// =============================================================================

// HITLRequest 记录决策请求状态变化
func (c *Collector) HITLRequest(requestType, status string) {
	c.hitlRequestsTotal.WithLabelValues(requestType, status).Inc()
}

// HITLResolved 记录决策耗时
func (c *Collector) HITLResolved(decision string, elapsed time.Duration) {
	c.hitlResolutionTime.WithLabelValues(decision).Observe(elapsed.Seconds())
}

// VoteCast 记录投票
func (c *Collector) VoteCast(choice string) {
	c.hitlVotesTotal.WithLabelValues(choice).Inc()
}

// Escalated 记录升级
func (c *Collector) Escalated() {
	c.hitlEscalations.Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
