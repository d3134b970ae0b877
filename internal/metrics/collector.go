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
//
// A nil *Collector is valid and records nothing.
type Collector struct {
	// 关联引擎指标
	fanOutsTotal        *prometheus.CounterVec
	dispatchesTotal     *prometheus.CounterVec
	fragmentsTotal      *prometheus.CounterVec
	completionsTotal    *prometheus.CounterVec
	pendingTasks        *prometheus.GaugeVec
	aggregationDuration *prometheus.HistogramVec

	// 流水线各阶段指标
	classificationsTotal   *prometheus.CounterVec
	malformedMessages      *prometheus.CounterVec
	workerExecutionsTotal  *prometheus.CounterVec
	workerExecutionSeconds *prometheus.HistogramVec
	clientWaitDuration     *prometheus.HistogramVec
	archiveWritesTotal     *prometheus.CounterVec

	// 运维 HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 关联引擎指标
	c.fanOutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanouts_total",
			Help:      "Classified tasks handled by the correlation engine",
		},
		[]string{"op_code", "outcome"}, // outcome: dispatched, no_worker, duplicate, selection_failed
	)

	c.dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Per-worker dispatch messages published",
		},
		[]string{"worker", "status"},
	)

	c.fragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Worker result fragments received",
		},
		[]string{"outcome"}, // accepted, duplicate, orphan, late, overflow, stray
	)

	c.completionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Terminal outcomes of aggregations",
		},
		[]string{"outcome"}, // complete, partial, timeout, dropped, orphan_expired
	)

	c.pendingTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tasks",
			Help:      "Identifiers currently tracked by the correlation store",
		},
		[]string{"state"},
	)

	c.aggregationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Time from fan-out to terminal outcome",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	// 流水线各阶段指标
	c.classificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Tasks classified by the classifier stage",
		},
		[]string{"op_code", "source"}, // source: classifier, cache, fallback
	)

	c.malformedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Messages dropped because they could not be decoded",
		},
		[]string{"topic"},
	)

	c.workerExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_executions_total",
			Help:      "Worker handler executions",
		},
		[]string{"worker", "status"},
	)

	c.workerExecutionSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_execution_duration_seconds",
			Help:      "Worker handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"worker"},
	)

	c.clientWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "client_wait_duration_seconds",
			Help:      "Time a client waited for its aggregated result",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	c.archiveWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Aggregated results written to the archive",
		},
		[]string{"status"}, // stored, duplicate, error
	)

	// 运维 HTTP 指标
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

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🔗 关联引擎指标记录
// =============================================================================

// RecordFanOut 记录一次扇出决策
func (c *Collector) RecordFanOut(opCode, outcome string) {
	if c == nil {
		return
	}
	c.fanOutsTotal.WithLabelValues(opCode, outcome).Inc()
}

// RecordDispatch 记录单个 worker 的分发
func (c *Collector) RecordDispatch(worker string, err error) {
	if c == nil {
		return
	}
	c.dispatchesTotal.WithLabelValues(worker, status(err)).Inc()
}

// RecordFragment 记录回复片段处理结果
func (c *Collector) RecordFragment(outcome string) {
	if c == nil {
		return
	}
	c.fragmentsTotal.WithLabelValues(outcome).Inc()
}

// RecordCompletion 记录聚合终态及耗时
func (c *Collector) RecordCompletion(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.completionsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		c.aggregationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// SetPending 设置指定状态的在途数量
func (c *Collector) SetPending(state string, n int) {
	if c == nil {
		return
	}
	c.pendingTasks.WithLabelValues(state).Set(float64(n))
}

// =============================================================================
// 🧩 流水线指标记录
// =============================================================================

// RecordClassification 记录分类结果
func (c *Collector) RecordClassification(opCode, source string) {
	if c == nil {
		return
	}
	c.classificationsTotal.WithLabelValues(opCode, source).Inc()
}

// RecordMalformed 记录无法解析的消息
func (c *Collector) RecordMalformed(topic string) {
	if c == nil {
		return
	}
	c.malformedMessages.WithLabelValues(topic).Inc()
}

// RecordWorkerExecution 记录 worker 执行
func (c *Collector) RecordWorkerExecution(worker string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.workerExecutionsTotal.WithLabelValues(worker, status(err)).Inc()
	c.workerExecutionSeconds.WithLabelValues(worker).Observe(duration.Seconds())
}

// RecordClientWait 记录客户端等待耗时
func (c *Collector) RecordClientWait(statusLabel string, duration time.Duration) {
	if c == nil {
		return
	}
	c.clientWaitDuration.WithLabelValues(statusLabel).Observe(duration.Seconds())
}

// RecordArchiveWrite 记录归档写入
func (c *Collector) RecordArchiveWrite(statusLabel string) {
	if c == nil {
		return
	}
	c.archiveWritesTotal.WithLabelValues(statusLabel).Inc()
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, code int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(code)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

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
