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

	// L1 缓存指标
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheEntries   *prometheus.GaugeVec

	// 合并器指标
	coalescerFlushes   *prometheus.CounterVec
	coalescerBatchSize prometheus.Histogram
	coalescerPending   prometheus.Gauge
	coalescerWaitTime  prometheus.Histogram

	// L2 上下文存储指标
	storeOpDuration *prometheus.HistogramVec
	storeOpErrors   *prometheus.CounterVec

	// 上下文装配指标
	assemblyDuration *prometheus.HistogramVec
	sourceLoads      *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

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

	// L1 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of local cache hits",
		},
		[]string{"category"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of local cache misses",
		},
		[]string{"category"},
	)

	c.cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of local cache evictions",
		},
		[]string{"reason"}, // reason: capacity, expired, invalidated
	)

	c.cacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of local cache entries",
		},
		[]string{"category"},
	)

	// 合并器指标
	c.coalescerFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalescer_flushes_total",
			Help:      "Total number of coalescer batch flushes",
		},
		[]string{"reason"}, // reason: debounce, max_size, hard_cap, close
	)

	c.coalescerBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "coalescer_batch_size",
			Help:      "Number of messages merged per flushed batch",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20},
		},
	)

	c.coalescerPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coalescer_pending_batches",
			Help:      "Number of batches currently accumulating",
		},
	)

	c.coalescerWaitTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "coalescer_wait_seconds",
			Help:      "Time from first message to flush per batch",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 10, 15, 25, 30},
		},
	)

	// L2 上下文存储指标
	c.storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_op_duration_seconds",
			Help:      "Context store operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
		},
		[]string{"operation"},
	)

	c.storeOpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_op_errors_total",
			Help:      "Total number of context store operation errors",
		},
		[]string{"operation"},
	)

	// 上下文装配指标
	c.assemblyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_assembly_duration_seconds",
			Help:      "Full context assembly duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"source"}, // source: l1, l2, assembled
	)

	c.sourceLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_loads_total",
			Help:      "Total number of record-system loads",
		},
		[]string{"entity", "status"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
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
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(category string) {
	c.cacheHits.WithLabelValues(category).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(category string) {
	c.cacheMisses.WithLabelValues(category).Inc()
}

// RecordCacheEviction 记录缓存淘汰
func (c *Collector) RecordCacheEviction(reason string) {
	c.cacheEvictions.WithLabelValues(reason).Inc()
}

// SetCacheEntries 记录缓存条目数
func (c *Collector) SetCacheEntries(category string, n int) {
	c.cacheEntries.WithLabelValues(category).Set(float64(n))
}

// =============================================================================
// 📬 合并器指标记录
// =============================================================================

// RecordFlush 记录一次批次冲刷
func (c *Collector) RecordFlush(reason string, batchSize int, waited time.Duration) {
	c.coalescerFlushes.WithLabelValues(reason).Inc()
	c.coalescerBatchSize.Observe(float64(batchSize))
	c.coalescerWaitTime.Observe(waited.Seconds())
}

// SetPendingBatches 记录累积中的批次数
func (c *Collector) SetPendingBatches(n int) {
	c.coalescerPending.Set(float64(n))
}

// =============================================================================
// 🗂️ 上下文存储指标记录
// =============================================================================

// RecordStoreOp 记录一次存储操作
func (c *Collector) RecordStoreOp(operation string, duration time.Duration, err error) {
	c.storeOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		c.storeOpErrors.WithLabelValues(operation).Inc()
	}
}

// RecordAssembly 记录一次完整上下文装配
func (c *Collector) RecordAssembly(source string, duration time.Duration) {
	c.assemblyDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordSourceLoad 记录一次记录系统加载
func (c *Collector) RecordSourceLoad(entity, status string) {
	c.sourceLoads.WithLabelValues(entity, status).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
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
