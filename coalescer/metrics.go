package coalescer

import "time"

// MetricsHook 接收合并器的运行指标。默认为 no-op。
type MetricsHook interface {
	// RecordFlush 记录一次批次刷写：触发原因、批次条数与累积等待时长
	RecordFlush(reason string, batchSize int, waited time.Duration)
	// SetPendingBatches 设置当前在途批次数
	SetPendingBatches(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordFlush(string, int, time.Duration) {}
func (nopMetrics) SetPendingBatches(int)                  {}

// SetMetrics 挂接指标采集器，须在首次 Offer 之前调用。
// 传 nil 恢复 no-op。
func (c *Coalescer) SetMetrics(h MetricsHook) {
	if h == nil {
		h = nopMetrics{}
	}
	c.metrics = h
}

// SetMetrics 挂接指标采集器，须在 Start 之前调用。传 nil 恢复 no-op。
func (sb *SharedBuffer) SetMetrics(h MetricsHook) {
	if h == nil {
		h = nopMetrics{}
	}
	sb.metrics = h
}
