package cache

// 淘汰原因。
const (
	EvictReasonExpired  = "expired"
	EvictReasonCapacity = "capacity"
)

// MetricsHook 接收缓存的运行指标。默认为 no-op。
type MetricsHook interface {
	RecordCacheHit(category string)
	RecordCacheMiss(category string)
	RecordCacheEviction(reason string)
	// SetCacheEntries 设置某分类的当前条目数（清扫时采样）
	SetCacheEntries(category string, n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordCacheHit(string)       {}
func (nopMetrics) RecordCacheMiss(string)      {}
func (nopMetrics) RecordCacheEviction(string)  {}
func (nopMetrics) SetCacheEntries(string, int) {}

// SetMetrics 挂接指标采集器，须在缓存投入使用前调用。
// 传 nil 恢复 no-op。
func (c *Local) SetMetrics(h MetricsHook) {
	if h == nil {
		h = nopMetrics{}
	}
	c.metrics = h
}
