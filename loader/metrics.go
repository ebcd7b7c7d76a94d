package loader

import "time"

// 完整上下文的来源标签。
const (
	assemblySourceL1        = "l1"
	assemblySourceL2        = "l2"
	assemblySourceAssembled = "assembled"
)

// MetricsHook 接收加载器的运行指标。默认为 no-op。
type MetricsHook interface {
	// RecordAssembly 记录一次完整上下文读取：来源（l1/l2/assembled）与耗时
	RecordAssembly(source string, duration time.Duration)
	// RecordSourceLoad 记录一次记录系统加载：实体与结果（ok/error）
	RecordSourceLoad(entity, status string)
}

type nopMetrics struct{}

func (nopMetrics) RecordAssembly(string, time.Duration) {}
func (nopMetrics) RecordSourceLoad(string, string)      {}

// SetMetrics 挂接指标采集器，须在加载器投入使用前调用。
// 传 nil 恢复 no-op。
func (l *CachedLoader) SetMetrics(h MetricsHook) {
	if h == nil {
		h = nopMetrics{}
	}
	l.metrics = h
}

// sourceLoad 把数据源加载结果转成 ok/error 标签上报。
func (l *CachedLoader) sourceLoad(entity string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l.metrics.RecordSourceLoad(entity, status)
}
