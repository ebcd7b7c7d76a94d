package contextstore

import (
	"errors"
	"time"
)

// MetricsHook 接收存储操作的耗时与结果。默认为 no-op。
type MetricsHook interface {
	RecordStoreOp(operation string, duration time.Duration, err error)
}

type nopMetrics struct{}

func (nopMetrics) RecordStoreOp(string, time.Duration, error) {}

// SetMetrics 挂接指标采集器，须在存储投入使用前调用。
// 传 nil 恢复 no-op。
func (s *Store) SetMetrics(h MetricsHook) {
	if h == nil {
		h = nopMetrics{}
	}
	s.metrics = h
}

// observe 上报单次存储操作。start 以 s.now 采样。
// 记录缺失不算存储故障，不计入错误。
func (s *Store) observe(op string, start time.Time, err error) {
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	s.metrics.RecordStoreOp(op, s.now().Sub(start), err)
}
