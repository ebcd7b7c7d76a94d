package coalescer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// recorder 线程安全地收集刷写结果
type recorder struct {
	mu    sync.Mutex
	turns []types.MergedTurn
}

func (r *recorder) flush(_ context.Context, turn types.MergedTurn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

func (r *recorder) all() []types.MergedTurn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.MergedTurn, len(r.turns))
	copy(out, r.turns)
	return out
}

func msg(text string) types.InboundMessage {
	return types.InboundMessage{
		TenantID:      "962302",
		ParticipantID: "79001234567",
		Text:          text,
	}
}

func TestCoalescer_MergesRapidFireBurst(t *testing.T) {
	rec := &recorder{}
	c := New(Config{DebounceWindow: 60 * time.Millisecond, HardCap: time.Second, MaxBatchSize: 10},
		rec.flush, zap.NewNop())
	defer c.Close()

	// 200ms 内的连发：三条消息合并为一个回合
	for _, text := range []string{"Привет,", "хочу", "записаться"} {
		c.Offer(msg(text))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 10*time.Millisecond)

	turn := rec.all()[0]
	assert.Equal(t, "Привет, хочу записаться", turn.MergedText)
	assert.True(t, turn.Metadata.IsBatch)
	assert.Equal(t, 3, turn.Metadata.OriginalMessagesCount)
	assert.Equal(t, "962302:79001234567", turn.Key.String())

	// 之后不再有第二次刷写
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestCoalescer_OrderPreserved(t *testing.T) {
	rec := &recorder{}
	c := New(Config{DebounceWindow: 50 * time.Millisecond, HardCap: time.Second, MaxBatchSize: 20},
		rec.flush, zap.NewNop())
	defer c.Close()

	want := ""
	for i := 0; i < 7; i++ {
		text := fmt.Sprintf("m%d", i)
		if i > 0 {
			want += " "
		}
		want += text
		c.Offer(msg(text))
	}

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, want, rec.all()[0].MergedText, "合并顺序必须等于到达顺序")
}

func TestCoalescer_SingleMessageIsNotBatch(t *testing.T) {
	rec := &recorder{}
	c := New(Config{DebounceWindow: 30 * time.Millisecond, HardCap: time.Second, MaxBatchSize: 10},
		rec.flush, zap.NewNop())
	defer c.Close()

	c.Offer(msg("одно сообщение"))

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 10*time.Millisecond)

	turn := rec.all()[0]
	assert.False(t, turn.Metadata.IsBatch)
	assert.Equal(t, 1, turn.Metadata.OriginalMessagesCount)
	assert.Equal(t, "одно сообщение", turn.MergedText)
}

func TestCoalescer_MaxSizeFlush(t *testing.T) {
	rec := &recorder{}
	c := New(Config{DebounceWindow: 60 * time.Millisecond, HardCap: 5 * time.Second, MaxBatchSize: 10},
		rec.flush, zap.NewNop())
	defer c.Close()

	// 13 条不间断消息：第一次刷写恰好 10 条，剩余 3 条在去抖后刷写
	for i := 0; i < 13; i++ {
		c.Offer(msg(fmt.Sprintf("m%d", i)))
	}

	require.Eventually(t, func() bool { return rec.count() == 2 },
		2*time.Second, 10*time.Millisecond)

	turns := rec.all()
	assert.Equal(t, 10, turns[0].Metadata.OriginalMessagesCount)
	assert.Equal(t, 3, turns[1].Metadata.OriginalMessagesCount)
	assert.Contains(t, turns[0].MergedText, "m0")
	assert.Contains(t, turns[0].MergedText, "m9")
	assert.Equal(t, "m10 m11 m12", turns[1].MergedText)
}

func TestCoalescer_HardCapSplitting(t *testing.T) {
	rec := &recorder{}
	c := New(Config{DebounceWindow: 40 * time.Millisecond, HardCap: 120 * time.Millisecond, MaxBatchSize: 100},
		rec.flush, zap.NewNop())
	defer c.Close()

	// 持续以低于去抖窗口的间隔发送：去抖永不触发，硬上限强制切分
	total := 12
	for i := 0; i < total; i++ {
		c.Offer(msg(fmt.Sprintf("m%d", i)))
		time.Sleep(25 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		sum := 0
		for _, turn := range rec.all() {
			sum += turn.Metadata.OriginalMessagesCount
		}
		return sum == total
	}, 3*time.Second, 20*time.Millisecond)

	turns := rec.all()
	require.GreaterOrEqual(t, len(turns), 2, "硬上限应切分出至少两个批次")

	// 每条消息恰好出现在一个批次中，且批次间保持顺序
	seen := make(map[string]int)
	for _, turn := range turns {
		for _, w := range splitWords(turn.MergedText) {
			seen[w]++
		}
	}
	for i := 0; i < total; i++ {
		assert.Equal(t, 1, seen[fmt.Sprintf("m%d", i)], "消息 m%d 应恰好刷写一次", i)
	}
}

func splitWords(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ' ' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func TestCoalescer_DistinctKeysIndependent(t *testing.T) {
	rec := &recorder{}
	c := New(Config{DebounceWindow: 40 * time.Millisecond, HardCap: time.Second, MaxBatchSize: 10},
		rec.flush, zap.NewNop())
	defer c.Close()

	c.Offer(types.InboundMessage{TenantID: "962302", ParticipantID: "79001111111", Text: "от первого"})
	c.Offer(types.InboundMessage{TenantID: "962302", ParticipantID: "79002222222", Text: "от второго"})

	require.Eventually(t, func() bool { return rec.count() == 2 },
		time.Second, 10*time.Millisecond)

	keys := map[string]bool{}
	for _, turn := range rec.all() {
		keys[turn.Key.String()] = true
	}
	assert.Len(t, keys, 2)
}

func TestCoalescer_CloseFlushesPending(t *testing.T) {
	rec := &recorder{}
	c := New(Config{DebounceWindow: 10 * time.Second, HardCap: time.Minute, MaxBatchSize: 10},
		rec.flush, zap.NewNop())

	c.Offer(msg("первое"))
	c.Offer(msg("второе"))

	c.Close()

	require.Equal(t, 1, rec.count(), "Close 必须刷写在途批次")
	assert.Equal(t, "первое второе", rec.all()[0].MergedText)
}

func TestCoalescer_MessageAfterFlushStartsNewBatch(t *testing.T) {
	rec := &recorder{}
	c := New(Config{DebounceWindow: 30 * time.Millisecond, HardCap: time.Second, MaxBatchSize: 10},
		rec.flush, zap.NewNop())
	defer c.Close()

	c.Offer(msg("первый батч"))
	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 5*time.Millisecond)

	c.Offer(msg("второй батч"))
	require.Eventually(t, func() bool { return rec.count() == 2 },
		time.Second, 5*time.Millisecond)

	turns := rec.all()
	assert.Equal(t, "первый батч", turns[0].MergedText)
	assert.Equal(t, "второй батч", turns[1].MergedText)
}

func TestCoalescer_SameKeyDeliveredInFlushOrder(t *testing.T) {
	var mu sync.Mutex
	var completed []string

	// 第一个回合的处理耗时远超去抖窗口：
	// 若无同键顺序交付，第二个回合会先于第一个完成
	handler := func(_ context.Context, turn types.MergedTurn) {
		if turn.MergedText == "a1 a2" {
			time.Sleep(300 * time.Millisecond)
		}
		mu.Lock()
		completed = append(completed, turn.MergedText)
		mu.Unlock()
	}

	c := New(Config{DebounceWindow: 30 * time.Millisecond, HardCap: 5 * time.Second, MaxBatchSize: 2},
		handler, zap.NewNop())

	// 批次 1：max-size 立即刷写；批次 2：去抖刷写
	c.Offer(msg("a1"))
	c.Offer(msg("a2"))
	time.Sleep(10 * time.Millisecond)
	c.Offer(msg("b1"))

	c.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a1 a2", "b1"}, completed,
		"同一会话键的回合必须按刷写顺序完成交付")
}

func TestCoalescer_SlowKeyDoesNotBlockOtherKeys(t *testing.T) {
	rec := &recorder{}
	handler := func(ctx context.Context, turn types.MergedTurn) {
		if turn.Key.ParticipantID == "79001111111" {
			time.Sleep(400 * time.Millisecond)
		}
		rec.flush(ctx, turn)
	}

	c := New(Config{DebounceWindow: 20 * time.Millisecond, HardCap: time.Second, MaxBatchSize: 10},
		handler, zap.NewNop())
	defer c.Close()

	c.Offer(types.InboundMessage{TenantID: "962302", ParticipantID: "79001111111", Text: "медленный"})
	c.Offer(types.InboundMessage{TenantID: "962302", ParticipantID: "79002222222", Text: "быстрый"})

	// 慢键还在处理时快键已经交付完成
	require.Eventually(t, func() bool {
		for _, turn := range rec.all() {
			if turn.MergedText == "быстрый" {
				return true
			}
		}
		return false
	}, 300*time.Millisecond, 10*time.Millisecond)
}

// hookRecorder 记录指标回调，供挂接断言使用
type hookRecorder struct {
	mu      sync.Mutex
	flushes []string
	sizes   []int
	pending []int
}

func (h *hookRecorder) RecordFlush(reason string, batchSize int, _ time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushes = append(h.flushes, reason)
	h.sizes = append(h.sizes, batchSize)
}

func (h *hookRecorder) SetPendingBatches(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, n)
}

func TestCoalescer_MetricsHook(t *testing.T) {
	rec := &recorder{}
	hook := &hookRecorder{}
	c := New(Config{DebounceWindow: 30 * time.Millisecond, HardCap: time.Second, MaxBatchSize: 2},
		rec.flush, zap.NewNop())
	c.SetMetrics(hook)
	defer c.Close()

	c.Offer(msg("a"))
	c.Offer(msg("b")) // max-size 刷写

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 5*time.Millisecond)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	require.Equal(t, []string{FlushReasonMaxSize}, hook.flushes)
	assert.Equal(t, []int{2}, hook.sizes)
	assert.Contains(t, hook.pending, 1, "开批后在途批次数应上报")
	assert.Equal(t, 0, hook.pending[len(hook.pending)-1], "刷写后在途批次数应归零")
}

func TestCoalescer_Stats(t *testing.T) {
	rec := &recorder{}
	c := New(Config{DebounceWindow: 30 * time.Millisecond, HardCap: time.Second, MaxBatchSize: 2},
		rec.flush, zap.NewNop())
	defer c.Close()

	c.Offer(msg("a"))
	c.Offer(msg("b")) // 触发 max-size 刷写

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 5*time.Millisecond)

	stats := c.GetStats()
	assert.Equal(t, int64(2), stats.Received)
	assert.Equal(t, int64(1), stats.Flushes)
	assert.Equal(t, int64(2), stats.MergedMessages)
	assert.Equal(t, int64(1), stats.FlushesByMaxSize)
	assert.Zero(t, stats.Pending)
}
