package coalescer

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// 刷写触发原因。
const (
	FlushReasonDebounce = "debounce"
	FlushReasonMaxSize  = "max_size"
	FlushReasonHardCap  = "hard_cap"
	FlushReasonClose    = "close"
	FlushReasonClaim    = "claim"
)

// Config 合并器配置
type Config struct {
	// 去抖窗口：静默该时长后批次视为完整
	DebounceWindow time.Duration `yaml:"debounce_window" json:"debounce_window"`

	// 硬上限：批次自创建起最长的累积时间，从不重置
	HardCap time.Duration `yaml:"hard_cap" json:"hard_cap"`

	// 单批次最大消息条数
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		DebounceWindow: 2 * time.Second,
		HardCap:        25 * time.Second,
		MaxBatchSize:   10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = def.DebounceWindow
	}
	if c.HardCap <= 0 {
		c.HardCap = def.HardCap
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	return c
}

// FlushFunc 接收一个合并回合。每个批次恰好调用一次。
type FlushFunc func(ctx context.Context, turn types.MergedTurn)

type pendingBatch struct {
	key       types.ConversationKey
	messages  []types.InboundMessage
	createdAt time.Time
	lastAt    time.Time

	debounce *time.Timer
	hardCap  *time.Timer
}

// deliveryQueue 是单个会话键的顺序交付队列。
// 同键的回合严格按刷写顺序由同一个排空协程逐个交付，
// 避免前一批次处理未完成时后一批次抢先进入下游。
type deliveryQueue struct {
	turns    []types.MergedTurn
	draining bool
}

// Coalescer 进程内的连发消息合并器。
type Coalescer struct {
	cfg     Config
	handler FlushFunc
	logger  *zap.Logger
	now     func() time.Time
	metrics MetricsHook

	mu      sync.Mutex
	pending map[types.ConversationKey]*pendingBatch
	closed  bool

	// 交付侧状态与缓冲侧的 mu 分离，刷写判定不等待下游
	dmu    sync.Mutex
	queues map[types.ConversationKey]*deliveryQueue

	wg sync.WaitGroup

	// 计量
	received atomic.Int64
	flushed  atomic.Int64
	merged   atomic.Int64
	byReason struct {
		debounce atomic.Int64
		maxSize  atomic.Int64
		hardCap  atomic.Int64
		closing  atomic.Int64
	}
}

// New 创建合并器。handler 不可为 nil。
func New(cfg Config, handler FlushFunc, logger *zap.Logger) *Coalescer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coalescer{
		cfg:     cfg.withDefaults(),
		handler: handler,
		logger:  logger.With(zap.String("component", "coalescer")),
		now:     time.Now,
		metrics: nopMetrics{},
		pending: make(map[types.ConversationKey]*pendingBatch),
		queues:  make(map[types.ConversationKey]*deliveryQueue),
	}
}

// Offer 接收一条入站消息：开启新批次或追加到现有批次。
// 达到最大批次条数时同步触发刷写。合并器已关闭时消息作为
// 单条批次立即刷写，绝不丢弃。
func (c *Coalescer) Offer(msg types.InboundMessage) {
	key := msg.Key()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}
	c.received.Add(1)

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("offer after close, flushing as singleton",
			zap.String("key", key.String()))
		c.emit(key, []types.InboundMessage{msg}, FlushReasonClose, c.now())
		return
	}

	b, ok := c.pending[key]
	if !ok {
		// Idle → Buffering
		now := c.now()
		b = &pendingBatch{
			key:       key,
			messages:  []types.InboundMessage{msg},
			createdAt: now,
			lastAt:    now,
		}
		b.debounce = time.AfterFunc(c.cfg.DebounceWindow, func() {
			c.flushKey(key, b, FlushReasonDebounce)
		})
		b.hardCap = time.AfterFunc(c.cfg.HardCap, func() {
			c.flushKey(key, b, FlushReasonHardCap)
		})
		c.pending[key] = b
		c.metrics.SetPendingBatches(len(c.pending))
		c.mu.Unlock()
		return
	}

	// Buffering → Buffering：按到达顺序追加，只重置去抖计时器
	b.messages = append(b.messages, msg)
	b.lastAt = c.now()
	b.debounce.Reset(c.cfg.DebounceWindow)

	if len(b.messages) >= c.cfg.MaxBatchSize {
		msgs := c.popLocked(key, b)
		c.mu.Unlock()
		if msgs != nil {
			c.emit(key, msgs, FlushReasonMaxSize, b.createdAt)
		}
		return
	}
	c.mu.Unlock()
}

// popLocked 原子地摘下批次并停止其计时器（持锁调用）。
// 映射中的批次与给定指针不符时返回 nil（已被他人刷写）。
func (c *Coalescer) popLocked(key types.ConversationKey, b *pendingBatch) []types.InboundMessage {
	current, ok := c.pending[key]
	if !ok || current != b {
		return nil
	}
	delete(c.pending, key)
	b.debounce.Stop()
	b.hardCap.Stop()
	c.metrics.SetPendingBatches(len(c.pending))
	return b.messages
}

// flushKey 计时器回调：摘下批次并刷写。
// 批次已被 max-size 刷写或并发计时器摘下时为 no-op。
func (c *Coalescer) flushKey(key types.ConversationKey, b *pendingBatch, reason string) {
	c.mu.Lock()
	msgs := c.popLocked(key, b)
	c.mu.Unlock()
	if msgs == nil {
		return
	}
	c.emit(key, msgs, reason, b.createdAt)
}

// emit 合并消息并放进该键的交付队列。
func (c *Coalescer) emit(key types.ConversationKey, msgs []types.InboundMessage, reason string, createdAt time.Time) {
	turn := mergeTurn(key, msgs)

	c.flushed.Add(1)
	c.merged.Add(int64(len(msgs)))
	switch reason {
	case FlushReasonDebounce:
		c.byReason.debounce.Add(1)
	case FlushReasonMaxSize:
		c.byReason.maxSize.Add(1)
	case FlushReasonHardCap:
		c.byReason.hardCap.Add(1)
	case FlushReasonClose:
		c.byReason.closing.Add(1)
	}

	c.metrics.RecordFlush(reason, len(msgs), c.now().Sub(createdAt))
	c.logger.Debug("flushing batch",
		zap.String("key", key.String()),
		zap.Int("messages", len(msgs)),
		zap.String("reason", reason))

	c.enqueue(key, turn)
}

// enqueue 把回合追加到该键的交付队列，必要时启动排空协程。
func (c *Coalescer) enqueue(key types.ConversationKey, turn types.MergedTurn) {
	c.dmu.Lock()
	q, ok := c.queues[key]
	if !ok {
		q = &deliveryQueue{}
		c.queues[key] = q
	}
	q.turns = append(q.turns, turn)
	if !q.draining {
		q.draining = true
		c.wg.Add(1)
		go c.drain(key, q)
	}
	c.dmu.Unlock()
}

// drain 按刷写顺序逐个交付该键的回合，队列排空后自我退出。
func (c *Coalescer) drain(key types.ConversationKey, q *deliveryQueue) {
	defer c.wg.Done()
	for {
		c.dmu.Lock()
		if len(q.turns) == 0 {
			delete(c.queues, key)
			c.dmu.Unlock()
			return
		}
		turn := q.turns[0]
		q.turns = q.turns[1:]
		c.dmu.Unlock()

		c.handler(context.Background(), turn)
	}
}

// mergeTurn 将批次消息按到达顺序合并为一个回合。
func mergeTurn(key types.ConversationKey, msgs []types.InboundMessage) types.MergedTurn {
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if t := strings.TrimSpace(m.Text); t != "" {
			texts = append(texts, t)
		}
	}

	return types.MergedTurn{
		ID:         uuid.NewString(),
		Key:        key,
		MergedText: strings.Join(texts, " "),
		Metadata: types.TurnMetadata{
			IsBatch:               len(msgs) > 1,
			OriginalMessagesCount: len(msgs),
		},
		FirstAt: msgs[0].Timestamp,
		LastAt:  msgs[len(msgs)-1].Timestamp,
	}
}

// Close 刷写所有在途批次并等待下游处理完成。
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	type closedBatch struct {
		msgs      []types.InboundMessage
		createdAt time.Time
	}
	remaining := make(map[types.ConversationKey]closedBatch, len(c.pending))
	for key, b := range c.pending {
		if msgs := c.popLocked(key, b); msgs != nil {
			remaining[key] = closedBatch{msgs: msgs, createdAt: b.createdAt}
		}
	}
	c.mu.Unlock()

	for key, cb := range remaining {
		c.emit(key, cb.msgs, FlushReasonClose, cb.createdAt)
	}
	c.wg.Wait()
}

// Stats 合并器运行统计。
type Stats struct {
	Received       int64 `json:"received"`
	Flushes        int64 `json:"flushes"`
	MergedMessages int64 `json:"merged_messages"`
	Pending        int   `json:"pending"`

	FlushesByDebounce int64 `json:"flushes_by_debounce"`
	FlushesByMaxSize  int64 `json:"flushes_by_max_size"`
	FlushesByHardCap  int64 `json:"flushes_by_hard_cap"`
	FlushesByClose    int64 `json:"flushes_by_close"`
}

// GetStats 返回当前统计。
func (c *Coalescer) GetStats() Stats {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()

	return Stats{
		Received:          c.received.Load(),
		Flushes:           c.flushed.Load(),
		MergedMessages:    c.merged.Load(),
		Pending:           pending,
		FlushesByDebounce: c.byReason.debounce.Load(),
		FlushesByMaxSize:  c.byReason.maxSize.Load(),
		FlushesByHardCap:  c.byReason.hardCap.Load(),
		FlushesByClose:    c.byReason.closing.Load(),
	}
}
