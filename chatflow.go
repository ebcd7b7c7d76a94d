// =============================================================================
// 💬 ChatFlow 消息管道
// =============================================================================
// 把去抖合并、消息历史与完整上下文装配串成一条入站处理管道：
//
//	pipe, _ := chatflow.NewPipeline(chatflow.PipelineOptions{...}, handler, logger)
//	pipe.Offer(ctx, msg)   // 连珠炮消息被合并后作为单个回合交给 handler
//
// handler 收到的是合并回合加上装配好的完整上下文快照。
// =============================================================================

// Package chatflow 提供会话上下文缓存与消息合并的顶层门面。
package chatflow

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/coalescer"
	"github.com/BaSui01/chatflow/contextstore"
	"github.com/BaSui01/chatflow/loader"
	"github.com/BaSui01/chatflow/types"
)

// Version 模块版本
const Version = "0.3.0"

// TurnHandler 处理一个合并回合。fc 为装配好的完整上下文快照，
// 装配失败时为 nil，回合本身仍会交付。
type TurnHandler func(ctx context.Context, turn types.MergedTurn, fc *types.FullContext)

// PipelineOptions 管道装配参数。
type PipelineOptions struct {
	// 合并参数
	Coalescer coalescer.Config

	// Shared 为 true 时批次缓冲放进共享存储（多副本部署），
	// 此时 Redis 不可为 nil
	Shared bool

	// 共享缓冲参数（仅 Shared 时生效）
	SharedBuffer coalescer.SharedBufferConfig

	// Redis 客户端（Shared 模式必需）
	Redis *redis.Client

	// Metrics 为可选的合并器指标采集器
	Metrics coalescer.MetricsHook
}

// Pipeline 入站消息处理管道。
type Pipeline struct {
	ldr     *loader.CachedLoader
	store   *contextstore.Store
	handler TurnHandler
	logger  *zap.Logger

	coal   *coalescer.Coalescer
	shared *coalescer.SharedBuffer
}

// NewPipeline 创建管道。ldr 与 store 不可为 nil。
func NewPipeline(opts PipelineOptions, ldr *loader.CachedLoader, store *contextstore.Store, handler TurnHandler, logger *zap.Logger) (*Pipeline, error) {
	if ldr == nil || store == nil {
		return nil, fmt.Errorf("chatflow: loader and store are required")
	}
	if handler == nil {
		return nil, fmt.Errorf("chatflow: turn handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		ldr:     ldr,
		store:   store,
		handler: handler,
		logger:  logger.With(zap.String("component", "pipeline")),
	}

	if opts.Shared {
		if opts.Redis == nil {
			return nil, fmt.Errorf("chatflow: shared buffer requires a redis client")
		}
		sbCfg := opts.SharedBuffer
		sbCfg.Coalescer = opts.Coalescer
		p.shared = coalescer.NewSharedBuffer(opts.Redis, sbCfg, p.onFlush, logger)
		p.shared.SetMetrics(opts.Metrics)
		p.shared.Start()
	} else {
		p.coal = coalescer.New(opts.Coalescer, p.onFlush, logger)
		p.coal.SetMetrics(opts.Metrics)
	}

	return p, nil
}

// Offer 把一条入站消息交给管道。消息先进入合并缓冲，
// 静默窗口结束（或触顶）后作为单个合并回合交付 handler。
func (p *Pipeline) Offer(ctx context.Context, msg types.InboundMessage) error {
	if p.shared != nil {
		return p.shared.Offer(ctx, msg)
	}
	p.coal.Offer(msg)
	return nil
}

// onFlush 在批次冲刷后运行：写历史、刷活跃时间、装配上下文、交付回合。
func (p *Pipeline) onFlush(ctx context.Context, turn types.MergedTurn) {
	// 合并文本作为一条客户消息写入历史（写失败时降级继续）
	err := p.store.AppendHistory(ctx, turn.Key, types.HistoryEntry{
		Sender:    types.SenderClient,
		Text:      turn.MergedText,
		Timestamp: turn.LastAt,
	})
	if err != nil {
		p.logger.Warn("append history failed",
			zap.String("key", turn.Key.String()),
			zap.Error(err))
	} else {
		// 历史变了，快照不能再用
		p.ldr.InvalidateConversation(ctx, turn.Key)
	}

	fc, err := p.ldr.LoadFullContext(ctx, turn.Key)
	if err != nil {
		p.logger.Warn("full context assembly failed",
			zap.String("key", turn.Key.String()),
			zap.Error(err))
		fc = nil
	}

	p.handler(ctx, turn, fc)
}

// Stats 返回合并器统计（共享模式下无进程内批次统计）。
func (p *Pipeline) Stats() coalescer.Stats {
	if p.coal != nil {
		return p.coal.GetStats()
	}
	return coalescer.Stats{}
}

// Close 冲刷所有未完成批次并停止后台轮询。
func (p *Pipeline) Close() {
	if p.shared != nil {
		p.shared.Close()
		return
	}
	p.coal.Close()
}
