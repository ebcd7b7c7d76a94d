package coalescer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// appendSharedScript 原子地把一条消息追加到共享批次并维护元数据：
// created_at 仅在批次创建时写入（硬上限自它起算，从不重置），
// last_at 每次追加刷新（去抖窗口自它起算）。
// 返回追加后的批次长度。
//
// KEYS[1] = 批次列表键
// KEYS[2] = 批次元数据键
// ARGV[1] = JSON 序列化的消息
// ARGV[2] = 当前时间（unix 毫秒）
// ARGV[3] = 兜底 TTL（秒）
var appendSharedScript = redis.NewScript(`
local list = KEYS[1]
local meta = KEYS[2]
local msg = ARGV[1]
local now = ARGV[2]
local ttl = tonumber(ARGV[3])

local n = redis.call('RPUSH', list, msg)
if n == 1 then
	redis.call('HSET', meta, 'created_at', now)
end
redis.call('HSET', meta, 'last_at', now)
redis.call('EXPIRE', list, ttl)
redis.call('EXPIRE', meta, ttl)

return n
`)

// claimDueScript 原子地"认领"一个到期批次：判定是否到期并在到期时
// 一次往返内取走消息、清理批次键。多进程并发轮询同一批次时至多
// 一个进程取到非空结果，保证每批次至多刷写一次。
//
// 到期条件（任一满足）：批次长度达到上限、自 last_at 起静默超过
// 去抖窗口、自 created_at 起超过硬上限。
//
// 长度超过上限时只取走前 max 条，剩余消息原位保留并以当前时间
// 重新起算 created_at —— 对应"硬上限切分"语义。
//
// KEYS[1] = 批次列表键
// KEYS[2] = 批次元数据键
// ARGV[1] = 当前时间（unix 毫秒）
// ARGV[2] = 去抖窗口（毫秒）
// ARGV[3] = 硬上限（毫秒）
// ARGV[4] = 批次最大条数
var claimDueScript = redis.NewScript(`
local list = KEYS[1]
local meta = KEYS[2]
local now = tonumber(ARGV[1])
local debounce = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])
local max = tonumber(ARGV[4])

local n = redis.call('LLEN', list)
if n == 0 then
	return {}
end

local created = tonumber(redis.call('HGET', meta, 'created_at') or '0')
local last = tonumber(redis.call('HGET', meta, 'last_at') or '0')

local due = n >= max
	or (last > 0 and now - last >= debounce)
	or (created > 0 and now - created >= cap)
if not due then
	return {}
end

local msgs = redis.call('LRANGE', list, 0, max - 1)
if n > max then
	redis.call('LTRIM', list, max, -1)
	redis.call('HSET', meta, 'created_at', now)
	redis.call('HSET', meta, 'last_at', now)
else
	redis.call('DEL', list, meta)
end

return msgs
`)

// SharedBufferConfig 共享批次缓冲配置
type SharedBufferConfig struct {
	// 合并参数（与进程内合并器同义）
	Coalescer Config `yaml:"coalescer" json:"coalescer"`

	// 存储键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// 轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// 批次键兜底 TTL（轮询全部失效时由存储自行清理）
	BatchTTL time.Duration `yaml:"batch_ttl" json:"batch_ttl"`
}

// DefaultSharedBufferConfig 返回默认配置。
func DefaultSharedBufferConfig() SharedBufferConfig {
	return SharedBufferConfig{
		Coalescer:    DefaultConfig(),
		KeyPrefix:    "coal",
		PollInterval: 500 * time.Millisecond,
		BatchTTL:     5 * time.Minute,
	}
}

// SharedBuffer 把待合并批次放进共享存储，供多进程部署使用：
// 任意进程都可以追加，任意进程的轮询器都可以认领到期批次，
// 认领是单脚本的原子取删，天然满足"至多一次刷写"。
type SharedBuffer struct {
	rdb     *redis.Client
	cfg     SharedBufferConfig
	handler FlushFunc
	logger  *zap.Logger
	now     func() time.Time
	metrics MetricsHook

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSharedBuffer 创建共享批次缓冲。handler 不可为 nil。
func NewSharedBuffer(rdb *redis.Client, cfg SharedBufferConfig, handler FlushFunc, logger *zap.Logger) *SharedBuffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSharedBufferConfig()
	cfg.Coalescer = cfg.Coalescer.withDefaults()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchTTL <= 0 {
		cfg.BatchTTL = def.BatchTTL
	}

	return &SharedBuffer{
		rdb:     rdb,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(zap.String("component", "shared_coalescer")),
		now:     time.Now,
		metrics: nopMetrics{},
		stop:    make(chan struct{}),
	}
}

func (sb *SharedBuffer) listKey(k types.ConversationKey) string {
	return sb.cfg.KeyPrefix + ":batch:" + k.String()
}

func (sb *SharedBuffer) metaKey(k types.ConversationKey) string {
	return sb.cfg.KeyPrefix + ":batchmeta:" + k.String()
}

// Offer 追加一条消息到共享批次。
func (sb *SharedBuffer) Offer(ctx context.Context, msg types.InboundMessage) error {
	key := msg.Key()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = sb.now()
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal inbound message: %w", err)
	}

	err = appendSharedScript.Run(ctx, sb.rdb,
		[]string{sb.listKey(key), sb.metaKey(key)},
		string(raw),
		sb.now().UnixMilli(),
		int(sb.cfg.BatchTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("append to shared batch: %w", err)
	}
	return nil
}

// Start 启动轮询循环。
func (sb *SharedBuffer) Start() {
	sb.wg.Add(1)
	go func() {
		defer sb.wg.Done()
		ticker := time.NewTicker(sb.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-sb.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if _, err := sb.PollOnce(ctx); err != nil {
					sb.logger.Warn("poll failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

// PollOnce 扫描所有批次键并认领到期批次，返回刷写的批次数。
func (sb *SharedBuffer) PollOnce(ctx context.Context) (int, error) {
	pattern := sb.cfg.KeyPrefix + ":batch:*"
	flushes := 0

	iter := sb.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		listKey := iter.Val()
		suffix := strings.TrimPrefix(listKey, sb.cfg.KeyPrefix+":batch:")

		parts := strings.SplitN(suffix, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := types.ConversationKey{TenantID: parts[0], ParticipantID: parts[1]}

		if sb.claim(ctx, key) {
			flushes++
		}
	}
	if err := iter.Err(); err != nil {
		return flushes, fmt.Errorf("scan shared batches: %w", err)
	}
	return flushes, nil
}

// claim 尝试认领一个到期批次；认领成功时合并并交给下游。
func (sb *SharedBuffer) claim(ctx context.Context, key types.ConversationKey) bool {
	cfg := sb.cfg.Coalescer

	raws, err := claimDueScript.Run(ctx, sb.rdb,
		[]string{sb.listKey(key), sb.metaKey(key)},
		sb.now().UnixMilli(),
		cfg.DebounceWindow.Milliseconds(),
		cfg.HardCap.Milliseconds(),
		cfg.MaxBatchSize,
	).StringSlice()
	if err != nil {
		sb.logger.Warn("claim failed", zap.String("key", key.String()), zap.Error(err))
		return false
	}
	if len(raws) == 0 {
		return false
	}

	msgs := make([]types.InboundMessage, 0, len(raws))
	for _, raw := range raws {
		var m types.InboundMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			sb.logger.Warn("skipping malformed buffered message",
				zap.String("key", key.String()), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return false
	}

	turn := mergeTurn(key, msgs)
	sb.metrics.RecordFlush(FlushReasonClaim, len(msgs), sb.now().Sub(msgs[0].Timestamp))
	sb.logger.Debug("claimed shared batch",
		zap.String("key", key.String()),
		zap.Int("messages", len(msgs)))
	sb.handler(ctx, turn)
	return true
}

// Close 停止轮询并等待在途刷写完成。
func (sb *SharedBuffer) Close() {
	sb.stopOnce.Do(func() { close(sb.stop) })
	sb.wg.Wait()
}
