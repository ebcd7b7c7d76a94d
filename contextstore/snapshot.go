package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// --- 完整上下文快照（cache-aside） ---

// GetCachedFullContext 读取缓存的完整上下文快照；
// 缺失、过期或负载损坏时返回 nil（损坏按未命中处理）。
func (s *Store) GetCachedFullContext(ctx context.Context, key types.ConversationKey) *types.FullContext {
	start := s.now()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raw, err := s.rdb.Get(ctx, s.snapshotKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.observe("get_snapshot", start, nil)
		return nil
	}
	s.observe("get_snapshot", start, err)
	if err != nil {
		return nil
	}

	var fc types.FullContext
	if err := json.Unmarshal(raw, &fc); err != nil {
		s.logger.Warn("malformed full context snapshot, treating as miss",
			zap.String("key", key.String()), zap.Error(err))
		// 主动删除损坏负载，避免反复解码失败
		s.rdb.Del(ctx, s.snapshotKey(key))
		return nil
	}
	return &fc
}

// SetCachedFullContext 写入完整上下文快照；ttl<=0 时使用配置默认值。
func (s *Store) SetCachedFullContext(ctx context.Context, key types.ConversationKey, fc *types.FullContext, ttl time.Duration) (err error) {
	start := s.now()
	defer func() { s.observe("set_snapshot", start, err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if ttl <= 0 {
		ttl = s.cfg.SnapshotTTL
	}
	raw, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("marshal full context: %w", err)
	}
	if err := s.rdb.Set(ctx, s.snapshotKey(key), raw, ttl).Err(); err != nil {
		s.logger.Error("set full context snapshot failed",
			zap.String("key", key.String()), zap.Error(err))
		return fmt.Errorf("set full context snapshot: %w", err)
	}
	return nil
}

// InvalidateCachedContext 立即移除完整上下文快照。
// 任一组成部分已知变化时由调用方负责调用。
func (s *Store) InvalidateCachedContext(ctx context.Context, key types.ConversationKey) (err error) {
	start := s.now()
	defer func() { s.observe("invalidate_snapshot", start, err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.rdb.Del(ctx, s.snapshotKey(key)).Err(); err != nil {
		s.logger.Error("invalidate full context snapshot failed",
			zap.String("key", key.String()), zap.Error(err))
		return fmt.Errorf("invalidate full context snapshot: %w", err)
	}
	return nil
}

// InvalidateTenantContexts 移除某租户名下的所有快照（按键前缀扫描）。
func (s *Store) InvalidateTenantContexts(ctx context.Context, tenantID string) int {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	pattern := s.cfg.KeyPrefix + ":fullctx:" + tenantID + ":*"
	removed := 0

	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err == nil {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn("tenant snapshot scan interrupted",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return removed
}

// --- 会话摘要 ---

// GetConversationSummary 返回会话的轻量摘要，供问候语选择等场景使用。
func (s *Store) GetConversationSummary(ctx context.Context, key types.ConversationKey) types.ConversationSummary {
	octx, cancel := s.opCtx(ctx)
	defer cancel()

	count, err := s.rdb.LLen(octx, s.historyKey(key)).Result()
	if err != nil {
		s.logger.Warn("summary degraded",
			zap.String("key", key.String()), zap.Error(err))
		return types.ConversationSummary{}
	}

	return types.ConversationSummary{
		HasHistory:     count > 0,
		MessageCount:   int(count),
		RecentMessages: s.GetHistory(ctx, key, 5),
		LastBooking:    s.getLastBooking(octx, key),
		Preferences:    s.getPreferences(octx, key),
		CanContinue:    s.CanContinueConversation(ctx, key),
	}
}

// --- 离线维护 ---

// ClearOldContexts 扫描所有对话状态键，删除最近活动早于 cutoff 的会话
// 及其消息历史。O(存活键数)，只应在周期性离线维护中调用。
// 返回清除的会话数量。
func (s *Store) ClearOldContexts(ctx context.Context, daysToKeep int) (cleared int, err error) {
	if daysToKeep <= 0 {
		return 0, fmt.Errorf("daysToKeep must be positive, got %d", daysToKeep)
	}
	start := s.now()
	defer func() { s.observe("clear_old_contexts", start, err) }()
	cutoff := s.now().AddDate(0, 0, -daysToKeep)

	prefix := s.cfg.KeyPrefix + ":ctx:"

	iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		dialogKey := iter.Val()

		raw, err := s.rdb.HGet(ctx, dialogKey, "last_activity").Result()
		if err != nil {
			continue
		}
		last, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil || last.After(cutoff) {
			continue
		}

		suffix := strings.TrimPrefix(dialogKey, prefix)
		historyKey := s.cfg.KeyPrefix + ":msgs:" + suffix
		snapshotKey := s.cfg.KeyPrefix + ":fullctx:" + suffix

		if err := s.rdb.Del(ctx, dialogKey, historyKey, snapshotKey).Err(); err != nil {
			s.logger.Warn("clear old context failed",
				zap.String("dialog_key", dialogKey), zap.Error(err))
			continue
		}
		cleared++
	}
	if err := iter.Err(); err != nil {
		return cleared, fmt.Errorf("scan contexts: %w", err)
	}

	s.logger.Info("old contexts cleared",
		zap.Int("cleared", cleared),
		zap.Int("days_to_keep", daysToKeep))
	return cleared, nil
}
