package loader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/chatflow/cache"
	"github.com/BaSui01/chatflow/contextstore"
	"github.com/BaSui01/chatflow/types"
)

// DataSource 是记录系统（SQL 仓库、第三方排期 API）的数据加载契约。
// 每个方法返回命名实体，缺失时返回空值/nil 而非错误。
type DataSource interface {
	LoadCompany(ctx context.Context, tenantID string) (*types.Company, error)
	LoadServices(ctx context.Context, tenantID string) ([]types.Service, error)
	LoadStaff(ctx context.Context, tenantID string) ([]types.Staff, error)
	LoadStaffSchedules(ctx context.Context, tenantID string, staffIDs []int64) ([]types.StaffSchedule, error)
	LoadClient(ctx context.Context, participantID, tenantID string) (*types.ClientRecord, error)
	LoadBookings(ctx context.Context, clientID int64, tenantID string) ([]types.Booking, error)
}

// CachedLoader 用 L1 按实体类型缓存装饰 DataSource，并负责
// 完整上下文的组装与统一失效。
type CachedLoader struct {
	src     DataSource
	l1      *cache.Local
	store   *contextstore.Store
	logger  *zap.Logger
	metrics MetricsHook
}

// New 创建缓存加载器。store 可为 nil（无 L2 快照层，仅 L1）。
func New(src DataSource, l1 *cache.Local, store *contextstore.Store, logger *zap.Logger) *CachedLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedLoader{
		src:     src,
		l1:      l1,
		store:   store,
		logger:  logger.With(zap.String("component", "cached_loader")),
		metrics: nopMetrics{},
	}
}

// --- 单实体读取（L1 cache-aside） ---

// Company 读取商户信息。
func (l *CachedLoader) Company(ctx context.Context, tenantID string) (*types.Company, error) {
	v, err := l.l1.GetOrSet(ctx, cache.CategoryCompany, tenantID, func(ctx context.Context) (any, error) {
		c, err := l.src.LoadCompany(ctx, tenantID)
		l.sourceLoad("company", err)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, nil
		}
		return c, nil
	})
	if err != nil {
		if errors.Is(err, cache.ErrNilValue) {
			return nil, nil
		}
		return nil, fmt.Errorf("load company %s: %w", tenantID, err)
	}
	c, _ := v.(*types.Company)
	return c, nil
}

// Services 读取服务列表。
func (l *CachedLoader) Services(ctx context.Context, tenantID string) ([]types.Service, error) {
	v, err := l.l1.GetOrSet(ctx, cache.CategoryServices, tenantID, func(ctx context.Context) (any, error) {
		svcs, err := l.src.LoadServices(ctx, tenantID)
		l.sourceLoad("services", err)
		if err != nil {
			return nil, err
		}
		return svcs, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load services %s: %w", tenantID, err)
	}
	svcs, _ := v.([]types.Service)
	return svcs, nil
}

// Staff 读取员工列表。
func (l *CachedLoader) Staff(ctx context.Context, tenantID string) ([]types.Staff, error) {
	v, err := l.l1.GetOrSet(ctx, cache.CategoryStaff, tenantID, func(ctx context.Context) (any, error) {
		staff, err := l.src.LoadStaff(ctx, tenantID)
		l.sourceLoad("staff", err)
		if err != nil {
			return nil, err
		}
		return staff, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load staff %s: %w", tenantID, err)
	}
	staff, _ := v.([]types.Staff)
	return staff, nil
}

// Client 读取客户记录；记录不存在时返回 (nil, nil)。
// 缓存按参与者标识（规范化号码）作键。
func (l *CachedLoader) Client(ctx context.Context, key types.ConversationKey) (*types.ClientRecord, error) {
	v, err := l.l1.GetOrSet(ctx, cache.CategoryClients, key.ParticipantID, func(ctx context.Context) (any, error) {
		c, err := l.src.LoadClient(ctx, key.ParticipantID, key.TenantID)
		l.sourceLoad("client", err)
		if err != nil {
			return nil, err
		}
		if c == nil {
			// 有类型的 nil 不能交给缓存层判空
			return nil, nil
		}
		return c, nil
	})
	if err != nil {
		// 客户缺失不是错误，由数据源返回 nil 表达；
		// GetOrSet 把 nil 视为不可缓存，此处转换回 (nil, nil)
		if errors.Is(err, cache.ErrNilValue) {
			return nil, nil
		}
		return nil, fmt.Errorf("load client %s: %w", key.ParticipantID, err)
	}
	c, _ := v.(*types.ClientRecord)
	return c, nil
}

// --- 完整上下文组装 ---

func fullContextL1Key(key types.ConversationKey) string {
	return "full:" + key.String()
}

func conversationL1Key(key types.ConversationKey) string {
	return "msgs:" + key.String()
}

// LoadFullContext 组装完整会话上下文。
//
// 读取路径：L1 context 槽 → L2 共享快照（回填 L1）→ 组装。
// 组装时商户/服务/员工/客户并行加载；排班依赖员工列表；
// 预约与近期消息只在客户解析成功后并行加载。
// 组装结果同时写回 L1 与 L2 快照。
//
// 返回的快照是调用方独享的副本，可自由修改。
func (l *CachedLoader) LoadFullContext(ctx context.Context, key types.ConversationKey) (*types.FullContext, error) {
	start := time.Now()

	if v, ok := l.l1.Get(cache.CategoryContext, fullContextL1Key(key)); ok {
		if fc, ok := v.(*types.FullContext); ok {
			l.metrics.RecordAssembly(assemblySourceL1, time.Since(start))
			return fc.Clone(), nil
		}
	}

	if l.store != nil {
		if fc := l.store.GetCachedFullContext(ctx, key); fc != nil {
			l.l1.Set(cache.CategoryContext, fullContextL1Key(key), fc)
			l.metrics.RecordAssembly(assemblySourceL2, time.Since(start))
			return fc.Clone(), nil
		}
	}

	fc, err := l.assemble(ctx, key)
	if err != nil {
		return nil, err
	}

	l.l1.Set(cache.CategoryContext, fullContextL1Key(key), fc)
	if l.store != nil {
		// 快照写失败只降级跨进程共享，不影响本次组装结果
		if err := l.store.SetCachedFullContext(ctx, key, fc, 0); err != nil {
			l.logger.Warn("snapshot write skipped", zap.String("key", key.String()), zap.Error(err))
		}
	}
	l.metrics.RecordAssembly(assemblySourceAssembled, time.Since(start))
	return fc.Clone(), nil
}

func (l *CachedLoader) assemble(ctx context.Context, key types.ConversationKey) (*types.FullContext, error) {
	fc := &types.FullContext{Key: key}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := l.Company(gctx, key.TenantID)
		fc.Company = c
		return err
	})
	g.Go(func() error {
		svcs, err := l.Services(gctx, key.TenantID)
		fc.Services = svcs
		return err
	})
	g.Go(func() error {
		staff, err := l.Staff(gctx, key.TenantID)
		fc.Staff = staff
		return err
	})
	g.Go(func() error {
		c, err := l.Client(gctx, key)
		fc.Client = c
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("assemble context %s: %w", key.String(), err)
	}

	// 排班依赖员工列表
	if len(fc.Staff) > 0 {
		ids := make([]int64, 0, len(fc.Staff))
		for _, st := range fc.Staff {
			ids = append(ids, st.ID)
		}
		schedules, err := l.src.LoadStaffSchedules(ctx, key.TenantID, ids)
		l.sourceLoad("schedules", err)
		if err != nil {
			// 排班缺失可容忍：上下文仍然可用
			l.logger.Warn("schedules unavailable", zap.String("tenant_id", key.TenantID), zap.Error(err))
		} else {
			fc.Schedules = schedules
		}
	}

	// 预约与消息只在客户解析成功后加载
	if fc.Client != nil && fc.Client.ID != 0 {
		g2, g2ctx := errgroup.WithContext(ctx)
		g2.Go(func() error {
			bookings, err := l.src.LoadBookings(g2ctx, fc.Client.ID, key.TenantID)
			l.sourceLoad("bookings", err)
			if err != nil {
				return err
			}
			fc.Bookings = bookings
			return nil
		})
		g2.Go(func() error {
			fc.Messages = l.LoadConversation(g2ctx, key)
			return nil
		})
		if err := g2.Wait(); err != nil {
			return nil, fmt.Errorf("assemble client context %s: %w", key.String(), err)
		}
	}

	fc.AssembledAt = time.Now().UTC()
	return fc, nil
}

// LoadConversation 读取并缓存规范化的消息历史（最新在前）。
// 历史条目的两种存量字段命名在存储边界已统一为 HistoryEntry。
// 返回的切片是调用方独享的副本。
func (l *CachedLoader) LoadConversation(ctx context.Context, key types.ConversationKey) []types.HistoryEntry {
	if l.store == nil {
		return nil
	}

	if v, ok := l.l1.Get(cache.CategoryContext, conversationL1Key(key)); ok {
		if msgs, ok := v.([]types.HistoryEntry); ok {
			return append([]types.HistoryEntry(nil), msgs...)
		}
	}

	msgs := l.store.GetHistory(ctx, key, 0)
	if msgs == nil {
		return nil
	}
	l.l1.Set(cache.CategoryContext, conversationL1Key(key), msgs)
	return append([]types.HistoryEntry(nil), msgs...)
}

// --- 失效 ---

// InvalidateConversation 清除单个会话的全部缓存层：
// L1 context 槽与 L2 共享快照走同一个入口。
func (l *CachedLoader) InvalidateConversation(ctx context.Context, key types.ConversationKey) {
	l.l1.Delete(cache.CategoryContext, fullContextL1Key(key))
	l.l1.Delete(cache.CategoryContext, conversationL1Key(key))
	if l.store != nil {
		if err := l.store.InvalidateCachedContext(ctx, key); err != nil {
			l.logger.Warn("snapshot invalidation degraded",
				zap.String("key", key.String()), zap.Error(err))
		}
	}
}

// InvalidateCache 按实体类型失效相关缓存。tenantID 非空时额外清除
// 该租户名下的组装上下文（L1 线性扫描 + L2 前缀扫描）。
func (l *CachedLoader) InvalidateCache(ctx context.Context, entityType, entityID, tenantID string) {
	l.l1.InvalidateRelated(entityType, entityID)

	if tenantID == "" {
		return
	}

	// L1 context 分类按键前缀扫描该租户的条目；
	// 缓存容量有界，线性扫描可接受
	for _, prefix := range []string{"full:" + tenantID + ":", "msgs:" + tenantID + ":"} {
		for _, k := range l.l1.Keys(cache.CategoryContext) {
			if strings.HasPrefix(k, prefix) {
				l.l1.Delete(cache.CategoryContext, k)
			}
		}
	}

	if l.store != nil {
		removed := l.store.InvalidateTenantContexts(ctx, tenantID)
		l.logger.Debug("tenant snapshots invalidated",
			zap.String("tenant_id", tenantID),
			zap.Int("removed", removed),
			zap.String("entity", entityType+":"+entityID))
	}
}

// InvalidateBooking 预约变化后的便捷失效：时段、上下文与该会话的快照。
func (l *CachedLoader) InvalidateBooking(ctx context.Context, key types.ConversationKey, bookingID int64) {
	l.l1.InvalidateRelated(cache.EntityBooking, strconv.FormatInt(bookingID, 10))
	l.InvalidateConversation(ctx, key)
}
