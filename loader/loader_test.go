package loader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/cache"
	"github.com/BaSui01/chatflow/contextstore"
	"github.com/BaSui01/chatflow/testutil/mocks"
	"github.com/BaSui01/chatflow/types"
)

type loaderEnv struct {
	src    *mocks.DataSource
	l1     *cache.Local
	store  *contextstore.Store
	loader *CachedLoader
	mr     *miniredis.Miniredis
}

func setupLoader(t *testing.T) *loaderEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := cache.DefaultConfig()
	cfg.SweepInterval = 0
	l1 := cache.NewLocal(cfg, zap.NewNop())
	t.Cleanup(l1.Close)

	store := contextstore.New(rdb, contextstore.DefaultConfig(), zap.NewNop())
	src := mocks.NewDataSource()

	return &loaderEnv{
		src:    src,
		l1:     l1,
		store:  store,
		loader: New(src, l1, store, zap.NewNop()),
		mr:     mr,
	}
}

func convKey() types.ConversationKey {
	return types.NewConversationKey("962302", "79001234567")
}

func TestCachedLoader_CompanyCached(t *testing.T) {
	env := setupLoader(t)
	ctx := context.Background()

	c1, err := env.loader.Company(ctx, "962302")
	require.NoError(t, err)
	require.NotNil(t, c1)
	assert.Equal(t, "Салон красоты", c1.Title)

	c2, err := env.loader.Company(ctx, "962302")
	require.NoError(t, err)
	assert.Equal(t, c1, c2)

	assert.Equal(t, int32(1), env.src.CompanyCalls.Load(), "第二次读取应命中 L1")
}

func TestCachedLoader_ClientMissing(t *testing.T) {
	env := setupLoader(t)
	env.src.SetClient(nil)

	c, err := env.loader.Client(context.Background(), convKey())
	require.NoError(t, err)
	assert.Nil(t, c)

	// 缺失不缓存：下次仍会查询数据源
	_, err = env.loader.Client(context.Background(), convKey())
	require.NoError(t, err)
	assert.Equal(t, int32(2), env.src.ClientCalls.Load())
}

func TestCachedLoader_SourceErrorPropagatesUncached(t *testing.T) {
	env := setupLoader(t)
	wantErr := errors.New("datasource down")
	env.src.SetErr(wantErr)

	_, err := env.loader.Services(context.Background(), "962302")
	require.ErrorIs(t, err, wantErr)

	// 错误未被缓存：恢复后重新加载成功
	env.src.SetErr(nil)
	svcs, err := env.loader.Services(context.Background(), "962302")
	require.NoError(t, err)
	assert.Len(t, svcs, 2)
}

func TestCachedLoader_LoadFullContext(t *testing.T) {
	env := setupLoader(t)
	ctx := context.Background()
	key := convKey()

	// 预置消息历史
	require.NoError(t, env.store.AppendHistory(ctx, key, types.HistoryEntry{
		Sender: types.SenderClient, Text: "Привет",
	}))

	fc, err := env.loader.LoadFullContext(ctx, key)
	require.NoError(t, err)

	require.NotNil(t, fc.Company)
	assert.Equal(t, "962302", fc.Company.ID)
	assert.Len(t, fc.Services, 2)
	assert.Len(t, fc.Staff, 1)
	assert.Len(t, fc.Schedules, 1)
	require.NotNil(t, fc.Client)
	assert.Equal(t, int64(42), fc.Client.ID)
	assert.Len(t, fc.Bookings, 1, "客户解析成功后应加载预约")
	require.Len(t, fc.Messages, 1)
	assert.Equal(t, "Привет", fc.Messages[0].Text)
	assert.False(t, fc.AssembledAt.IsZero())
}

func TestCachedLoader_LoadFullContext_NoClientSkipsBookings(t *testing.T) {
	env := setupLoader(t)
	env.src.SetClient(nil)

	fc, err := env.loader.LoadFullContext(context.Background(), convKey())
	require.NoError(t, err)

	assert.Nil(t, fc.Client)
	assert.Empty(t, fc.Bookings)
	assert.Zero(t, env.src.BookingsCalls.Load(), "无客户时不应加载预约")
}

func TestCachedLoader_LoadFullContext_CachedInL1(t *testing.T) {
	env := setupLoader(t)
	ctx := context.Background()

	_, err := env.loader.LoadFullContext(ctx, convKey())
	require.NoError(t, err)

	_, err = env.loader.LoadFullContext(ctx, convKey())
	require.NoError(t, err)

	assert.Equal(t, int32(1), env.src.CompanyCalls.Load(), "第二次组装应命中缓存")
}

func TestCachedLoader_SnapshotSharedAcrossProcesses(t *testing.T) {
	env := setupLoader(t)
	ctx := context.Background()
	key := convKey()

	_, err := env.loader.LoadFullContext(ctx, key)
	require.NoError(t, err)

	// 模拟另一个进程：全新 L1 + 全新数据源，共享同一个 L2
	cfg := cache.DefaultConfig()
	cfg.SweepInterval = 0
	freshL1 := cache.NewLocal(cfg, zap.NewNop())
	t.Cleanup(freshL1.Close)
	otherSrc := mocks.NewDataSource()
	other := New(otherSrc, freshL1, env.store, zap.NewNop())

	fc, err := other.LoadFullContext(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, fc.Company)
	assert.Zero(t, otherSrc.CompanyCalls.Load(), "应命中 L2 共享快照而非数据源")
}

func TestCachedLoader_LoadConversation_CachesNormalized(t *testing.T) {
	env := setupLoader(t)
	ctx := context.Background()
	key := convKey()

	// 两种存量字段命名并存
	env.mr.Lpush("conv:msgs:"+key.String(), `{"from":"client","message":"старое"}`)
	env.mr.Lpush("conv:msgs:"+key.String(), `{"sender":"assistant","text":"новое"}`)

	msgs := env.loader.LoadConversation(ctx, key)
	require.Len(t, msgs, 2)
	assert.Equal(t, "новое", msgs[0].Text)
	assert.Equal(t, "client", msgs[1].Sender)

	// 缓存命中：清空底层列表后仍能读到
	env.mr.Del("conv:msgs:" + key.String())
	cached := env.loader.LoadConversation(ctx, key)
	assert.Len(t, cached, 2)
}

func TestCachedLoader_InvalidateCache_Completeness(t *testing.T) {
	env := setupLoader(t)
	ctx := context.Background()
	key := convKey()

	_, err := env.loader.LoadFullContext(ctx, key)
	require.NoError(t, err)
	_, err = env.loader.Client(ctx, key)
	require.NoError(t, err)

	env.loader.InvalidateCache(ctx, cache.EntityClient, key.ParticipantID, key.TenantID)

	// 客户条目与该租户的快照都必须未命中
	_, hit := env.l1.Get(cache.CategoryClients, key.ParticipantID)
	assert.False(t, hit)
	_, hit = env.l1.Get(cache.CategoryContext, "full:"+key.String())
	assert.False(t, hit)
	assert.Nil(t, env.store.GetCachedFullContext(ctx, key), "L2 快照应一并失效")
}

func TestCachedLoader_InvalidateConversation(t *testing.T) {
	env := setupLoader(t)
	ctx := context.Background()
	key := convKey()

	_, err := env.loader.LoadFullContext(ctx, key)
	require.NoError(t, err)

	env.loader.InvalidateConversation(ctx, key)

	assert.Nil(t, env.store.GetCachedFullContext(ctx, key))
	_, hit := env.l1.Get(cache.CategoryContext, "full:"+key.String())
	assert.False(t, hit)

	// 失效后重新组装（实体缓存仍可命中，预约等直读数据源）
	_, err = env.loader.LoadFullContext(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int32(2), env.src.BookingsCalls.Load())
}

// loaderHookRecorder 记录加载器指标回调
type loaderHookRecorder struct {
	mu       sync.Mutex
	sources  []string
	loads    map[string]int
	loadErrs map[string]int
}

func newLoaderHookRecorder() *loaderHookRecorder {
	return &loaderHookRecorder{loads: map[string]int{}, loadErrs: map[string]int{}}
}

func (h *loaderHookRecorder) RecordAssembly(source string, _ time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources = append(h.sources, source)
}

func (h *loaderHookRecorder) RecordSourceLoad(entity, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status == "ok" {
		h.loads[entity]++
	} else {
		h.loadErrs[entity]++
	}
}

func TestCachedLoader_MetricsHook(t *testing.T) {
	env := setupLoader(t)
	hook := newLoaderHookRecorder()
	env.loader.SetMetrics(hook)
	ctx := context.Background()

	// 冷读：组装 + 记录每个实体的数据源加载
	_, err := env.loader.LoadFullContext(ctx, convKey())
	require.NoError(t, err)

	// 热读：L1 命中
	_, err = env.loader.LoadFullContext(ctx, convKey())
	require.NoError(t, err)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	require.Equal(t, []string{"assembled", "l1"}, hook.sources)
	assert.Equal(t, 1, hook.loads["company"])
	assert.Equal(t, 1, hook.loads["services"])
	assert.Equal(t, 1, hook.loads["staff"])
	assert.Equal(t, 1, hook.loads["client"])
	assert.Equal(t, 1, hook.loads["bookings"])
	assert.Empty(t, hook.loadErrs)
}

func TestCachedLoader_MetricsHook_SourceError(t *testing.T) {
	env := setupLoader(t)
	hook := newLoaderHookRecorder()
	env.loader.SetMetrics(hook)
	env.src.SetErr(errors.New("db down"))

	_, err := env.loader.Company(context.Background(), "962302")
	require.Error(t, err)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Equal(t, 1, hook.loadErrs["company"])
}

func TestCachedLoader_FullContextCallerMutationIsolated(t *testing.T) {
	env := setupLoader(t)
	ctx := context.Background()
	key := convKey()

	fc, err := env.loader.LoadFullContext(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, fc.Company)
	origTitle := fc.Company.Title
	origServices := len(fc.Services)

	// 调用方改写自己的副本
	fc.Company.Title = "испорчено"
	fc.Services = append(fc.Services, types.Service{ID: 999, Title: "лишняя"})

	// 后续读取（L1 命中）返回未受影响的快照
	again, err := env.loader.LoadFullContext(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, origTitle, again.Company.Title, "缓存副本不应被调用方改写")
	assert.Len(t, again.Services, origServices)
}

func TestCachedLoader_ConversationCallerMutationIsolated(t *testing.T) {
	env := setupLoader(t)
	ctx := context.Background()
	key := convKey()

	require.NoError(t, env.store.AppendHistory(ctx, key, types.HistoryEntry{
		Sender: types.SenderClient, Text: "Привет",
	}))

	msgs := env.loader.LoadConversation(ctx, key)
	require.Len(t, msgs, 1)
	msgs[0].Text = "испорчено"

	again := env.loader.LoadConversation(ctx, key)
	require.Len(t, again, 1)
	assert.Equal(t, "Привет", again[0].Text, "缓存的历史不应被调用方改写")
}
