// 管道端到端测试：连珠炮消息 → 合并回合 → 历史 → 完整上下文。
package chatflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/chatflow/cache"
	"github.com/BaSui01/chatflow/coalescer"
	"github.com/BaSui01/chatflow/contextstore"
	"github.com/BaSui01/chatflow/loader"
	"github.com/BaSui01/chatflow/testutil/mocks"
	"github.com/BaSui01/chatflow/types"
)

type pipelineEnv struct {
	src   *mocks.DataSource
	store *contextstore.Store
	ldr   *loader.CachedLoader
	rdb   *redis.Client
}

func setupPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zaptest.NewLogger(t)
	store := contextstore.New(rdb, contextstore.DefaultConfig(), logger)

	l1 := cache.NewLocal(cache.DefaultConfig(), logger)
	t.Cleanup(l1.Close)

	src := mocks.NewDataSource()
	ldr := loader.New(src, l1, store, logger)

	return &pipelineEnv{src: src, store: store, ldr: ldr, rdb: rdb}
}

type turnRecorder struct {
	mu    sync.Mutex
	turns []types.MergedTurn
	ctxs  []*types.FullContext
	done  chan struct{}
}

func newTurnRecorder(expect int) *turnRecorder {
	return &turnRecorder{done: make(chan struct{}, expect)}
}

func (r *turnRecorder) handle(ctx context.Context, turn types.MergedTurn, fc *types.FullContext) {
	r.mu.Lock()
	r.turns = append(r.turns, turn)
	r.ctxs = append(r.ctxs, fc)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *turnRecorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for turn %d of %d", i+1, n)
		}
	}
}

func fastCoalescer() coalescer.Config {
	return coalescer.Config{
		DebounceWindow: 40 * time.Millisecond,
		HardCap:        2 * time.Second,
		MaxBatchSize:   10,
	}
}

func TestPipeline_RapidFireMergedIntoSingleTurn(t *testing.T) {
	env := setupPipelineEnv(t)
	rec := newTurnRecorder(1)

	pipe, err := NewPipeline(PipelineOptions{Coalescer: fastCoalescer()},
		env.ldr, env.store, rec.handle, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(pipe.Close)

	ctx := context.Background()
	base := time.Now()
	for i, text := range []string{"Привет", "хочу записаться", "на маникюр"} {
		require.NoError(t, pipe.Offer(ctx, types.InboundMessage{
			TenantID:      "962302",
			ParticipantID: "79001234567@c.us",
			Text:          text,
			Timestamp:     base.Add(time.Duration(i) * 10 * time.Millisecond),
		}))
	}

	rec.wait(t, 1)

	require.Len(t, rec.turns, 1)
	turn := rec.turns[0]
	assert.Equal(t, "Привет хочу записаться на маникюр", turn.MergedText)
	assert.True(t, turn.Metadata.IsBatch)
	assert.Equal(t, 3, turn.Metadata.OriginalMessagesCount)
	assert.Equal(t, "962302", turn.Key.TenantID)
	assert.Equal(t, "79001234567", turn.Key.ParticipantID)

	// 完整上下文已装配：商户、客户与刚写入的消息
	fc := rec.ctxs[0]
	require.NotNil(t, fc)
	require.NotNil(t, fc.Company)
	assert.Equal(t, "Салон красоты", fc.Company.Title)
	require.NotNil(t, fc.Client)
	assert.Equal(t, "Мария", fc.Client.Name)
	require.NotEmpty(t, fc.Messages)
	assert.Equal(t, "Привет хочу записаться на маникюр", fc.Messages[0].Text)
}

func TestPipeline_TurnRecordedInHistory(t *testing.T) {
	env := setupPipelineEnv(t)
	rec := newTurnRecorder(1)

	pipe, err := NewPipeline(PipelineOptions{Coalescer: fastCoalescer()},
		env.ldr, env.store, rec.handle, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(pipe.Close)

	ctx := context.Background()
	key := types.NewConversationKey("962302", "79001234567")
	require.NoError(t, pipe.Offer(ctx, types.InboundMessage{
		TenantID:      "962302",
		ParticipantID: "79001234567",
		Text:          "Здравствуйте",
		Timestamp:     time.Now(),
	}))
	rec.wait(t, 1)

	entries := env.store.GetHistory(ctx, key, 10)
	require.Len(t, entries, 1)
	assert.Equal(t, types.SenderClient, entries[0].Sender)
	assert.Equal(t, "Здравствуйте", entries[0].Text)
}

func TestPipeline_SeparateConversationsKeptApart(t *testing.T) {
	env := setupPipelineEnv(t)
	rec := newTurnRecorder(2)

	pipe, err := NewPipeline(PipelineOptions{Coalescer: fastCoalescer()},
		env.ldr, env.store, rec.handle, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(pipe.Close)

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, pipe.Offer(ctx, types.InboundMessage{
		TenantID: "962302", ParticipantID: "79001234567", Text: "первый", Timestamp: now,
	}))
	require.NoError(t, pipe.Offer(ctx, types.InboundMessage{
		TenantID: "962302", ParticipantID: "79009876543", Text: "второй", Timestamp: now,
	}))

	rec.wait(t, 2)

	require.Len(t, rec.turns, 2)
	participants := map[string]string{}
	for _, turn := range rec.turns {
		participants[turn.Key.ParticipantID] = turn.MergedText
		assert.False(t, turn.Metadata.IsBatch)
	}
	assert.Equal(t, "первый", participants["79001234567"])
	assert.Equal(t, "второй", participants["79009876543"])
}

func TestPipeline_DeliversTurnWhenAssemblyDegrades(t *testing.T) {
	env := setupPipelineEnv(t)
	rec := newTurnRecorder(1)

	pipe, err := NewPipeline(PipelineOptions{Coalescer: fastCoalescer()},
		env.ldr, env.store, rec.handle, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(pipe.Close)

	// 记录系统完全不可用
	env.src.SetErr(assert.AnError)

	require.NoError(t, pipe.Offer(context.Background(), types.InboundMessage{
		TenantID: "962302", ParticipantID: "79001234567", Text: "алло", Timestamp: time.Now(),
	}))
	rec.wait(t, 1)

	// 回合仍然交付，上下文为 nil
	require.Len(t, rec.turns, 1)
	assert.Equal(t, "алло", rec.turns[0].MergedText)
	assert.Nil(t, rec.ctxs[0])
}

func TestPipeline_SharedMode(t *testing.T) {
	env := setupPipelineEnv(t)
	rec := newTurnRecorder(1)

	sbCfg := coalescer.DefaultSharedBufferConfig()
	sbCfg.PollInterval = 20 * time.Millisecond

	pipe, err := NewPipeline(PipelineOptions{
		Coalescer:    fastCoalescer(),
		Shared:       true,
		SharedBuffer: sbCfg,
		Redis:        env.rdb,
	}, env.ldr, env.store, rec.handle, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(pipe.Close)

	ctx := context.Background()
	require.NoError(t, pipe.Offer(ctx, types.InboundMessage{
		TenantID: "962302", ParticipantID: "79001234567", Text: "привет", Timestamp: time.Now(),
	}))
	require.NoError(t, pipe.Offer(ctx, types.InboundMessage{
		TenantID: "962302", ParticipantID: "79001234567", Text: "это снова я", Timestamp: time.Now(),
	}))

	rec.wait(t, 1)

	require.Len(t, rec.turns, 1)
	assert.Equal(t, "привет это снова я", rec.turns[0].MergedText)
	assert.Equal(t, 2, rec.turns[0].Metadata.OriginalMessagesCount)
}

func TestPipeline_SharedModeRequiresRedis(t *testing.T) {
	env := setupPipelineEnv(t)
	_, err := NewPipeline(PipelineOptions{Shared: true},
		env.ldr, env.store, func(context.Context, types.MergedTurn, *types.FullContext) {}, nil)
	require.Error(t, err)
}

func TestNewPipeline_Validation(t *testing.T) {
	env := setupPipelineEnv(t)

	_, err := NewPipeline(PipelineOptions{}, nil, env.store,
		func(context.Context, types.MergedTurn, *types.FullContext) {}, nil)
	require.Error(t, err)

	_, err = NewPipeline(PipelineOptions{}, env.ldr, env.store, nil, nil)
	require.Error(t, err)
}
