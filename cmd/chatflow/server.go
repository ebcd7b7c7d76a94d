package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	chatflow "github.com/BaSui01/chatflow"
	"github.com/BaSui01/chatflow/cache"
	"github.com/BaSui01/chatflow/coalescer"
	"github.com/BaSui01/chatflow/config"
	"github.com/BaSui01/chatflow/contextstore"
	"github.com/BaSui01/chatflow/internal/metrics"
	"github.com/BaSui01/chatflow/internal/server"
	"github.com/BaSui01/chatflow/loader"
	"github.com/BaSui01/chatflow/store"
	"github.com/BaSui01/chatflow/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 chatflow 服务进程：入站消息管道加运维 HTTP 面
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	rdb      *redis.Client
	records  *store.Store
	l1       *cache.Local
	ctxStore *contextstore.Store
	ldr      *loader.CachedLoader
	pipe     *chatflow.Pipeline

	collector  *metrics.Collector
	opsManager *server.Manager

	maintStop    chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		maintStop: make(chan struct{}),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有组件
func (s *Server) Start() error {
	// 1. 指标收集器
	s.collector = metrics.NewCollector("chatflow", s.logger)

	// 2. Redis（L2 上下文存储与共享批次缓冲）
	s.rdb = redis.NewClient(&redis.Options{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
		MaxRetries:   s.cfg.Redis.MaxRetries,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := s.rdb.Ping(pingCtx).Err(); err != nil {
		// 存储降级：连接恢复前读会话上下文返回空视图
		s.logger.Warn("redis not reachable, context store degraded", zap.Error(err))
	}
	cancel()

	// 3. 缓存层（指标采集器一并挂接）
	s.ctxStore = contextstore.New(s.rdb, contextStoreConfig(s.cfg.Context), s.logger)
	s.ctxStore.SetMetrics(s.collector)
	s.l1 = cache.NewLocal(localCacheConfig(s.cfg.Cache), s.logger)
	s.l1.SetMetrics(s.collector)

	// 4. 记录系统与管道（数据库不可用时仅保留运维面）
	records, err := store.Open(s.cfg.Database, s.logger)
	if err != nil {
		s.logger.Warn("record system unavailable, message ingest disabled", zap.Error(err))
	} else {
		s.records = records
		s.ldr = loader.New(records, s.l1, s.ctxStore, s.logger)
		s.ldr.SetMetrics(s.collector)

		pipe, err := chatflow.NewPipeline(chatflow.PipelineOptions{
			Coalescer:    coalescerConfig(s.cfg.Coalescer),
			Shared:       s.cfg.Coalescer.Shared,
			SharedBuffer: sharedBufferConfig(s.cfg.Coalescer),
			Redis:        s.rdb,
			Metrics:      s.collector,
		}, s.ldr, s.ctxStore, s.handleTurn, s.logger)
		if err != nil {
			return fmt.Errorf("failed to build pipeline: %w", err)
		}
		s.pipe = pipe
	}

	// 5. 运维 HTTP 服务器
	s.opsManager = server.NewManager(s.buildRouter(), server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.Port),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	if err := s.opsManager.Start(); err != nil {
		return fmt.Errorf("failed to start ops server: %w", err)
	}

	// 6. 离线维护
	if s.cfg.Maintenance.Enabled {
		s.wg.Add(1)
		go s.maintenanceLoop()
	}

	s.logger.Info("chatflow started",
		zap.Int("port", s.cfg.Server.Port),
		zap.Bool("ingest_enabled", s.pipe != nil),
		zap.Bool("shared_coalescer", s.cfg.Coalescer.Shared),
	)
	return nil
}

// handleTurn 是合并回合的下游交接点。回复生成属于下游系统，
// 这里记录回合与上下文装配结果。
func (s *Server) handleTurn(ctx context.Context, turn types.MergedTurn, fc *types.FullContext) {
	fields := []zap.Field{
		zap.String("turn_id", turn.ID),
		zap.String("key", turn.Key.String()),
		zap.Bool("is_batch", turn.Metadata.IsBatch),
		zap.Int("messages", turn.Metadata.OriginalMessagesCount),
	}
	if fc != nil {
		fields = append(fields,
			zap.Bool("has_company", fc.Company != nil),
			zap.Bool("has_client", fc.Client != nil),
			zap.Int("history", len(fc.Messages)),
		)
	} else {
		fields = append(fields, zap.Bool("context_available", false))
	}
	s.logger.Info("merged turn delivered", fields...)
}

// WaitForShutdown 等待关闭信号并停止所有组件
func (s *Server) WaitForShutdown() {
	s.opsManager.WaitForShutdown()
	s.shutdownComponents()
}

// Shutdown 主动停止所有组件
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.opsManager.Shutdown(ctx)
	s.shutdownComponents()
	return err
}

func (s *Server) shutdownComponents() {
	s.shutdownOnce.Do(s.doShutdownComponents)
}

func (s *Server) doShutdownComponents() {
	close(s.maintStop)
	s.wg.Wait()

	// 管道先停：冲刷未完成批次还要用到存储
	if s.pipe != nil {
		s.pipe.Close()
	}
	if s.l1 != nil {
		s.l1.Close()
	}
	if s.rdb != nil {
		s.rdb.Close()
	}
	s.logger.Info("chatflow stopped")
}

// =============================================================================
// 🧹 离线维护
// =============================================================================

func (s *Server) maintenanceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Maintenance.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			removed, err := s.ctxStore.ClearOldContexts(ctx, s.cfg.Maintenance.DaysToKeep)
			cancel()
			if err != nil {
				s.logger.Warn("context cleanup failed", zap.Error(err))
			} else if removed > 0 {
				s.logger.Info("old contexts cleared", zap.Int("removed", removed))
			}

			if s.records != nil {
				open, idle := s.records.Stats()
				s.collector.RecordDBConnections("chatflow", open, idle)
			}
		case <-s.maintStop:
			return
		}
	}
}

// =============================================================================
// 🌐 路由
// =============================================================================

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery(s.logger))
	r.Use(RequestLogger(s.logger))
	r.Use(MetricsMiddleware(s.collector))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/messages", s.handleIngest)
		r.Post("/invalidate", s.handleInvalidate)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Get("/coalescer/stats", s.handleCoalescerStats)
		r.Get("/conversations/{tenantID}/{participantID}/summary", s.handleSummary)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	redisOK := s.rdb.Ping(ctx).Err() == nil
	ingestOK := s.pipe != nil

	status := http.StatusOK
	if !redisOK || !ingestOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"redis":  redisOK,
		"ingest": ingestOK,
	})
}

// inboundRequest 入站消息载荷
type inboundRequest struct {
	TenantID      string    `json:"tenant_id"`
	ParticipantID string    `json:"participant_id"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.pipe == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "message ingest disabled")
		return
	}

	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.TenantID == "" || req.ParticipantID == "" || req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "tenant_id, participant_id and text are required")
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	err := s.pipe.Offer(r.Context(), types.InboundMessage{
		TenantID:      req.TenantID,
		ParticipantID: req.ParticipantID,
		Text:          req.Text,
		Timestamp:     req.Timestamp,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to buffer message")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "buffered"})
}

// invalidateRequest 实体失效载荷
type invalidateRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	TenantID   string `json:"tenant_id"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.ldr == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "loader unavailable")
		return
	}

	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.EntityType == "" || req.TenantID == "" {
		writeJSONError(w, http.StatusBadRequest, "entity_type and tenant_id are required")
		return
	}

	s.ldr.InvalidateCache(r.Context(), req.EntityType, req.EntityID, req.TenantID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated"})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.l1.GetStats())
}

func (s *Server) handleCoalescerStats(w http.ResponseWriter, r *http.Request) {
	if s.pipe == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "pipeline unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.pipe.Stats())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	key := types.NewConversationKey(
		chi.URLParam(r, "tenantID"),
		chi.URLParam(r, "participantID"),
	)
	if key.IsZero() {
		writeJSONError(w, http.StatusBadRequest, "tenant and participant are required")
		return
	}
	writeJSON(w, http.StatusOK, s.ctxStore.GetConversationSummary(r.Context(), key))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// =============================================================================
// ⚙️ 配置映射
// =============================================================================

func localCacheConfig(c config.CacheConfig) cache.Config {
	return cache.Config{
		CategoryTTLs: map[string]time.Duration{
			cache.CategoryCompany:  c.CompanyTTL,
			cache.CategoryServices: c.ServicesTTL,
			cache.CategoryStaff:    c.StaffTTL,
			cache.CategoryClients:  c.ClientsTTL,
			cache.CategorySlots:    c.SlotsTTL,
			cache.CategoryContext:  c.ContextTTL,
		},
		MaxEntries:    c.MaxEntries,
		SweepInterval: c.SweepInterval,
	}
}

func contextStoreConfig(c config.ContextConfig) contextstore.Config {
	return contextstore.Config{
		KeyPrefix:      c.KeyPrefix,
		DialogTTL:      c.DialogTTL,
		PreferencesTTL: c.PreferencesTTL,
		SnapshotTTL:    c.SnapshotTTL,
		HistoryLimit:   c.HistoryLimit,
		ContinueWindow: c.ContinueWindow,
		OpTimeout:      c.OpTimeout,
	}
}

func coalescerConfig(c config.CoalescerConfig) coalescer.Config {
	return coalescer.Config{
		DebounceWindow: c.DebounceWindow,
		HardCap:        c.HardCap,
		MaxBatchSize:   c.MaxBatchSize,
	}
}

func sharedBufferConfig(c config.CoalescerConfig) coalescer.SharedBufferConfig {
	cfg := coalescer.DefaultSharedBufferConfig()
	if c.PollInterval > 0 {
		cfg.PollInterval = c.PollInterval
	}
	return cfg
}
