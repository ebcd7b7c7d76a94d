package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/chatflow/types"
)

// ErrNotFound 请求的记录不存在。
var ErrNotFound = errors.New("context record not found")

// Config 上下文存储配置
type Config struct {
	// 存储键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// 对话状态与消息历史 TTL
	DialogTTL time.Duration `yaml:"dialog_ttl" json:"dialog_ttl"`

	// 偏好 TTL
	PreferencesTTL time.Duration `yaml:"preferences_ttl" json:"preferences_ttl"`

	// 完整上下文快照默认 TTL
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" json:"snapshot_ttl"`

	// 消息历史长度上限
	HistoryLimit int `yaml:"history_limit" json:"history_limit"`

	// 会话可延续窗口
	ContinueWindow time.Duration `yaml:"continue_window" json:"continue_window"`

	// 单次存储操作超时
	OpTimeout time.Duration `yaml:"op_timeout" json:"op_timeout"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		KeyPrefix:      "conv",
		DialogTTL:      30 * 24 * time.Hour,
		PreferencesTTL: 365 * 24 * time.Hour,
		SnapshotTTL:    6 * time.Hour,
		HistoryLimit:   50,
		ContinueWindow: 24 * time.Hour,
		OpTimeout:      3 * time.Second,
	}
}

// Store 是 L2 共享上下文存储的门面。
type Store struct {
	rdb     *redis.Client
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	metrics MetricsHook
}

// New 创建上下文存储门面。
func New(rdb *redis.Client, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.DialogTTL <= 0 {
		cfg.DialogTTL = def.DialogTTL
	}
	if cfg.PreferencesTTL <= 0 {
		cfg.PreferencesTTL = def.PreferencesTTL
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = def.SnapshotTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.ContinueWindow <= 0 {
		cfg.ContinueWindow = def.ContinueWindow
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}

	return &Store{
		rdb:     rdb,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "context_store")),
		now:     time.Now,
		metrics: nopMetrics{},
	}
}

// --- 存储键 ---

func (s *Store) dialogKey(k types.ConversationKey) string {
	return s.cfg.KeyPrefix + ":ctx:" + k.String()
}

func (s *Store) historyKey(k types.ConversationKey) string {
	return s.cfg.KeyPrefix + ":msgs:" + k.String()
}

func (s *Store) prefsKey(k types.ConversationKey) string {
	return s.cfg.KeyPrefix + ":prefs:" + k.String()
}

func (s *Store) clientKey(k types.ConversationKey) string {
	return s.cfg.KeyPrefix + ":client:" + k.String()
}

func (s *Store) bookingKey(k types.ConversationKey) string {
	return s.cfg.KeyPrefix + ":booking:" + k.String()
}

func (s *Store) snapshotKey(k types.ConversationKey) string {
	return s.cfg.KeyPrefix + ":fullctx:" + k.String()
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

// --- 对话状态 ---

// SetContext 覆盖写对话状态的 state/data 字段并刷新活动时间与 TTL。
func (s *Store) SetContext(ctx context.Context, key types.ConversationKey, state string, data map[string]any) (err error) {
	start := s.now()
	defer func() { s.observe("set_context", start, err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	fields := map[string]any{
		"phone":         key.ParticipantID,
		"company_id":    key.TenantID,
		"state":         state,
		"last_activity": s.now().Format(time.RFC3339Nano),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal dialog data: %w", err)
		}
		fields["data"] = string(raw)
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, s.dialogKey(key), fields)
	pipe.Expire(ctx, s.dialogKey(key), s.cfg.DialogTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("set context failed", zap.String("key", key.String()), zap.Error(err))
		return fmt.Errorf("set context: %w", err)
	}
	return nil
}

// GetDialog 读取对话状态记录；不存在时返回 ErrNotFound。
func (s *Store) GetDialog(ctx context.Context, key types.ConversationKey) (dc *types.DialogContext, err error) {
	start := s.now()
	defer func() { s.observe("get_dialog", start, err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	fields, err := s.rdb.HGetAll(ctx, s.dialogKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get dialog: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	dc = &types.DialogContext{
		State:      fields["state"],
		ClientName: fields["client_name"],
		LastAction: fields["last_action"],
	}
	if raw := fields["data"]; raw != "" {
		// 损坏的 data 按缺失处理，不中断读取
		if err := json.Unmarshal([]byte(raw), &dc.Data); err != nil {
			s.logger.Warn("malformed dialog data, treating as empty",
				zap.String("key", key.String()), zap.Error(err))
		}
	}
	if raw := fields["last_activity"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			dc.LastActivity = t
		}
	}
	return dc, nil
}

// CanContinueConversation 报告会话是否可以直接延续：
// 对话状态存在且最近活动在延续窗口之内。
func (s *Store) CanContinueConversation(ctx context.Context, key types.ConversationKey) bool {
	dc, err := s.GetDialog(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("continue check degraded to false",
				zap.String("key", key.String()), zap.Error(err))
		}
		return false
	}
	if dc.LastActivity.IsZero() {
		return false
	}
	return s.now().Sub(dc.LastActivity) <= s.cfg.ContinueWindow
}

// --- 消息历史 ---

// 历史条目在存量数据中存在两种字段命名；解码时统一为 HistoryEntry。
type historyEntryWire struct {
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// 旧格式
	From    string `json:"from,omitempty"`
	Message string `json:"message,omitempty"`
	Time    string `json:"time,omitempty"`
}

func decodeHistoryEntry(raw string) (types.HistoryEntry, error) {
	var w historyEntryWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return types.HistoryEntry{}, err
	}

	e := types.HistoryEntry{Sender: w.Sender, Text: w.Text}
	if e.Sender == "" {
		e.Sender = w.From
	}
	if e.Text == "" {
		e.Text = w.Message
	}

	ts := w.Timestamp
	if ts == "" {
		ts = w.Time
	}
	if ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		} else if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
			e.Timestamp = time.Unix(sec, 0).UTC()
		}
	}
	return e, nil
}

// AppendHistory 原子地追加一条历史消息（追加 + 截断 + 刷新 TTL 为一个
// Lua 脚本），并同步刷新对话状态的活动时间。
func (s *Store) AppendHistory(ctx context.Context, key types.ConversationKey, e types.HistoryEntry) (err error) {
	start := s.now()
	defer func() { s.observe("append_history", start, err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	err = appendHistoryScript.Run(ctx, s.rdb,
		[]string{s.historyKey(key), s.dialogKey(key)},
		string(raw),
		s.cfg.HistoryLimit,
		int(s.cfg.DialogTTL.Seconds()),
		s.now().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		s.logger.Error("append history failed", zap.String("key", key.String()), zap.Error(err))
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// GetHistory 读取最近 limit 条历史消息，最新在前。
// limit<=0 时使用配置的历史上限。损坏的条目跳过并记日志。
func (s *Store) GetHistory(ctx context.Context, key types.ConversationKey, limit int) []types.HistoryEntry {
	start := s.now()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 || limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}

	raws, err := s.rdb.LRange(ctx, s.historyKey(key), 0, int64(limit-1)).Result()
	s.observe("get_history", start, err)
	if err != nil {
		s.logger.Warn("get history degraded to empty",
			zap.String("key", key.String()), zap.Error(err))
		return nil
	}

	entries := make([]types.HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		e, err := decodeHistoryEntry(raw)
		if err != nil {
			s.logger.Warn("skipping malformed history entry",
				zap.String("key", key.String()), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// --- 客户子记录与最近预约 ---

// SaveClient 合并写客户子记录并在对话状态中缓存显示名。
func (s *Store) SaveClient(ctx context.Context, key types.ConversationKey, info types.ClientRecord) (err error) {
	start := s.now()
	defer func() { s.observe("save_client", start, err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	// 读-合并-写；并发写者 last-writer-wins，属接受的权衡
	current, _ := s.getClient(ctx, key)
	merged := mergeClient(current, info)

	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal client: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, s.clientKey(key), raw, s.cfg.DialogTTL)
	if merged.Name != "" {
		pipe.HSet(ctx, s.dialogKey(key), "client_name", merged.Name)
		pipe.Expire(ctx, s.dialogKey(key), s.cfg.DialogTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("save client failed", zap.String("key", key.String()), zap.Error(err))
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

func (s *Store) getClient(ctx context.Context, key types.ConversationKey) (types.ClientRecord, error) {
	raw, err := s.rdb.Get(ctx, s.clientKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.ClientRecord{}, ErrNotFound
		}
		return types.ClientRecord{}, err
	}
	var c types.ClientRecord
	if err := json.Unmarshal(raw, &c); err != nil {
		// 损坏的缓存记录按未命中处理
		return types.ClientRecord{}, ErrNotFound
	}
	return c, nil
}

func mergeClient(base, patch types.ClientRecord) types.ClientRecord {
	if patch.ID != 0 {
		base.ID = patch.ID
	}
	if patch.Name != "" {
		base.Name = patch.Name
	}
	if patch.Phone != "" {
		base.Phone = patch.Phone
	}
	if patch.Email != "" {
		base.Email = patch.Email
	}
	if patch.Comment != "" {
		base.Comment = patch.Comment
	}
	if patch.TenantID != "" {
		base.TenantID = patch.TenantID
	}
	return base
}

// SaveLastBooking 记录最近一次预约。
func (s *Store) SaveLastBooking(ctx context.Context, key types.ConversationKey, b types.Booking) (err error) {
	start := s.now()
	defer func() { s.observe("save_last_booking", start, err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal booking: %w", err)
	}
	if err := s.rdb.Set(ctx, s.bookingKey(key), raw, s.cfg.DialogTTL).Err(); err != nil {
		s.logger.Error("save last booking failed", zap.String("key", key.String()), zap.Error(err))
		return fmt.Errorf("save last booking: %w", err)
	}
	return nil
}

func (s *Store) getLastBooking(ctx context.Context, key types.ConversationKey) *types.Booking {
	raw, err := s.rdb.Get(ctx, s.bookingKey(key)).Bytes()
	if err != nil {
		return nil
	}
	var b types.Booking
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}
	return &b
}

// --- 偏好 ---

// SavePreferences 合并式写入偏好（不覆盖未提及的键），返回合并后的结果。
// 并发写者 last-writer-wins。
func (s *Store) SavePreferences(ctx context.Context, key types.ConversationKey, partial map[string]any) (_ map[string]any, err error) {
	start := s.now()
	defer func() { s.observe("save_preferences", start, err) }()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	merged := s.getPreferences(ctx, key)
	if merged == nil {
		merged = make(map[string]any, len(partial))
	}
	for k, v := range partial {
		merged[k] = v
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal preferences: %w", err)
	}
	if err := s.rdb.Set(ctx, s.prefsKey(key), raw, s.cfg.PreferencesTTL).Err(); err != nil {
		s.logger.Error("save preferences failed", zap.String("key", key.String()), zap.Error(err))
		return nil, fmt.Errorf("save preferences: %w", err)
	}
	return merged, nil
}

// GetPreferences 读取偏好；缺失或读失败时返回 nil。
func (s *Store) GetPreferences(ctx context.Context, key types.ConversationKey) map[string]any {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.getPreferences(ctx, key)
}

func (s *Store) getPreferences(ctx context.Context, key types.ConversationKey) map[string]any {
	raw, err := s.rdb.Get(ctx, s.prefsKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("get preferences degraded to nil",
				zap.String("key", key.String()), zap.Error(err))
		}
		return nil
	}
	var prefs map[string]any
	if err := json.Unmarshal(raw, &prefs); err != nil {
		s.logger.Warn("malformed preferences, treating as missing",
			zap.String("key", key.String()), zap.Error(err))
		return nil
	}
	return prefs
}

// --- 组合读取与更新 ---

// ContextUpdate 描述一次回合后的上下文变更；所有字段可选。
type ContextUpdate struct {
	LastMessage *types.HistoryEntry
	ClientInfo  *types.ClientRecord
	LastAction  string
}

// GetContext 组装会话上下文视图：对话状态、历史、客户记录、偏好与
// 最近预约并行读取。永不返回 error —— 任一读取失败时返回尽力而为的
// 视图并在 Error 字段记录降级原因。
func (s *Store) GetContext(ctx context.Context, key types.ConversationKey) types.Context {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		dialog  *types.DialogContext
		history []types.HistoryEntry
		client  types.ClientRecord
		prefs   map[string]any
		booking *types.Booking
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := s.GetDialog(gctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		dialog = d
		return nil
	})
	g.Go(func() error {
		history = s.GetHistory(gctx, key, 0)
		return nil
	})
	g.Go(func() error {
		c, err := s.getClient(gctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		client = c
		return nil
	})
	g.Go(func() error {
		prefs = s.getPreferences(gctx, key)
		return nil
	})
	g.Go(func() error {
		booking = s.getLastBooking(gctx, key)
		return nil
	})

	result := types.Context{}
	if err := g.Wait(); err != nil {
		s.logger.Warn("get context degraded",
			zap.String("key", key.String()), zap.Error(err))
		result.Error = err.Error()
	}

	// 无客户记录但对话状态缓存了显示名时，合成最小客户视图
	if client.IsEmpty() && dialog != nil && dialog.ClientName != "" {
		client = types.ClientRecord{
			Name:  dialog.ClientName,
			Phone: key.ParticipantID,
		}
	}

	result.Client = client
	result.LastMessages = history
	result.Preferences = prefs
	result.LastBooking = booking
	if dialog != nil {
		result.LastAction = dialog.LastAction
	}
	return result
}

// UpdateContext 应用一次回合后的变更。三类写入彼此独立，
// 不构成多键事务；进程崩溃下的部分生效是接受的风险。
func (s *Store) UpdateContext(ctx context.Context, key types.ConversationKey, upd ContextUpdate) error {
	var firstErr error

	if upd.LastMessage != nil {
		if err := s.AppendHistory(ctx, key, *upd.LastMessage); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if upd.ClientInfo != nil {
		if err := s.SaveClient(ctx, key, *upd.ClientInfo); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if upd.LastAction != "" {
		octx, cancel := s.opCtx(ctx)
		pipe := s.rdb.Pipeline()
		pipe.HSet(octx, s.dialogKey(key),
			"last_action", upd.LastAction,
			"last_action_at", s.now().Format(time.RFC3339Nano),
			"last_activity", s.now().Format(time.RFC3339Nano),
		)
		pipe.Expire(octx, s.dialogKey(key), s.cfg.DialogTTL)
		if _, err := pipe.Exec(octx); err != nil {
			s.logger.Error("record last action failed",
				zap.String("key", key.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
		cancel()
	}

	return firstErr
}
