package config

import "time"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 ChatFlow 的完整配置结构
type Config struct {
	// Server 运维服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis 共享存储配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 记录系统数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Cache L1 本地缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Context L2 会话上下文存储配置
	Context ContextConfig `yaml:"context" env:"CONTEXT"`

	// Coalescer 消息合并配置
	Coalescer CoalescerConfig `yaml:"coalescer" env:"COALESCER"`

	// Maintenance 离线维护配置
	Maintenance MaintenanceConfig `yaml:"maintenance" env:"MAINTENANCE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 运维服务器配置
type ServerConfig struct {
	// HTTP 端口（健康检查、指标、统计端点）
	Port int `yaml:"port" env:"PORT"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`

	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// Redis 地址
	Addr string `yaml:"addr" env:"ADDR"`

	// 密码
	Password string `yaml:"password" env:"PASSWORD"`

	// 数据库编号
	DB int `yaml:"db" env:"DB"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
}

// DatabaseConfig 记录系统数据库配置
type DatabaseConfig struct {
	// 数据库驱动: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`

	// 主机地址
	Host string `yaml:"host" env:"HOST"`

	// 端口
	Port int `yaml:"port" env:"PORT"`

	// 用户名
	User string `yaml:"user" env:"USER"`

	// 密码
	Password string `yaml:"password" env:"PASSWORD"`

	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`

	// SSL 模式（仅 postgres）
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`

	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`

	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`

	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// CacheConfig L1 本地缓存配置
type CacheConfig struct {
	// 单进程最大条目数（所有分类合计）
	MaxEntries int `yaml:"max_entries" env:"MAX_ENTRIES"`

	// 主动清扫间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	// 公司信息 TTL
	CompanyTTL time.Duration `yaml:"company_ttl" env:"COMPANY_TTL"`

	// 服务目录 TTL
	ServicesTTL time.Duration `yaml:"services_ttl" env:"SERVICES_TTL"`

	// 员工名册 TTL
	StaffTTL time.Duration `yaml:"staff_ttl" env:"STAFF_TTL"`

	// 客户记录 TTL
	ClientsTTL time.Duration `yaml:"clients_ttl" env:"CLIENTS_TTL"`

	// 可用时段 TTL
	SlotsTTL time.Duration `yaml:"slots_ttl" env:"SLOTS_TTL"`

	// 完整上下文 TTL
	ContextTTL time.Duration `yaml:"context_ttl" env:"CONTEXT_TTL"`
}

// ContextConfig L2 会话上下文存储配置
type ContextConfig struct {
	// 存储键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`

	// 对话状态与消息历史 TTL
	DialogTTL time.Duration `yaml:"dialog_ttl" env:"DIALOG_TTL"`

	// 偏好 TTL
	PreferencesTTL time.Duration `yaml:"preferences_ttl" env:"PREFERENCES_TTL"`

	// 完整上下文快照 TTL
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" env:"SNAPSHOT_TTL"`

	// 消息历史长度上限
	HistoryLimit int `yaml:"history_limit" env:"HISTORY_LIMIT"`

	// 会话可延续窗口
	ContinueWindow time.Duration `yaml:"continue_window" env:"CONTINUE_WINDOW"`

	// 单次存储操作超时
	OpTimeout time.Duration `yaml:"op_timeout" env:"OP_TIMEOUT"`
}

// CoalescerConfig 消息合并配置
type CoalescerConfig struct {
	// 去抖窗口
	DebounceWindow time.Duration `yaml:"debounce_window" env:"DEBOUNCE_WINDOW"`

	// 批次累积硬上限
	HardCap time.Duration `yaml:"hard_cap" env:"HARD_CAP"`

	// 单批次最大消息条数
	MaxBatchSize int `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`

	// Shared 为 true 时使用共享存储批次缓冲（多副本部署）
	Shared bool `yaml:"shared" env:"SHARED"`

	// 共享缓冲轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// MaintenanceConfig 离线维护配置
type MaintenanceConfig struct {
	// 是否启用周期性清理
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// 清理间隔
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`

	// 不活跃会话保留天数
	DaysToKeep int `yaml:"days_to_keep" env:"DAYS_TO_KEEP"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`

	// 日志格式: json, console
	Format string `yaml:"format" env:"FORMAT"`

	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// 服务名
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`

	// OTLP gRPC 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`

	// 采样率 [0, 1]
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}
