package config

import "time"

// =============================================================================
// 🎯 默认配置
// =============================================================================

// DefaultConfig 返回带有合理默认值的完整配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Cache:       DefaultCacheConfig(),
		Context:     DefaultContextConfig(),
		Coalescer:   DefaultCoalescerConfig(),
		Maintenance: DefaultMaintenanceConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "chatflow",
		Password:        "",
		Name:            "chatflow",
		SSLMode:         "disable",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultCacheConfig 返回默认 L1 缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries:    1000,
		SweepInterval: 60 * time.Second,
		CompanyTTL:    10 * time.Minute,
		ServicesTTL:   15 * time.Minute,
		StaffTTL:      15 * time.Minute,
		ClientsTTL:    10 * time.Minute,
		SlotsTTL:      2 * time.Minute,
		ContextTTL:    5 * time.Minute,
	}
}

// DefaultContextConfig 返回默认 L2 上下文存储配置
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		KeyPrefix:      "conv",
		DialogTTL:      30 * 24 * time.Hour,
		PreferencesTTL: 365 * 24 * time.Hour,
		SnapshotTTL:    6 * time.Hour,
		HistoryLimit:   50,
		ContinueWindow: 24 * time.Hour,
		OpTimeout:      3 * time.Second,
	}
}

// DefaultCoalescerConfig 返回默认合并器配置
func DefaultCoalescerConfig() CoalescerConfig {
	return CoalescerConfig{
		DebounceWindow: 2 * time.Second,
		HardCap:        25 * time.Second,
		MaxBatchSize:   10,
		Shared:         false,
		PollInterval:   500 * time.Millisecond,
	}
}

// DefaultMaintenanceConfig 返回默认维护配置
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Enabled:    false,
		Interval:   24 * time.Hour,
		DaysToKeep: 30,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		ServiceName:  "chatflow",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   0.1,
	}
}
