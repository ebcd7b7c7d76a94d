// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// 验证服务器默认值
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)

	// 验证 Redis 默认值
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, 10, cfg.Redis.PoolSize)

	// 验证 Database 默认值
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)

	// 验证 L1 缓存默认值
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, 10*time.Minute, cfg.Cache.CompanyTTL)
	assert.Equal(t, 2*time.Minute, cfg.Cache.SlotsTTL)
	assert.Equal(t, 5*time.Minute, cfg.Cache.ContextTTL)

	// 验证 L2 上下文存储默认值
	assert.Equal(t, "conv", cfg.Context.KeyPrefix)
	assert.Equal(t, 30*24*time.Hour, cfg.Context.DialogTTL)
	assert.Equal(t, 50, cfg.Context.HistoryLimit)
	assert.Equal(t, 24*time.Hour, cfg.Context.ContinueWindow)

	// 验证合并器默认值
	assert.Equal(t, 2*time.Second, cfg.Coalescer.DebounceWindow)
	assert.Equal(t, 25*time.Second, cfg.Coalescer.HardCap)
	assert.Equal(t, 10, cfg.Coalescer.MaxBatchSize)
	assert.False(t, cfg.Coalescer.Shared)

	// 验证 Log 默认值
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Coalescer.MaxBatchSize)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	// 创建临时配置文件
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 8888
  read_timeout: 60s

redis:
  addr: "redis-main:6380"
  db: 3

cache:
  max_entries: 5000
  slots_ttl: 90s

coalescer:
  debounce_window: 3s
  hard_cap: 40s
  max_batch_size: 15
  shared: true

context:
  history_limit: 100
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	// YAML 覆盖的字段
	assert.Equal(t, 8888, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "redis-main:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 5000, cfg.Cache.MaxEntries)
	assert.Equal(t, 90*time.Second, cfg.Cache.SlotsTTL)
	assert.Equal(t, 3*time.Second, cfg.Coalescer.DebounceWindow)
	assert.Equal(t, 40*time.Second, cfg.Coalescer.HardCap)
	assert.Equal(t, 15, cfg.Coalescer.MaxBatchSize)
	assert.True(t, cfg.Coalescer.Shared)
	assert.Equal(t, 100, cfg.Context.HistoryLimit)

	// 未覆盖的字段保持默认
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Cache.CompanyTTL)
	assert.Equal(t, "conv", cfg.Context.KeyPrefix)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [not a map"), 0o644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	require.Error(t, err)
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("CHATFLOW_SERVER_PORT", "9191")
	t.Setenv("CHATFLOW_REDIS_ADDR", "redis-replica:6379")
	t.Setenv("CHATFLOW_COALESCER_DEBOUNCE_WINDOW", "5s")
	t.Setenv("CHATFLOW_COALESCER_SHARED", "true")
	t.Setenv("CHATFLOW_TELEMETRY_SAMPLE_RATE", "0.5")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "redis-replica:6379", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.Coalescer.DebounceWindow)
	assert.True(t, cfg.Coalescer.Shared)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 8888\n"), 0o644))

	t.Setenv("CHATFLOW_SERVER_PORT", "7777")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	// 环境变量优先于 YAML
	assert.Equal(t, 7777, cfg.Server.Port)
}

func TestLoader_EnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_PORT", "6001")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 6001, cfg.Server.Port)
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("CHATFLOW_SERVER_PORT", "not-a-number")

	_, err := NewLoader().Load()
	require.Error(t, err)
}

// --- 验证测试 ---

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Coalescer.HardCap = time.Second
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Telemetry.SampleRate = 1.5
	assert.Error(t, cfg.Validate())
}

func TestLoader_WithValidator(t *testing.T) {
	called := false
	_, err := NewLoader().WithValidator(func(c *Config) error {
		called = true
		return nil
	}).Load()
	require.NoError(t, err)
	assert.True(t, called)
}

// --- DSN 测试 ---

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DefaultDatabaseConfig()
	assert.Contains(t, d.DSN(), "host=localhost")
	assert.Contains(t, d.DSN(), "dbname=chatflow")

	d.Driver = "mysql"
	assert.Contains(t, d.DSN(), "@tcp(localhost:5432)/chatflow")

	d.Driver = "sqlite"
	d.Name = "/tmp/chatflow.db"
	assert.Equal(t, "/tmp/chatflow.db", d.DSN())

	d.Driver = "oracle"
	assert.Equal(t, "", d.DSN())
}
