package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qiu-Ye/swarmflow/store"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 50, cfg.Engine.MaxNodeVisits)
	assert.Equal(t, Duration(2*time.Minute), cfg.Engine.DefaultAgentTimeout)
	assert.EqualValues(t, 8, cfg.Engine.MaxConcurrency)
	assert.Equal(t, Duration(24*time.Hour), cfg.Approval.TTL)
	assert.Equal(t, store.StoreTypeMemory, cfg.Store.Type)
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmflow.yaml")
	content := `
engine:
  max_node_visits: 100
  default_agent_timeout: 30s
  max_concurrency: 4
approval:
  ttl: 1h
store:
  type: sqlite
  path: /var/lib/swarmflow/approvals.db
log:
  level: debug
  development: true
metrics:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Engine.MaxNodeVisits)
	assert.Equal(t, Duration(30*time.Second), cfg.Engine.DefaultAgentTimeout)
	assert.EqualValues(t, 4, cfg.Engine.MaxConcurrency)
	assert.Equal(t, Duration(time.Hour), cfg.Approval.TTL)
	assert.Equal(t, store.StoreTypeSQLite, cfg.Store.Type)
	assert.Equal(t, "/var/lib/swarmflow/approvals.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
	assert.False(t, cfg.Metrics.Enabled)

	// 文件未覆盖的键保留默认值
	assert.Equal(t, Duration(time.Minute), cfg.Approval.SweepInterval)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SWARMFLOW_ENGINE_MAX_NODE_VISITS", "7")
	t.Setenv("SWARMFLOW_APPROVAL_TTL", "90m")
	t.Setenv("SWARMFLOW_STORE_TYPE", "redis")
	t.Setenv("SWARMFLOW_STORE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("SWARMFLOW_LOG_LEVEL", "warn")
	t.Setenv("SWARMFLOW_METRICS_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.MaxNodeVisits)
	assert.Equal(t, Duration(90*time.Minute), cfg.Approval.TTL)
	assert.Equal(t, store.StoreTypeRedis, cfg.Store.Type)
	assert.Equal(t, "redis.internal:6380", cfg.Store.Redis.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))
	t.Setenv("SWARMFLOW_LOG_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)
	// 环境变量最后生效
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max visits", func(c *Config) { c.Engine.MaxNodeVisits = 0 }},
		{"negative timeout", func(c *Config) { c.Engine.DefaultAgentTimeout = Duration(-time.Second) }},
		{"zero concurrency", func(c *Config) { c.Engine.MaxConcurrency = 0 }},
		{"negative ttl", func(c *Config) { c.Approval.TTL = Duration(-time.Hour) }},
		{"unknown store", func(c *Config) { c.Store.Type = "etcd" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
