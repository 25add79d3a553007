// Package config loads framework configuration from defaults, an optional
// YAML file, and SWARMFLOW_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Qiu-Ye/swarmflow/store"
)

// Duration accepts human-readable YAML values like "30s" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config 是框架的顶层配置。
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Approval ApprovalConfig `yaml:"approval"`
	Store    store.Config   `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// EngineConfig tunes the graph executor.
type EngineConfig struct {
	// MaxNodeVisits bounds node visits per run (routing loop guard).
	MaxNodeVisits int `yaml:"max_node_visits"`

	// DefaultAgentTimeout applies to agents that carry no timeout of their own.
	DefaultAgentTimeout Duration `yaml:"default_agent_timeout"`

	// MaxConcurrency bounds concurrent members within one parallel stage.
	MaxConcurrency int64 `yaml:"max_concurrency"`
}

// ApprovalConfig tunes the human-in-the-loop controller.
type ApprovalConfig struct {
	// TTL is how long a request stays pending before it can expire.
	// Zero disables expiry.
	TTL Duration `yaml:"ttl"`

	// SweepInterval is how often the background sweeper runs.
	// Zero disables the sweeper.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Development switches to the human-readable console encoder.
	Development bool `yaml:"development"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxNodeVisits:       50,
			DefaultAgentTimeout: Duration(2 * time.Minute),
			MaxConcurrency:      8,
		},
		Approval: ApprovalConfig{
			TTL:           Duration(24 * time.Hour),
			SweepInterval: Duration(time.Minute),
		},
		Store: store.DefaultConfig(),
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "swarmflow",
		},
	}
}

// Load builds the effective configuration. path may be empty; a missing file
// at an explicit path is an error, overrides from the environment always
// apply last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Engine.MaxNodeVisits <= 0 {
		return fmt.Errorf("engine.max_node_visits must be positive, got %d", c.Engine.MaxNodeVisits)
	}
	if c.Engine.DefaultAgentTimeout <= 0 {
		return fmt.Errorf("engine.default_agent_timeout must be positive, got %s", c.Engine.DefaultAgentTimeout)
	}
	if c.Engine.MaxConcurrency <= 0 {
		return fmt.Errorf("engine.max_concurrency must be positive, got %d", c.Engine.MaxConcurrency)
	}
	if c.Approval.TTL < 0 {
		return fmt.Errorf("approval.ttl cannot be negative, got %s", c.Approval.TTL)
	}
	switch c.Store.Type {
	case store.StoreTypeMemory, store.StoreTypeFile, store.StoreTypeRedis, store.StoreTypeSQLite, "":
	default:
		return fmt.Errorf("store.type must be one of memory, file, redis, sqlite; got %q", c.Store.Type)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	return nil
}

// applyEnv 逐项覆盖环境变量,不做反射魔法,便于 grep。
func applyEnv(cfg *Config) {
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setInt("SWARMFLOW_ENGINE_MAX_NODE_VISITS", &cfg.Engine.MaxNodeVisits)
	setDuration("SWARMFLOW_ENGINE_DEFAULT_AGENT_TIMEOUT", &cfg.Engine.DefaultAgentTimeout)
	setInt64("SWARMFLOW_ENGINE_MAX_CONCURRENCY", &cfg.Engine.MaxConcurrency)

	setDuration("SWARMFLOW_APPROVAL_TTL", &cfg.Approval.TTL)
	setDuration("SWARMFLOW_APPROVAL_SWEEP_INTERVAL", &cfg.Approval.SweepInterval)

	if v := os.Getenv("SWARMFLOW_STORE_TYPE"); v != "" {
		cfg.Store.Type = store.StoreType(v)
	}
	setString("SWARMFLOW_STORE_BASE_DIR", &cfg.Store.BaseDir)
	setString("SWARMFLOW_STORE_PATH", &cfg.Store.Path)
	setString("SWARMFLOW_STORE_REDIS_ADDR", &cfg.Store.Redis.Addr)
	setString("SWARMFLOW_STORE_REDIS_PASSWORD", &cfg.Store.Redis.Password)
	setInt("SWARMFLOW_STORE_REDIS_DB", &cfg.Store.Redis.DB)
	setString("SWARMFLOW_STORE_REDIS_KEY_PREFIX", &cfg.Store.Redis.KeyPrefix)

	setString("SWARMFLOW_LOG_LEVEL", &cfg.Log.Level)
	setBool("SWARMFLOW_LOG_DEVELOPMENT", &cfg.Log.Development)

	setBool("SWARMFLOW_METRICS_ENABLED", &cfg.Metrics.Enabled)
	setString("SWARMFLOW_METRICS_NAMESPACE", &cfg.Metrics.Namespace)
}
