// Package config loads bridge configuration from defaults, an optional
// YAML file and BRIDGE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"detect-bridge/internal/detect"
)

// EnvConfigFile names the variable holding the optional config file path.
const EnvConfigFile = "BRIDGE_CONFIG_FILE"

type Config struct {
	Server  ServerConfig `mapstructure:"server"`
	DataDir string       `mapstructure:"data_dir"`
	Cache   CacheConfig  `mapstructure:"cache"`
	Gate    GateConfig   `mapstructure:"gate"`
	Redis   RedisConfig  `mapstructure:"redis"`
	Engine  EngineConfig `mapstructure:"engine"`
	Authz   AuthzConfig  `mapstructure:"authz"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

type CacheConfig struct {
	Capacity       int    `mapstructure:"capacity"`
	Dir            string `mapstructure:"dir"`
	RebuildOnStart bool   `mapstructure:"rebuild_on_start"`
}

type GateConfig struct {
	Backend string        `mapstructure:"backend"` // memory | redis
	Prefix  string        `mapstructure:"prefix"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type EngineConfig struct {
	Backend           string        `mapstructure:"backend"` // command | http
	Weights           string        `mapstructure:"weights"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	MaxConcurrentRuns int64         `mapstructure:"max_concurrent_runs"`

	// command backend
	Command string `mapstructure:"command"`
	Script  string `mapstructure:"script"`

	// http backend
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
}

type AuthzConfig struct {
	// ProAllow lists requesters allowed to use pro mode. Empty allows everyone.
	ProAllow []string `mapstructure:"pro_allow"`
}

// Load reads configuration using the file named by BRIDGE_CONFIG_FILE, if any.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(EnvConfigFile))
}

// LoadFile reads configuration from path (may be empty) plus the environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "13m")
	v.SetDefault("server.max_body_bytes", 20<<20)

	v.SetDefault("data_dir", "./data")

	v.SetDefault("cache.capacity", 200)
	v.SetDefault("cache.dir", "cache")
	v.SetDefault("cache.rebuild_on_start", true)

	v.SetDefault("gate.backend", "memory")
	v.SetDefault("gate.prefix", "detect-bridge")
	v.SetDefault("gate.lock_ttl", "15m")
	v.SetDefault("redis.addr", "127.0.0.1:6379")

	v.SetDefault("engine.backend", "command")
	v.SetDefault("engine.weights", "yolov5x.pt")
	v.SetDefault("engine.run_timeout", "120s")
	v.SetDefault("engine.max_concurrent_runs", 0)
	v.SetDefault("engine.command", "python")
	v.SetDefault("engine.script", "yolov5/detect.py")
	v.SetDefault("engine.base_url", "")
	v.SetDefault("engine.api_key", "")
	v.SetDefault("engine.max_retries", 2)
	v.SetDefault("engine.base_backoff", "100ms")

	v.SetDefault("authz.pro_allow", []string{})
}

// Validate checks values that have no safe fallback.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Engine.RunTimeout <= 0 {
		return errors.New("engine.run_timeout must be positive")
	}
	// Admitted requests are never cut short, so the server must outlast a
	// full pro grid where every run uses its whole timeout.
	if grid := time.Duration(detect.MaxRunsPerRequest) * c.Engine.RunTimeout; c.Server.RequestTimeout < grid {
		return fmt.Errorf("server.request_timeout %s is shorter than a full pro grid (%d x engine.run_timeout = %s)",
			c.Server.RequestTimeout, detect.MaxRunsPerRequest, grid)
	}

	switch c.Gate.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis gate")
		}
		if c.Gate.LockTTL < c.Server.RequestTimeout {
			return fmt.Errorf("gate.lock_ttl %s must not be shorter than server.request_timeout %s",
				c.Gate.LockTTL, c.Server.RequestTimeout)
		}
	default:
		return fmt.Errorf("unknown gate.backend %q", c.Gate.Backend)
	}

	switch c.Engine.Backend {
	case "command":
		if c.Engine.Command == "" {
			return errors.New("engine.command is required for the command engine")
		}
	case "http":
		if c.Engine.BaseURL == "" {
			return errors.New("engine.base_url is required for the http engine")
		}
	default:
		return fmt.Errorf("unknown engine.backend %q", c.Engine.Backend)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
