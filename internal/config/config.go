// Package config loads the device-side configuration: an optional YAML file,
// then CLOUDSYNC_* / LOG_LEVEL, then TASKSYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "TASKSYNC_"

type CloudSyncConfig struct {
	// BaseURL of the sync server. Empty disables synchronization.
	BaseURL               string `koanf:"base_url"`
	Token                 string `koanf:"token"`
	Namespace             string `koanf:"namespace"`
	IntervalSeconds       int    `koanf:"interval_seconds"`
	RequestTimeoutSeconds int    `koanf:"request_timeout_seconds"`
	// Feed subscribes to the server's change feed while the daemon runs.
	Feed bool `koanf:"feed"`
}

func (c CloudSyncConfig) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
	// Watch reacts to writes made to the database by other processes.
	Watch bool `koanf:"watch"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

type HTTPConfig struct {
	// Addr of the local status API; empty disables it.
	Addr string `koanf:"addr"`
}

type Config struct {
	CloudSync CloudSyncConfig `koanf:"cloudsync"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	HTTP      HTTPConfig      `koanf:"http"`
}

// DefaultDir is where the database and config file live unless overridden.
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "tasksync")
	}
	return ".tasksync"
}

func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Load reads path (DefaultPath when empty). A missing file is only an error
// when the path was given explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath()
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Unprefixed names kept for existing deployments.
	if err := k.Load(env.Provider("CLOUDSYNC_", ".", func(s string) string {
		return "cloudsync." + strings.ToLower(strings.TrimPrefix(s, "CLOUDSYNC_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load CLOUDSYNC_ environment: %w", err)
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		_ = k.Set("log.level", v)
	}

	// TASKSYNC_CLOUDSYNC_BASE_URL -> cloudsync.base_url
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		parts := strings.SplitN(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", 2)
		if len(parts) == 1 {
			return parts[0]
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("load %s environment: %w", envPrefix, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.CloudSync.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.CloudSync.BaseURL), "/")
	if cfg.CloudSync.IntervalSeconds <= 0 {
		cfg.CloudSync.IntervalSeconds = 30
	}
	if cfg.CloudSync.RequestTimeoutSeconds <= 0 {
		cfg.CloudSync.RequestTimeoutSeconds = 30
	}
	if strings.TrimSpace(cfg.CloudSync.Namespace) == "" {
		cfg.CloudSync.Namespace = "primary"
	}
	if strings.TrimSpace(cfg.Database.Path) == "" {
		cfg.Database.Path = filepath.Join(DefaultDir(), "tasks.db")
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if strings.TrimSpace(cfg.Log.Format) == "" {
		cfg.Log.Format = "console"
	}
}
