package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CLOUD_SYNC_"

type Config struct {
	Port        string `koanf:"port"`
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format"`
	LogFile     string `koanf:"log_file"`
	DatabaseURL string `koanf:"database_url"`
	AuthToken   string `koanf:"auth_token"`
	// CORSOrigins is a comma-separated allow-list; "*" allows any origin.
	CORSOrigins string `koanf:"cors_origins"`
}

func Default() Config {
	return Config{
		Port:        "8090",
		LogLevel:    "info",
		LogFormat:   "json",
		DatabaseURL: "cloudsync.db",
		CORSOrigins: "*",
	}
}

// Load applies defaults, then the YAML file at path (if any), then
// CLOUD_SYNC_* variables, then PORT.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load %s environment: %w", envPrefix, err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		cfg.Port = p
	}
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	if strings.TrimSpace(cfg.CORSOrigins) == "" {
		cfg.CORSOrigins = "*"
	}
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return Config{}, errors.New("port must be numeric: " + cfg.Port)
	}
	return cfg, nil
}

func (c Config) Addr() string {
	return ":" + c.Port
}

// AllowedOrigins returns nil when every origin is allowed.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if o == "*" {
			return nil
		}
		out = append(out, o)
	}
	return out
}
