package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Values come from an optional
// YAML file, with environment variables taking precedence so deployment
// secrets never have to live on disk.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Telegram TelegramConfig `yaml:"telegram"`
	Sessions SessionsConfig `yaml:"sessions"`
	Limits   LimitsConfig   `yaml:"limits"`
	LogLevel string         `yaml:"log_level"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
}

type TelegramConfig struct {
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`
}

// SessionsConfig selects where account credentials are persisted.
// Backend is "file" (one JSON file per account under Dir) or "redis".
type SessionsConfig struct {
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LimitsConfig struct {
	// MaxInFlight caps concurrent remote requests across all accounts.
	MaxInFlight int64 `yaml:"max_in_flight"`
	// AttemptTTL bounds a pending login attempt when the remote service
	// does not supply a code timeout of its own.
	AttemptTTL time.Duration `yaml:"attempt_ttl"`
	// RequestTimeout is the per-request deadline applied at the HTTP layer.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// SearchPageSize is how many results one upstream search page requests.
	SearchPageSize int `yaml:"search_page_size"`
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), applies environment overrides, then defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Env-only deployments run without a config file.
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		return nil, fmt.Errorf("telegram api_id and api_hash are required (set API_ID and API_HASH)")
	}
	if cfg.Sessions.Backend != "file" && cfg.Sessions.Backend != "redis" {
		return nil, fmt.Errorf("unknown sessions backend %q", cfg.Sessions.Backend)
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := getEnvInt("API_ID", 0); v != 0 {
		cfg.Telegram.APIID = v
	}
	if v := os.Getenv("API_HASH"); v != "" {
		cfg.Telegram.APIHash = v
	}
	if v := os.Getenv("SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("SESSIONS_BACKEND"); v != "" {
		cfg.Sessions.Backend = v
	}
	if v := os.Getenv("SESSIONS_DIR"); v != "" {
		cfg.Sessions.Dir = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Sessions.Redis.Address = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Sessions.Redis.Password = v
	}
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		cfg.Sessions.Redis.DB = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8000"
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "file"
	}
	if cfg.Sessions.Dir == "" {
		cfg.Sessions.Dir = "sessions"
	}
	if cfg.Limits.MaxInFlight <= 0 {
		cfg.Limits.MaxInFlight = 16
	}
	if cfg.Limits.AttemptTTL <= 0 {
		cfg.Limits.AttemptTTL = 10 * time.Minute
	}
	if cfg.Limits.RequestTimeout <= 0 {
		cfg.Limits.RequestTimeout = 60 * time.Second
	}
	if cfg.Limits.SearchPageSize <= 0 {
		cfg.Limits.SearchPageSize = 20
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func getEnvInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
