// Package config loads the server settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the complete runtime configuration of the server and the admin tool.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	StoreDriver   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	UserDBDriver string
	DatabaseDSN  string
	SQLitePath   string

	JWTSecret string
	TokenTTL  time.Duration

	HeartbeatInterval  time.Duration
	PresenceTimeout    time.Duration
	ReapInterval       time.Duration
	OnlineCountRefresh time.Duration

	LocalesDir string

	LogLevel  slog.Level
	LogFormat string
}

// Env looks up a single variable.
type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func (osEnv) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return LoadFromEnv(osEnv{})
}

// LoadFromEnv builds a Config from env, applying defaults for unset keys.
func LoadFromEnv(env Env) (Config, error) {
	cfg := Config{
		HTTPAddr:           DefaultHTTPAddr,
		ShutdownTimeout:    DefaultShutdownTimeout,
		StoreDriver:        DefaultStoreDriver,
		RedisAddr:          DefaultRedisAddr,
		RedisPrefix:        DefaultRedisPrefix,
		UserDBDriver:       DefaultUserDBDriver,
		SQLitePath:         DefaultSQLitePath,
		TokenTTL:           DefaultTokenTTL,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		PresenceTimeout:    DefaultPresenceTimeout,
		ReapInterval:       DefaultReapInterval,
		OnlineCountRefresh: DefaultOnlineCountRefresh,
		LocalesDir:         DefaultLocalesDir,
		LogLevel:           slog.LevelInfo,
		LogFormat:          DefaultLogFormat,
	}

	if raw := env.Getenv("HTTP_ADDR"); raw != "" {
		cfg.HTTPAddr = raw
	}

	if raw := env.Getenv("STORE_DRIVER"); raw != "" {
		if raw != StoreRedis && raw != StoreMemory {
			return Config{}, fmt.Errorf("invalid STORE_DRIVER %q", raw)
		}
		cfg.StoreDriver = raw
	}
	if raw := env.Getenv("REDIS_ADDR"); raw != "" {
		cfg.RedisAddr = raw
	}
	cfg.RedisPassword = env.Getenv("REDIS_PASSWORD")
	if raw := env.Getenv("REDIS_DB"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil || db < 0 {
			return Config{}, fmt.Errorf("invalid REDIS_DB")
		}
		cfg.RedisDB = db
	}
	if raw, ok := lookup(env, "REDIS_PREFIX"); ok {
		cfg.RedisPrefix = raw
	}

	if raw := env.Getenv("USER_DB_DRIVER"); raw != "" {
		if raw != UserDBPostgres && raw != UserDBSQLite {
			return Config{}, fmt.Errorf("invalid USER_DB_DRIVER %q", raw)
		}
		cfg.UserDBDriver = raw
	}
	cfg.DatabaseDSN = env.Getenv("DATABASE_DSN")
	if cfg.UserDBDriver == UserDBPostgres && cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("DATABASE_DSN is required")
	}
	if raw := env.Getenv("SQLITE_PATH"); raw != "" {
		cfg.SQLitePath = raw
	}

	cfg.JWTSecret = env.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TOKEN_TTL", &cfg.TokenTTL},
		{"HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"PRESENCE_TIMEOUT", &cfg.PresenceTimeout},
		{"REAP_INTERVAL", &cfg.ReapInterval},
		{"ONLINE_COUNT_REFRESH", &cfg.OnlineCountRefresh},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		raw := env.Getenv(d.key)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil || v <= 0 {
			return Config{}, fmt.Errorf("invalid %s", d.key)
		}
		*d.dst = v
	}
	if cfg.PresenceTimeout <= cfg.HeartbeatInterval {
		return Config{}, fmt.Errorf("PRESENCE_TIMEOUT must exceed HEARTBEAT_INTERVAL")
	}

	if raw := env.Getenv("LOCALES_DIR"); raw != "" {
		cfg.LocalesDir = raw
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL")
		}
	}
	if raw := env.Getenv("LOG_FORMAT"); raw != "" {
		raw = strings.ToLower(raw)
		if raw != "text" && raw != "json" {
			return Config{}, fmt.Errorf("invalid LOG_FORMAT")
		}
		cfg.LogFormat = raw
	}

	return cfg, nil
}

// lookup distinguishes an empty value from an unset key where the env supports it.
func lookup(env Env, key string) (string, bool) {
	if l, ok := env.(interface {
		LookupEnv(key string) (string, bool)
	}); ok {
		return l.LookupEnv(key)
	}
	v := env.Getenv(key)
	return v, v != ""
}
