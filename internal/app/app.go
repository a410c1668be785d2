// Package app wires the chat backend together from a Config. Both binaries
// under cmd/ build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"ochatle/backend/internal/auth"
	"ochatle/backend/internal/chathub"
	"ochatle/backend/internal/config"
	"ochatle/backend/internal/localization"
	"ochatle/backend/internal/presence"
	"ochatle/backend/internal/storage"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const connectAttempts = 5

// NewLogger builds the process logger from LOG_FORMAT and LOG_LEVEL.
func NewLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// OpenStore connects the session store and waits for it to answer.
func OpenStore(ctx context.Context, cfg config.Config, log *slog.Logger) (storage.Storage, error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Warn("using the in-process session store; state is lost on restart and not shared between nodes")
		return storage.NewMemoryStore(), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := storage.NewRedisStore(rdb, cfg.RedisPrefix, log)

	// Redis may still be starting next to us.
	backoff := retry.WithMaxRetries(connectAttempts, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			log.Warn("redis not ready", "addr", cfg.RedisAddr, "err", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return store, nil
}

// OpenUsers opens the user database and migrates it.
func OpenUsers(cfg config.Config, log *slog.Logger) (*storage.UserRepository, error) {
	var dialector gorm.Dialector
	switch cfg.UserDBDriver {
	case config.UserDBSQLite:
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		dialector = postgres.Open(cfg.DatabaseDSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.UserDBDriver, err)
	}
	users := storage.NewUserRepository(db, log)
	if err := users.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate users: %w", err)
	}
	return users, nil
}

// LoadNotices reads the locales directory, falling back to the built-in set
// when it does not exist.
func LoadNotices(dir string, log *slog.Logger) (*localization.Localizer, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		log.Info("locales directory not found, using built-in notices", "dir", dir)
		return localization.Builtin()
	}
	return localization.NewLocalizer(dir)
}

// Deps holds every long-lived service of the server.
type Deps struct {
	Store     storage.Storage
	Users     *storage.UserRepository
	Presence  *presence.Tracker
	Auth      *auth.Service
	Lifecycle *chathub.LifecycleService
	Reaper    *chathub.ReaperService
	Hub       *chathub.ManagerService
	Services  *chathub.Services
}

// Setup connects the stores and builds the services.
func Setup(ctx context.Context, cfg config.Config, log *slog.Logger) (*Deps, error) {
	store, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	users, err := OpenUsers(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	deps, err := Build(cfg, store, users, log)
	if err != nil {
		store.Close()
		closeUsers(users)
		return nil, err
	}
	return deps, nil
}

// Build creates the services on top of already opened stores.
func Build(cfg config.Config, store storage.Storage, users *storage.UserRepository, log *slog.Logger) (*Deps, error) {
	notices, err := LoadNotices(cfg.LocalesDir, log)
	if err != nil {
		return nil, fmt.Errorf("load notices: %w", err)
	}

	tracker := presence.NewTracker(store, users, presence.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Timeout:           cfg.PresenceTimeout,
		CountRefresh:      cfg.OnlineCountRefresh,
	}, log)
	authSvc := auth.NewService(users, tracker, auth.TokenConfig{
		Secret: cfg.JWTSecret,
		Expiry: cfg.TokenTTL,
		Issuer: auth.DefaultIssuer,
	}, log)

	clock := chathub.NewClock()
	lifecycle := chathub.NewLifecycleService(store, chathub.DefaultResync, log)
	relay, err := chathub.NewRelayService(store, clock, chathub.DefaultResync, log)
	if err != nil {
		return nil, err
	}
	hub := chathub.NewManagerService(log)

	return &Deps{
		Store:     store,
		Users:     users,
		Presence:  tracker,
		Auth:      authSvc,
		Lifecycle: lifecycle,
		Reaper:    chathub.NewReaperService(store, lifecycle, tracker, cfg.PresenceTimeout, log),
		Hub:       hub,
		Services: &chathub.Services{
			Matcher:   chathub.NewMatcherService(store, lifecycle, clock, chathub.DefaultResync, log),
			Lifecycle: lifecycle,
			Relay:     relay,
			Signaling: chathub.NewSignalingService(store, clock, chathub.DefaultResync, log),
			Presence:  tracker,
			Notices:   notices,
			Identity:  authSvc,
			Hub:       hub,
			Logger:    log,
		},
	}, nil
}

// Close releases the store and the user database.
func (d *Deps) Close() error {
	return errors.Join(d.Store.Close(), closeUsers(d.Users))
}

func closeUsers(users *storage.UserRepository) error {
	sqlDB, err := users.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
