package app

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"ochatle/backend/internal/config"
	"ochatle/backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadFromEnv(mapEnv{
		"JWT_SECRET":     "test-secret",
		"STORE_DRIVER":   "memory",
		"USER_DB_DRIVER": "sqlite",
		"SQLITE_PATH":    filepath.Join(t.TempDir(), "users.db"),
		"LOCALES_DIR":    filepath.Join(t.TempDir(), "missing"),
	})
	require.NoError(t, err)
	return cfg
}

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestNewLogger_Format(t *testing.T) {
	cfg := testConfig(t)
	var buf bytes.Buffer

	cfg.LogFormat = "json"
	NewLogger(cfg, &buf).Info("hello", "user_id", "u1")
	assert.Contains(t, buf.String(), `"user_id":"u1"`)

	buf.Reset()
	cfg.LogFormat = "text"
	cfg.LogLevel = slog.LevelWarn
	logger := NewLogger(cfg, &buf)
	logger.Info("quiet")
	assert.Empty(t, buf.String(), "below the configured level")
	logger.Warn("loud")
	assert.Contains(t, buf.String(), "msg=loud")
}

func TestOpenStore_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = config.StoreRedis
	cfg.RedisAddr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := OpenStore(ctx, cfg, slog.Default())
	assert.Error(t, err)
}

func TestSetup_WiresServices(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	deps, err := Setup(ctx, cfg, slog.Default())
	require.NoError(t, err)
	defer deps.Close()

	user, token, err := deps.Auth.SignInAnonymous(ctx, "Kit")
	require.NoError(t, err)
	got, err := deps.Auth.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	assert.Equal(t, "The call has ended.", deps.Services.Notices.GetString("en", "call_ended"),
		"a missing locales directory falls back to the built-in notices")

	entry, err := deps.Services.Matcher.Enqueue(ctx, models.User{ID: user.ID, DisplayName: user.DisplayName})
	require.NoError(t, err)
	assert.Equal(t, "Kit", entry.DisplayName)

	report, err := deps.Reaper.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.WaitingRemoved, "a waiting user without heartbeat is reaped")
}
