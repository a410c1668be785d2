package storage_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"ochatle/backend/internal/models"
	"ochatle/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestUserRepository(t *testing.T) *storage.UserRepository {
	t.Helper()
	return newTestUserRepositoryWithLogger(t, nil)
}

func newTestUserRepositoryWithLogger(t *testing.T, log *slog.Logger) *storage.UserRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive and shared.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	repo := storage.NewUserRepository(db, log)
	require.NoError(t, repo.Migrate())
	return repo
}

func TestUserRepository_CreateAndGet(t *testing.T) {
	repo := newTestUserRepository(t)
	ctx := context.Background()

	user := &models.User{DisplayName: "Kit"}
	require.NoError(t, repo.CreateUser(ctx, user))
	assert.NotEmpty(t, user.ID)

	got, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kit", got.DisplayName)

	_, err = repo.GetUserByID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUserRepository_UpdateDisplayName(t *testing.T) {
	repo := newTestUserRepository(t)
	ctx := context.Background()

	user := &models.User{}
	require.NoError(t, repo.CreateUser(ctx, user))
	assert.Equal(t, models.DefaultDisplayName, user.DisplayName)

	require.NoError(t, repo.UpdateDisplayName(ctx, user.ID, "Nova"))
	got, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Nova", got.DisplayName)

	assert.ErrorIs(t, repo.UpdateDisplayName(ctx, "missing", "x"), storage.ErrNotFound)
}

func TestUserRepository_OnlineFlagAndDelete(t *testing.T) {
	repo := newTestUserRepository(t)
	ctx := context.Background()

	a := &models.User{DisplayName: "A"}
	b := &models.User{DisplayName: "B"}
	require.NoError(t, repo.CreateUser(ctx, a))
	require.NoError(t, repo.CreateUser(ctx, b))

	now := time.Now()
	require.NoError(t, repo.SetUserOnline(ctx, a.ID, true, now))
	require.NoError(t, repo.SetUserOnline(ctx, "missing", true, now))

	n, err := repo.CountOnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, repo.DeleteUser(ctx, a.ID))
	require.NoError(t, repo.DeleteUser(ctx, a.ID))
	_, err = repo.GetUserByID(ctx, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err = repo.CountOnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUserRepository_CreateFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	repo := newTestUserRepositoryWithLogger(t, slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx := context.Background()

	require.NoError(t, repo.CreateUser(ctx, &models.User{ID: "dup", DisplayName: "Kit"}))
	err := repo.CreateUser(ctx, &models.User{ID: "dup", DisplayName: "Kat"})
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"msg":"create user failed"`)
	assert.Contains(t, out, `"component":"users"`)
	assert.Contains(t, out, `"display_name":"Kat"`)
}
