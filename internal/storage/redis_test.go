package storage_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"ochatle/backend/internal/models"
	"ochatle/backend/internal/storage"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to REDIS_ADDR (localhost:6379 by default) and skips
// the test when no server answers.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	return rdb
}

func TestRedisStore(t *testing.T) {
	rdb := newTestRedis(t)
	defer rdb.Close()

	n := 0
	runStoreContract(t, func(t *testing.T) storage.Storage {
		n++
		prefix := fmt.Sprintf("ochatle-test:%d:%d:", time.Now().UnixNano(), n)
		t.Cleanup(func() {
			ctx := context.Background()
			iter := rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
			for iter.Next(ctx) {
				rdb.Del(ctx, iter.Val())
			}
		})
		return storage.NewRedisStore(rdb, prefix, nil)
	})
}

// failingSRem makes every SREM sent outside a pipeline fail.
type failingSRem struct{}

func (failingSRem) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (failingSRem) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "srem") {
			err := errors.New("READONLY You can't write against a read only replica")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (failingSRem) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisStore_DanglingWaitingIndexEntries(t *testing.T) {
	rdb := newTestRedis(t)
	defer rdb.Close()
	ctx := context.Background()
	prefix := fmt.Sprintf("ochatle-test:%d:dangling:", time.Now().UnixNano())
	t.Cleanup(func() {
		iter := rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			rdb.Del(ctx, iter.Val())
		}
	})

	store := storage.NewRedisStore(rdb, prefix, nil)
	require.NoError(t, store.AddWaitingEntry(ctx, models.WaitingEntry{UserID: "user_A", EnqueuedAt: 1}))
	require.NoError(t, rdb.SAdd(ctx, prefix+"waiting", "ghost").Err())

	t.Run("cleanup failure is logged", func(t *testing.T) {
		failing := redis.NewClient(rdb.Options())
		defer failing.Close()
		failing.AddHook(failingSRem{})
		var buf bytes.Buffer
		broken := storage.NewRedisStore(failing, prefix, slog.New(slog.NewJSONHandler(&buf, nil)))

		entries, err := broken.ListWaitingEntries(ctx)
		require.NoError(t, err, "the listing itself succeeds")
		require.Len(t, entries, 1)
		assert.Equal(t, "user_A", entries[0].UserID)
		assert.Contains(t, buf.String(), `"level":"WARN"`)
		assert.Contains(t, buf.String(), "remove dangling waiting index entries failed")

		isMember, err := rdb.SIsMember(ctx, prefix+"waiting", "ghost").Result()
		require.NoError(t, err)
		assert.True(t, isMember)
	})

	t.Run("dangling members are dropped", func(t *testing.T) {
		entries, err := store.ListWaitingEntries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "user_A", entries[0].UserID)

		isMember, err := rdb.SIsMember(ctx, prefix+"waiting", "ghost").Result()
		require.NoError(t, err)
		assert.False(t, isMember)
	})
}
