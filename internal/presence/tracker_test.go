package presence_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ochatle/backend/internal/presence"
	"ochatle/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStatusWriter struct {
	mock.Mock
}

func (m *MockStatusWriter) SetUserOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	args := m.Called(userID, online)
	return args.Error(0)
}

var testConfig = presence.Config{
	HeartbeatInterval: 20 * time.Millisecond,
	Timeout:           time.Second,
	CountRefresh:      50 * time.Millisecond,
}

func TestTracker_MarkOnlineAndOffline(t *testing.T) {
	store := storage.NewMemoryStore()
	users := new(MockStatusWriter)
	users.On("SetUserOnline", "u1", true).Return(nil).Once()
	users.On("SetUserOnline", "u1", false).Return(nil).Once()
	tracker := presence.NewTracker(store, users, testConfig, nil)
	ctx := context.Background()

	tracker.MarkOnline(ctx, "u1")
	online, err := tracker.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	first, _, err := store.LastHeartbeat(ctx, "u1")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		at, _, _ := store.LastHeartbeat(ctx, "u1")
		return at.After(first)
	}, time.Second, 10*time.Millisecond, "heartbeat loop must refresh the timestamp")

	tracker.MarkOffline(ctx, "u1")
	online, err = tracker.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)

	// No heartbeat may land after MarkOffline.
	time.Sleep(3 * testConfig.HeartbeatInterval)
	_, ok, err := store.LastHeartbeat(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	users.AssertExpectations(t)
}

func TestTracker_MarkOfflineIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	tracker := presence.NewTracker(store, nil, testConfig, nil)
	ctx := context.Background()

	tracker.MarkOffline(ctx, "ghost")
	tracker.MarkOffline(ctx, "ghost")

	n, err := tracker.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTracker_LoopStopsWithContext(t *testing.T) {
	store := storage.NewMemoryStore()
	tracker := presence.NewTracker(store, nil, testConfig, nil)
	ctx, cancel := context.WithCancel(context.Background())

	tracker.MarkOnline(ctx, "u1")
	cancel()
	time.Sleep(2 * testConfig.HeartbeatInterval)

	before, _, err := store.LastHeartbeat(context.Background(), "u1")
	require.NoError(t, err)
	time.Sleep(3 * testConfig.HeartbeatInterval)
	after, _, err := store.LastHeartbeat(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTracker_ExpireKeepsLiveLoop(t *testing.T) {
	store := storage.NewMemoryStore()
	users := new(MockStatusWriter)
	var onlineWrites atomic.Int32
	users.On("SetUserOnline", "u1", true).Return(nil).Twice().
		Run(func(mock.Arguments) { onlineWrites.Add(1) })
	users.On("SetUserOnline", "u1", false).Return(nil).Once()
	tracker := presence.NewTracker(store, users, testConfig, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker.MarkOnline(ctx, "u1")
	tracker.Expire(ctx, "u1")

	assert.Eventually(t, func() bool {
		online, err := tracker.IsOnline(ctx, "u1")
		return err == nil && online
	}, time.Second, 10*time.Millisecond, "running loop must restore the heartbeat")
	assert.Eventually(t, func() bool {
		return onlineWrites.Load() == 2
	}, time.Second, 10*time.Millisecond)
	users.AssertExpectations(t)
}

// flakyHeartbeats fails the first n heartbeat writes with a transient error.
type flakyHeartbeats struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyHeartbeats) Heartbeat(ctx context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return storage.Transient("heartbeat", errors.New("connection reset"))
	}
	return f.MemoryStore.Heartbeat(ctx, userID, at)
}

func TestTracker_HeartbeatSurvivesTransientFailure(t *testing.T) {
	store := &flakyHeartbeats{MemoryStore: storage.NewMemoryStore(), failures: 2}
	tracker := presence.NewTracker(store, nil, testConfig, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker.MarkOnline(ctx, "u1")
	online, err := tracker.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online, "first write failed")

	assert.Eventually(t, func() bool {
		online, err := tracker.IsOnline(ctx, "u1")
		return err == nil && online
	}, time.Second, 10*time.Millisecond, "a later tick must land the heartbeat")

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.GreaterOrEqual(t, store.calls, 3)
}

func TestTracker_ObserveOnlineCount(t *testing.T) {
	store := storage.NewMemoryStore()
	tracker := presence.NewTracker(store, nil, testConfig, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counts := tracker.ObserveOnlineCount(ctx)
	assert.Equal(t, 0, receive(t, counts))

	tracker.MarkOnline(ctx, "a")
	assert.Equal(t, 1, receive(t, counts))
	tracker.MarkOnline(ctx, "b")
	assert.Equal(t, 2, receive(t, counts))
	tracker.MarkOffline(ctx, "a")
	assert.Equal(t, 1, receive(t, counts))

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-counts
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func receive(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no online count delivered")
		return -1
	}
}
