package chathub_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ochatle/backend/internal/chathub"
	"ochatle/backend/internal/models"
	"ochatle/backend/internal/presence"
	"ochatle/backend/internal/storage"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testResync = 200 * time.Millisecond

// MockTransport is an in-memory Transport that records every event.
type MockTransport struct {
	commands chan models.ClientCommand

	mu     sync.Mutex
	events []models.ServerEvent
	closed bool
	notify chan struct{}
	once   sync.Once
}

func newMockTransport() *MockTransport {
	return &MockTransport{
		commands: make(chan models.ClientCommand, 16),
		notify:   make(chan struct{}, 1),
	}
}

func (t *MockTransport) Commands() <-chan models.ClientCommand { return t.commands }

func (t *MockTransport) Send(evt models.ServerEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.events = append(t.events, evt)
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return true
}

func (t *MockTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

// Disconnect simulates the peer dropping the connection.
func (t *MockTransport) Disconnect() {
	t.once.Do(func() { close(t.commands) })
}

func (t *MockTransport) Do(cmd models.ClientCommand) { t.commands <- cmd }

func (t *MockTransport) Events() []models.ServerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.ServerEvent, len(t.events))
	copy(out, t.events)
	return out
}

func (t *MockTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// WaitFor blocks until an event matching match was sent and returns it.
func (t *MockTransport) WaitFor(tb testing.TB, what string, match func(models.ServerEvent) bool) models.ServerEvent {
	tb.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, evt := range t.Events() {
			if match(evt) {
				return evt
			}
		}
		select {
		case <-t.notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			tb.Fatalf("timed out waiting for %s; got %+v", what, t.Events())
			return models.ServerEvent{}
		}
	}
}

// CountOf returns how many events matched.
func (t *MockTransport) CountOf(match func(models.ServerEvent) bool) int {
	n := 0
	for _, evt := range t.Events() {
		if match(evt) {
			n++
		}
	}
	return n
}

func isType(typ string) func(models.ServerEvent) bool {
	return func(evt models.ServerEvent) bool { return evt.Type == typ }
}

func isState(state string) func(models.ServerEvent) bool {
	return func(evt models.ServerEvent) bool { return evt.Type == models.EvtState && evt.State == state }
}

// MockIdentity records sign-outs.
type MockIdentity struct {
	mock.Mock
}

func (m *MockIdentity) SignOut(ctx context.Context, userID string) error {
	return m.Called(userID).Error(0)
}

// FaultyStorage wraps a real store. While a method has failures left it goes
// through the mock instead of the store.
type FaultyStorage struct {
	storage.Storage
	mock.Mock

	mu       sync.Mutex
	failures map[string]int
}

// FailTimes routes the next n calls of method through the mock. A negative n
// fails until reset, zero restores the store.
func (f *FaultyStorage) FailTimes(method string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = make(map[string]int)
	}
	f.failures[method] = n
}

func (f *FaultyStorage) failing(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.failures[method]
	if n > 0 {
		f.failures[method] = n - 1
	}
	return n != 0
}

func (f *FaultyStorage) DeleteMessages(ctx context.Context, roomID string) error {
	if f.failing("DeleteMessages") {
		return f.Called(roomID).Error(0)
	}
	return f.Storage.DeleteMessages(ctx, roomID)
}

func (f *FaultyStorage) ClaimPair(ctx context.Context, selfID, partnerID string, room *models.ChatRoom) error {
	if f.failing("ClaimPair") {
		return f.Called(selfID, partnerID).Error(0)
	}
	return f.Storage.ClaimPair(ctx, selfID, partnerID, room)
}

func (f *FaultyStorage) AddWaitingEntry(ctx context.Context, entry models.WaitingEntry) error {
	if f.failing("AddWaitingEntry") {
		return f.Called(entry.UserID).Error(0)
	}
	return f.Storage.AddWaitingEntry(ctx, entry)
}

var errConnReset = errors.New("connection reset")

// testEnv wires every service over one memory store.
type testEnv struct {
	Store     *storage.MemoryStore
	Hub       *chathub.ManagerService
	Services  *chathub.Services
	Presence  *presence.Tracker
	Matcher   *chathub.MatcherService
	Lifecycle *chathub.LifecycleService
	Relay     *chathub.RelayService
	Signaling *chathub.SignalingService
	Reaper    *chathub.ReaperService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, storage.NewMemoryStore(), nil)
}

func newTestEnvWithStore(t *testing.T, mem *storage.MemoryStore, s storage.Storage) *testEnv {
	t.Helper()
	if s == nil {
		s = mem
	}
	clock := chathub.NewClock()
	tracker := presence.NewTracker(mem, nil, presence.Config{
		HeartbeatInterval: 50 * time.Millisecond,
		Timeout:           time.Second,
		CountRefresh:      testResync,
	}, nil)
	lifecycle := chathub.NewLifecycleService(s, testResync, nil)
	matcher := chathub.NewMatcherService(s, lifecycle, clock, testResync, nil)
	relay, err := chathub.NewRelayService(s, clock, testResync, nil)
	require.NoError(t, err)
	signaling := chathub.NewSignalingService(s, clock, testResync, nil)

	hub := chathub.NewManagerService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		hub.Shutdown(shutdownCtx)
		cancel()
	})

	return &testEnv{
		Store:     mem,
		Hub:       hub,
		Presence:  tracker,
		Matcher:   matcher,
		Lifecycle: lifecycle,
		Relay:     relay,
		Signaling: signaling,
		Reaper:    chathub.NewReaperService(s, lifecycle, tracker, time.Second, nil),
		Services: &chathub.Services{
			Matcher:   matcher,
			Lifecycle: lifecycle,
			Relay:     relay,
			Signaling: signaling,
			Presence:  tracker,
			Hub:       hub,
		},
	}
}

// connect registers a participant for a new user and returns its transport.
func (e *testEnv) connect(t *testing.T, id, name string) (*chathub.Participant, *MockTransport) {
	t.Helper()
	conn := newMockTransport()
	p := chathub.NewParticipant(models.User{ID: id, DisplayName: name}, "en", conn, e.Services)
	require.True(t, e.Hub.Register(p))
	conn.WaitFor(t, "initial state", isState(chathub.StateIdle))
	return p, conn
}

func waitDone(t *testing.T, p *chathub.Participant) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("participant did not stop")
	}
}
