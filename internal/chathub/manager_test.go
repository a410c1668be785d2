package chathub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"ochatle/backend/internal/chathub"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockClient records how the hub drives it.
type MockClient struct {
	userID string

	mu      sync.Mutex
	started bool
	done    chan struct{}
	once    sync.Once
	hub     *chathub.ManagerService
}

func newMockClient(userID string, hub *chathub.ManagerService) *MockClient {
	return &MockClient{userID: userID, done: make(chan struct{}), hub: hub}
}

func (c *MockClient) GetUserID() string { return c.userID }

func (c *MockClient) Run() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
}

func (c *MockClient) Close() {
	c.once.Do(func() {
		go func() {
			c.hub.Unregister(c)
			close(c.done)
		}()
	})
}

func (c *MockClient) Done() <-chan struct{} { return c.done }

func (c *MockClient) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func TestManager_RegisterAndUnregister(t *testing.T) {
	hub := chathub.NewManagerService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	clientA := newMockClient("user_A", hub)
	require.True(t, hub.Register(clientA))
	assert.Eventually(t, clientA.Started, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, hub.Count())

	hub.Unregister(clientA)
	assert.Equal(t, 0, hub.Count())
}

func TestManager_NewConnectionReplacesOld(t *testing.T) {
	hub := chathub.NewManagerService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	first := newMockClient("user_A", hub)
	second := newMockClient("user_A", hub)
	require.True(t, hub.Register(first))
	require.True(t, hub.Register(second))

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("the replaced client was not closed")
	}
	assert.Eventually(t, second.Started, time.Second, 10*time.Millisecond)

	// The stale unregister of the first client must not drop the second.
	assert.Equal(t, 1, hub.Count())
}

func TestManager_Disconnect(t *testing.T) {
	hub := chathub.NewManagerService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	select {
	case <-hub.Disconnect("nobody"):
	case <-time.After(time.Second):
		t.Fatal("disconnecting an unknown user must not block")
	}

	client := newMockClient("user_A", hub)
	require.True(t, hub.Register(client))
	select {
	case <-hub.Disconnect("user_A"):
	case <-time.After(time.Second):
		t.Fatal("client was not disconnected")
	}
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestManager_ShutdownClosesClients(t *testing.T) {
	hub := chathub.NewManagerService(nil)
	go hub.Run(context.Background())

	clients := []*MockClient{newMockClient("a", hub), newMockClient("b", hub), newMockClient("c", hub)}
	for _, c := range clients {
		require.True(t, hub.Register(c))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))

	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			t.Fatalf("client %s still running after shutdown", c.userID)
		}
	}
	assert.False(t, hub.Register(newMockClient("late", hub)), "a stopped hub refuses clients")
	assert.Equal(t, 0, hub.Count())
}

// Participants of the same user never overlap: the replacement starts only
// after the old one has cleaned up, so the user stays online.
func TestManager_ReplacedParticipantCleansUpFirst(t *testing.T) {
	env := newTestEnv(t)
	oldP, oldConn := env.connect(t, "user_A", "A")
	_, newConn := env.connect(t, "user_A", "A")

	waitDone(t, oldP)
	assert.True(t, oldConn.IsClosed())
	assert.False(t, newConn.IsClosed())

	online, err := env.Presence.IsOnline(context.Background(), "user_A")
	require.NoError(t, err)
	assert.True(t, online)
}
