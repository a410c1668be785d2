package chathub

import (
	"context"
	"log/slog"
	"sync"
)

// ManagerService is the registry of connected clients, one per user. All
// access to Clients happens on the Run goroutine.
type ManagerService struct {
	Clients map[string]Client

	// Channels
	RegisterCh   chan Client
	UnregisterCh chan Client
	countCh      chan chan int
	kickCh       chan kickRequest

	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
	active   sync.WaitGroup
	log      *slog.Logger
}

// NewManagerService creates an idle hub; call Run to start it.
func NewManagerService(logger *slog.Logger) *ManagerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagerService{
		Clients:      make(map[string]Client),
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		countCh:      make(chan chan int),
		kickCh:       make(chan kickRequest),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
		log:          logger.With("component", "hub"),
	}
}

// Run serves registrations until ctx ends or Shutdown is called, then closes
// every client.
func (m *ManagerService) Run(ctx context.Context) {
	defer close(m.stopped)
	m.log.Info("hub started")

	for {
		select {
		case client := <-m.RegisterCh:
			m.register(client)

		case client := <-m.UnregisterCh:
			if current, ok := m.Clients[client.GetUserID()]; ok && current == client {
				delete(m.Clients, client.GetUserID())
				m.log.Debug("client unregistered", "user_id", client.GetUserID())
			}

		case reply := <-m.countCh:
			reply <- len(m.Clients)

		case req := <-m.kickCh:
			client, ok := m.Clients[req.userID]
			if !ok {
				req.reply <- nil
				continue
			}
			client.Close()
			req.reply <- client.Done()

		case <-ctx.Done():
			m.closeAll()
			return
		case <-m.quit:
			m.closeAll()
			return
		}
	}
}

// register starts client. A previous client of the same user is closed first
// and client only runs once the previous one has finished its cleanup.
func (m *ManagerService) register(client Client) {
	userID := client.GetUserID()
	previous := m.Clients[userID]
	m.Clients[userID] = client

	m.active.Add(1)
	go func() {
		<-client.Done()
		m.active.Done()
	}()

	if previous != nil {
		m.log.Info("replacing existing connection", "user_id", userID)
		previous.Close()
	}
	go func() {
		if previous != nil {
			<-previous.Done()
		}
		client.Run()
	}()
}

func (m *ManagerService) closeAll() {
	for userID, client := range m.Clients {
		client.Close()
		delete(m.Clients, userID)
	}
}

// Register hands client to the hub. It returns false when the hub is stopped;
// the caller then owns the client's cleanup.
func (m *ManagerService) Register(client Client) bool {
	select {
	case m.RegisterCh <- client:
		return true
	case <-m.stopped:
		return false
	}
}

// Unregister removes client unless a newer client of the same user replaced it.
func (m *ManagerService) Unregister(client Client) {
	select {
	case m.UnregisterCh <- client:
	case <-m.stopped:
	}
}

// Count returns the number of connected clients.
func (m *ManagerService) Count() int {
	reply := make(chan int, 1)
	select {
	case m.countCh <- reply:
		return <-reply
	case <-m.stopped:
		return 0
	}
}

type kickRequest struct {
	userID string
	reply  chan (<-chan struct{})
}

// Disconnect closes the live client of userID. The returned channel is closed
// once that client has finished its cleanup, or immediately when the user has
// no client.
func (m *ManagerService) Disconnect(userID string) <-chan struct{} {
	req := kickRequest{userID: userID, reply: make(chan (<-chan struct{}), 1)}
	select {
	case m.kickCh <- req:
		if done := <-req.reply; done != nil {
			return done
		}
	case <-m.stopped:
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Shutdown stops the hub, closes all clients and waits for them to finish
// their cleanup or for ctx to end.
func (m *ManagerService) Shutdown(ctx context.Context) error {
	m.quitOnce.Do(func() { close(m.quit) })

	select {
	case <-m.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		m.active.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		m.log.Info("hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
