package chathub

import "ochatle/backend/internal/models"

// Client is one connected user as the hub sees it. The hub starts a client
// with Run and stops it with Close.
type Client interface {
	// GetUserID returns the unique identifier for the user associated with the client.
	GetUserID() string
	// Run starts the client and returns immediately.
	Run()
	// Close asks the client to stop. It may be called more than once.
	Close()
	// Done is closed once the client has stopped and cleaned up.
	Done() <-chan struct{}
}

// Transport carries one connection's frames. WebSocketClient is the
// production implementation.
type Transport interface {
	// Commands yields decoded client commands. It is closed when the
	// connection ends.
	Commands() <-chan models.ClientCommand
	// Send queues an event. It returns false once the connection is gone.
	Send(evt models.ServerEvent) bool
	// Close shuts the connection down after flushing queued events.
	Close()
}
