package chathub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"ochatle/backend/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 64
)

// WebSocketClient реалізує інтерфейс Transport поверх gorilla/websocket.
type WebSocketClient struct {
	UserID string
	Conn   *websocket.Conn

	send     chan models.ServerEvent
	commands chan models.ClientCommand
	done     chan struct{}
	once     sync.Once
	log      *slog.Logger
}

// NewWebSocketClient wraps an upgraded connection. Start must be called to run the pumps.
func NewWebSocketClient(userID string, conn *websocket.Conn, logger *slog.Logger) *WebSocketClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketClient{
		UserID:   userID,
		Conn:     conn,
		send:     make(chan models.ServerEvent, sendBuffer),
		commands: make(chan models.ClientCommand),
		done:     make(chan struct{}),
		log:      logger.With("component", "ws_client", "user_id", userID),
	}
}

// Start запускає 'pumps' для WebSocket
func (c *WebSocketClient) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *WebSocketClient) Commands() <-chan models.ClientCommand { return c.commands }

// Send queues evt for the write pump. A client whose buffer is full is too
// slow to keep up and gets disconnected.
func (c *WebSocketClient) Send(evt models.ServerEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- evt:
		return true
	default:
		c.log.Warn("send buffer full, dropping connection")
		c.Close()
		return false
	}
}

// Close stops both pumps. Events already queued are still written.
func (c *WebSocketClient) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *WebSocketClient) readPump() {
	defer func() {
		close(c.commands)
		c.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("connection closed unexpectedly", "err", err)
			}
			return
		}

		var cmd models.ClientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.log.Warn("invalid command frame", "err", err)
			c.Send(models.ServerEvent{Type: models.EvtError, Error: "invalid command"})
			continue
		}

		select {
		case c.commands <- cmd:
		case <-c.done:
			return
		}
	}
}

// writePump записує події з каналу send у WebSocket, по одній на фрейм.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case evt := <-c.send:
			if err := c.write(evt); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.flush()
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *WebSocketClient) flush() {
	for {
		select {
		case evt := <-c.send:
			if err := c.write(evt); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *WebSocketClient) write(evt models.ServerEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		c.log.Error("encode event failed", "type", evt.Type, "err", err)
		return nil
	}
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}
