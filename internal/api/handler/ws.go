package handler

import (
	"net/http"
	"strings"

	"ochatle/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Дозволяє з'єднання з будь-якого домену.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket оновлює HTTP-з'єднання до WebSocket. Browsers cannot set
// headers on a WebSocket handshake, so the token may also come as ?token=.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = bearerToken(c)
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
		return
	}

	user, err := h.Auth.Authenticate(c.Request.Context(), token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the request.
		h.log.Warn("websocket upgrade failed", "user_id", user.ID, "err", err)
		return
	}

	client := chathub.NewWebSocketClient(user.ID, conn, h.log)
	client.Start()

	participant := chathub.NewParticipant(*user, requestLanguage(c), client, h.Services)
	if !h.Hub.Register(participant) {
		h.log.Warn("hub stopped, refusing connection", "user_id", user.ID)
		client.Close()
	}
}

func requestLanguage(c *gin.Context) string {
	if lang := c.Query("lang"); lang != "" {
		return lang
	}
	lang, _, _ := strings.Cut(c.GetHeader("Accept-Language"), ",")
	lang, _, _ = strings.Cut(lang, ";")
	return strings.TrimSpace(lang)
}
