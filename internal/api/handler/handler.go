// Package handler is the HTTP surface of the chat backend: anonymous
// identities, the online counter and the WebSocket entry point.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"ochatle/backend/internal/chathub"
	"ochatle/backend/internal/models"

	"github.com/gin-gonic/gin"
)

// Authenticator is the identity provider behind the HTTP routes.
type Authenticator interface {
	SignInAnonymous(ctx context.Context, displayName string) (*models.User, string, error)
	SetDisplayName(ctx context.Context, userID, displayName string) (string, error)
	SignOut(ctx context.Context, userID string) error
	Authenticate(ctx context.Context, token string) (*models.User, error)
}

// OnlineCounter reports how many users are online.
type OnlineCounter interface {
	OnlineCount(ctx context.Context) (int, error)
}

// Handler містить посилання на ChatHub і сервіси, які потрібні маршрутам.
type Handler struct {
	Hub      *chathub.ManagerService
	Auth     Authenticator
	Presence OnlineCounter
	Services *chathub.Services
	log      *slog.Logger
}

func NewHandler(hub *chathub.ManagerService, authn Authenticator, presence OnlineCounter, services *chathub.Services, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Hub:      hub,
		Auth:     authn,
		Presence: presence,
		Services: services,
		log:      logger.With("component", "http"),
	}
}

// Router wires every route onto a new gin engine.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(h.log))

	r.GET("/health", h.Health)
	r.GET("/online", h.Online)
	r.POST("/anonid", h.GetAnonID)
	r.GET("/ws", h.ServeWebSocket)

	protected := r.Group("/")
	protected.Use(RequireAuth(h.Auth))
	protected.PUT("/me/name", h.SetDisplayName)
	protected.POST("/signout", h.SignOut)

	return r
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Online returns the number of users with a live heartbeat.
func (h *Handler) Online(c *gin.Context) {
	count, err := h.Presence.OnlineCount(c.Request.Context())
	if err != nil {
		h.log.Warn("online count failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Online count unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": count})
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
		)
	}
}
