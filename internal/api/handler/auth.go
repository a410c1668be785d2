package handler

import (
	"errors"
	"net/http"
	"time"

	"ochatle/backend/internal/auth"

	"github.com/gin-gonic/gin"
)

const signOutWait = 5 * time.Second

type displayNameRequest struct {
	DisplayName string `json:"display_name"`
}

// GetAnonID створює анонімного користувача та повертає JWT.
func (h *Handler) GetAnonID(c *gin.Context) {
	var req displayNameRequest
	// An empty body is a sign-in with the default name.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	user, token, err := h.Auth.SignInAnonymous(c.Request.Context(), req.DisplayName)
	if errors.Is(err, auth.ErrInvalidDisplayName) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error("sign-in failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "anon_id": user.ID, "display_name": user.DisplayName})
}

// SetDisplayName змінює нікнейм поточного користувача.
func (h *Handler) SetDisplayName(c *gin.Context) {
	user, _ := UserFromContext(c)

	var req displayNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	name, err := h.Auth.SetDisplayName(c.Request.Context(), user.ID, req.DisplayName)
	switch {
	case errors.Is(err, auth.ErrInvalidDisplayName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, auth.ErrAuthRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	case err != nil:
		h.log.Error("rename failed", "user_id", user.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update name"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"display_name": name})
}

// SignOut drops the live connection of the user, if any, and deletes the identity.
func (h *Handler) SignOut(c *gin.Context) {
	user, _ := UserFromContext(c)

	// The connection's cleanup ends its room before the identity disappears.
	select {
	case <-h.Hub.Disconnect(user.ID):
	case <-time.After(signOutWait):
		h.log.Warn("connection cleanup still running at sign-out", "user_id", user.ID)
	}

	if err := h.Auth.SignOut(c.Request.Context(), user.ID); err != nil {
		h.log.Error("sign-out failed", "user_id", user.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sign out"})
		return
	}
	c.Status(http.StatusNoContent)
}
