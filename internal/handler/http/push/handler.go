// Package push provides the HTTP API for device push token
// registration.
package push

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"fitconnect-backend/internal/middleware"
	"fitconnect-backend/pkg/response"
)

// TokenStore persists device push tokens per user
type TokenStore interface {
	SaveToken(ctx context.Context, userID uuid.UUID, token string) error
	RemoveTokens(ctx context.Context, userID uuid.UUID, tokens []string) error
}

// Handler serves push token registration
type Handler struct {
	tokens TokenStore
}

// NewHandler creates a push token handler
func NewHandler(tokens TokenStore) *Handler {
	return &Handler{tokens: tokens}
}

// RegisterRoutes mounts the push token routes on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	tokens := rg.Group("/push/tokens")
	{
		tokens.POST("", h.Register)
		tokens.DELETE("", h.Unregister)
	}
}

// TokenRequest carries one device token
type TokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// Register stores the device token for the authenticated user
func (h *Handler) Register(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.tokens.SaveToken(c.Request.Context(), userID, req.Token); err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"registered": true})
}

// Unregister removes the device token, typically on sign-out
func (h *Handler) Unregister(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.tokens.RemoveTokens(c.Request.Context(), userID, []string{req.Token}); err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"removed": true})
}
