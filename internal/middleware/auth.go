// Package middleware provides Gin middleware for authentication,
// logging, recovery, CORS, and metrics.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"fitconnect-backend/pkg/jwt"
	"fitconnect-backend/pkg/response"
)

const (
	// ContextUserID is the gin context key holding the authenticated user ID
	ContextUserID = "user_id"
	// ContextDisplayName is the gin context key holding the user's display name
	ContextDisplayName = "display_name"
)

// Auth validates the Bearer token and stores the caller's identity in
// the request context
func Auth(manager *jwt.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if header := c.GetHeader("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				response.Error(c, 401, "NOT_AUTHENTICATED", "Authorization header must be a Bearer token")
				c.Abort()
				return
			}
			token = parts[1]
		} else {
			// WebSocket clients cannot set headers from the browser
			token = c.Query("token")
		}
		if token == "" {
			response.Error(c, 401, "NOT_AUTHENTICATED", "Authorization required")
			c.Abort()
			return
		}

		claims, err := manager.ValidateToken(token)
		if err != nil {
			response.Error(c, 401, "INVALID_TOKEN", "Invalid or expired token")
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextDisplayName, claims.DisplayName)
		c.Next()
	}
}

// UserID extracts the authenticated user ID from the gin context
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// DisplayName extracts the authenticated user's display name
func DisplayName(c *gin.Context) string {
	return c.GetString(ContextDisplayName)
}
