// Package middleware provides gin middleware for authentication, rate
// limiting, security headers, request IDs, metrics and audit logging.
//
// Ordering is fixed in internal/api/router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → SecurityHeaders → RateLimit → Auth → Audit → Handler
//
// Security headers run early so they appear on error responses too. Rate
// limiting runs before auth so brute-force attempts are rejected before any
// database work.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/deployx/deployx/internal/auth"
	"github.com/deployx/deployx/internal/db/models"
)

// Context keys set by AuthMiddleware
const (
	ContextKeyUser   = "user"
	ContextKeyUserID = "user_id"
)

const credentialsError = "Could not validate credentials"

// UserLookup loads users for token subjects
type UserLookup interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

// AuthMiddleware requires a bearer access token belonging to an active user.
// Every failure is a 401 with the same message so callers cannot probe which
// part failed.
func AuthMiddleware(users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			unauthorized(c)
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			unauthorized(c)
			return
		}

		user, err := users.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil {
			slog.Error("failed to load user for token", "user_id", claims.UserID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
			return
		}
		if user == nil || !user.IsActive {
			unauthorized(c)
			return
		}

		c.Set(ContextKeyUser, user)
		c.Set(ContextKeyUserID, user.ID)
		c.Next()
	}
}

// CurrentUser returns the user set by AuthMiddleware, or nil
func CurrentUser(c *gin.Context) *models.User {
	v, ok := c.Get(ContextKeyUser)
	if !ok {
		return nil
	}
	user, _ := v.(*models.User)
	return user
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": credentialsError})
}
