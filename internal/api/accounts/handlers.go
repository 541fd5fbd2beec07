// Package accounts implements local account registration, password login and
// the current-user endpoint.
package accounts

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deployx/deployx/internal/audit"
	"github.com/deployx/deployx/internal/auth"
	"github.com/deployx/deployx/internal/config"
	"github.com/deployx/deployx/internal/db/models"
	"github.com/deployx/deployx/internal/db/repositories"
	"github.com/deployx/deployx/internal/middleware"
)

// UserStore is the user persistence the handlers need
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// AuditRecorder accepts audit events
type AuditRecorder interface {
	Record(ctx context.Context, ev audit.Event)
}

// Handlers serves /api/auth
type Handlers struct {
	users       UserStore
	audit       AuditRecorder
	tokenExpiry time.Duration
	bcryptCost  int
}

// NewHandlers creates the account handlers
func NewHandlers(cfg *config.AuthConfig, users UserStore, recorder AuditRecorder) *Handlers {
	expiry := cfg.JWTExpiry
	if expiry <= 0 {
		expiry = auth.DefaultTokenExpiry
	}
	return &Handlers{
		users:       users,
		audit:       recorder,
		tokenExpiry: expiry,
		bcryptCost:  cfg.BcryptCost,
	}
}

// RegisterRequest is the body of POST /api/auth/register
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email,max=255"`
	Username string `json:"username" binding:"required,max=50"`
	Password string `json:"password" binding:"required,min=8"`
}

// TokenRequest accepts either an OAuth2 password form or JSON
type TokenRequest struct {
	Username string `form:"username" json:"username" binding:"required"`
	Password string `form:"password" json:"password" binding:"required"`
}

// TokenResponse is returned on successful login
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// @Summary      Register
// @Description  Create a local account. The first account becomes the platform superuser.
// @Tags         Authentication
// @Accept       json
// @Produce      json
// @Param        body  body  RegisterRequest  true  "Account details"
// @Success      201  {object}  models.UserResponse
// @Failure      400  {object}  map[string]interface{}  "Validation error or duplicate email/username"
// @Router       /api/auth/register [post]
func (h *Handlers) Register() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}

		hash, err := auth.HashPassword(req.Password, h.bcryptCost)
		if err != nil {
			if auth.IsPasswordTooLong(err) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Password must be at most 72 bytes"})
				return
			}
			slog.Error("failed to hash password", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
			return
		}

		user := &models.User{
			Email:          req.Email,
			Username:       req.Username,
			HashedPassword: hash,
		}
		err = h.users.CreateUser(c.Request.Context(), user)
		switch {
		case errors.Is(err, repositories.ErrDuplicateEmail):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Email already registered"})
			return
		case errors.Is(err, repositories.ErrDuplicateUsername):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Username already taken"})
			return
		case err != nil:
			slog.Error("failed to create user", "username", req.Username, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
			return
		}

		h.audit.Record(c.Request.Context(), audit.Event{
			UserID:       user.ID,
			Action:       models.ActionUserRegistered,
			ResourceType: "user",
			ResourceID:   user.ID,
			IPAddress:    c.ClientIP(),
		})

		c.JSON(http.StatusCreated, user.ToResponse())
	}
}

// @Summary      Log in
// @Description  Exchange username and password for a bearer token
// @Tags         Authentication
// @Accept       x-www-form-urlencoded,json
// @Produce      json
// @Success      200  {object}  TokenResponse
// @Failure      401  {object}  map[string]interface{}  "Incorrect username or password"
// @Failure      403  {object}  map[string]interface{}  "Inactive user"
// @Router       /api/auth/token [post]
func (h *Handlers) Token() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TokenRequest
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
			return
		}

		user, err := h.users.GetUserByUsername(c.Request.Context(), req.Username)
		if err != nil {
			slog.Error("failed to look up user", "username", req.Username, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to authenticate"})
			return
		}

		var hash *string
		if user != nil {
			hash = &user.HashedPassword
		}
		if !auth.CheckPasswordOrDummy(hash, req.Password) {
			c.Header("WWW-Authenticate", "Bearer")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Incorrect username or password"})
			return
		}
		if !user.IsActive {
			c.JSON(http.StatusForbidden, gin.H{"error": "Inactive user"})
			return
		}

		token, err := auth.GenerateJWT(user.ID, user.Username, h.tokenExpiry)
		if err != nil {
			slog.Error("failed to issue token", "user_id", user.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
			return
		}

		h.audit.Record(c.Request.Context(), audit.Event{
			UserID:       user.ID,
			Action:       models.ActionUserLogin,
			ResourceType: "user",
			ResourceID:   user.ID,
			IPAddress:    c.ClientIP(),
		})

		c.JSON(http.StatusOK, TokenResponse{AccessToken: token, TokenType: "bearer"})
	}
}

// @Summary      Current user
// @Tags         Authentication
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  models.UserResponse
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Router       /api/auth/me [get]
func (h *Handlers) Me() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}
		c.JSON(http.StatusOK, user.ToResponse())
	}
}
