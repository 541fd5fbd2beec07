// Package platform serves the unauthenticated health and onboarding status
// endpoints.
package platform

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deployx/deployx/internal/config"
	"github.com/deployx/deployx/internal/db/models"
)

const pingTimeout = 2 * time.Second

// Service kinds whose status is probed
const (
	KindDatabase = "database"
	KindTunnel   = "tunnel"
)

// Pinger checks database connectivity; *sql.DB satisfies it
type Pinger interface {
	PingContext(ctx context.Context) error
}

// UserCounter reports whether an admin account exists yet
type UserCounter interface {
	CountUsers(ctx context.Context) (int, error)
}

// TunnelLookup finds the active tunnel, if any
type TunnelLookup interface {
	GetAnyActive(ctx context.Context) (*models.ProvisioningConfig, error)
}

// Handlers serves /, /api/health and /api/platform/status
type Handlers struct {
	cfg     *config.PlatformConfig
	db      Pinger
	users   UserCounter
	tunnels TunnelLookup
}

// NewHandlers creates the platform handlers
func NewHandlers(cfg *config.PlatformConfig, db Pinger, users UserCounter, tunnels TunnelLookup) *Handlers {
	return &Handlers{cfg: cfg, db: db, users: users, tunnels: tunnels}
}

// ServiceStatus is one row of the status page
type ServiceStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Port   *int   `json:"port"`
}

// StatusResponse tells the frontend which onboarding step to show
type StatusResponse struct {
	Platform  string          `json:"platform"`
	Version   string          `json:"version"`
	HasAdmin  bool            `json:"has_admin"`
	HasTunnel bool            `json:"has_tunnel"`
	Services  []ServiceStatus `json:"services"`
	PublicURL *string         `json:"public_url"`
}

// Root is a liveness probe
// GET /
func (h *Handlers) Root() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": h.cfg.Name + " API",
			"version": h.cfg.Version,
		})
	}
}

// Health reports API and database health. It always answers 200 so the
// frontend can render partial outages.
// GET /api/health
func (h *Handlers) Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"api":      "healthy",
			"database": h.databaseStatus(c.Request.Context()),
		})
	}
}

// @Summary      Platform status
// @Description  Onboarding state: whether an admin exists, whether a tunnel is active, and per-service health.
// @Tags         Platform
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/platform/status [get]
func (h *Handlers) Status() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		count, err := h.users.CountUsers(ctx)
		if err != nil {
			slog.Error("failed to count users", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load platform status"})
			return
		}

		tunnel, err := h.tunnels.GetAnyActive(ctx)
		if err != nil {
			slog.Error("failed to load active tunnel", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load platform status"})
			return
		}

		resp := StatusResponse{
			Platform:  h.cfg.Name,
			Version:   h.cfg.Version,
			HasAdmin:  count > 0,
			HasTunnel: tunnel != nil,
			Services:  make([]ServiceStatus, 0, len(h.cfg.Services)),
		}
		if tunnel != nil {
			if u := tunnel.PublicURL(); u != "" {
				resp.PublicURL = &u
			}
		}

		for _, svc := range h.cfg.Services {
			st := ServiceStatus{Name: svc.Name, Status: "healthy"}
			if svc.Port > 0 {
				port := svc.Port
				st.Port = &port
			}
			switch svc.Kind {
			case KindDatabase:
				st.Status = h.databaseStatus(ctx)
			case KindTunnel:
				if !resp.HasTunnel {
					st.Status = "not configured"
				}
			}
			resp.Services = append(resp.Services, st)
		}

		c.JSON(http.StatusOK, resp)
	}
}

func (h *Handlers) databaseStatus(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		slog.Warn("database ping failed", "error", err)
		return "unhealthy"
	}
	return "healthy"
}
