// Package tunnels exposes the Cloudflare tunnel provisioning workflow over HTTP.
package tunnels

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/deployx/deployx/internal/cloudflare"
	"github.com/deployx/deployx/internal/db/models"
	"github.com/deployx/deployx/internal/middleware"
	"github.com/deployx/deployx/internal/provisioning"
)

// Provisioner is implemented by *provisioning.Service
type Provisioner interface {
	Setup(ctx context.Context, req provisioning.SetupRequest) (*provisioning.SetupResult, error)
	Teardown(ctx context.Context, user *models.User, tunnelID, ipAddress string) error
	Current(ctx context.Context, userID string) (*models.ProvisioningConfig, error)
}

// Handlers serves /api/cloudflare
type Handlers struct {
	provisioner Provisioner
}

// NewHandlers creates the tunnel handlers
func NewHandlers(p Provisioner) *Handlers {
	return &Handlers{provisioner: p}
}

// SetupRequest is the body of POST /api/cloudflare/setup
type SetupRequest struct {
	APIToken  string `json:"api_token" binding:"required"`
	Domain    string `json:"domain" binding:"required,fqdn"`
	Subdomain string `json:"subdomain" binding:"required,hostname_rfc1123,max=63"`
}

// SetupResponse reports the exposed hostname. Subdomain carries the full
// hostname for compatibility with existing clients.
type SetupResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	TunnelID  string `json:"tunnel_id"`
	Subdomain string `json:"subdomain"`
	PublicURL string `json:"public_url"`
}

// @Summary      Set up tunnel
// @Description  Create a Cloudflare tunnel, a proxied CNAME for subdomain.domain and ingress routing to the platform. Replaces any previous configuration of the caller.
// @Tags         Cloudflare
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  SetupRequest  true  "Cloudflare API token and hostname"
// @Success      200  {object}  SetupResponse
// @Failure      400  {object}  map[string]interface{}  "Invalid request or zone not found"
// @Failure      409  {object}  map[string]interface{}  "Setup already running for this user"
// @Failure      502  {object}  map[string]interface{}  "Cloudflare rejected a request"
// @Failure      500  {object}  map[string]interface{}  "Tunnel setup failed"
// @Router       /api/cloudflare/setup [post]
func (h *Handlers) Setup() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)

		var req SetupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
		domain := strings.TrimSuffix(strings.ToLower(req.Domain), ".")
		subdomain := strings.ToLower(req.Subdomain)

		result, err := h.provisioner.Setup(c.Request.Context(), provisioning.SetupRequest{
			User:      user,
			APIToken:  req.APIToken,
			Domain:    domain,
			Subdomain: subdomain,
			IPAddress: c.ClientIP(),
		})
		if err != nil {
			status, msg := setupError(err, domain)
			slog.Error("tunnel setup failed", "user_id", user.ID, "domain", domain, "subdomain", subdomain, "status", status, "error", err)
			c.JSON(status, gin.H{"error": msg})
			return
		}

		c.JSON(http.StatusOK, SetupResponse{
			Success:   true,
			Message:   "Cloudflare tunnel configured successfully",
			TunnelID:  result.TunnelID,
			Subdomain: result.Hostname,
			PublicURL: result.PublicURL,
		})
	}
}

func setupError(err error, domain string) (int, string) {
	var apiErr *cloudflare.APIError
	switch {
	case errors.Is(err, provisioning.ErrZoneNotFound):
		return http.StatusBadRequest, "Zone not found for " + domain
	case errors.Is(err, provisioning.ErrAccountNotFound):
		return http.StatusBadRequest, "No Cloudflare account is accessible with this API token"
	case errors.Is(err, provisioning.ErrInProgress):
		return http.StatusConflict, "Tunnel setup already in progress"
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, "Cloudflare API error: " + apiErr.Detail()
	default:
		return http.StatusInternalServerError, "Tunnel setup failed"
	}
}

// @Summary      Get tunnel configuration
// @Tags         Cloudflare
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  models.ProvisioningConfigResponse
// @Failure      404  {object}  map[string]interface{}  "Cloudflare configuration not found"
// @Router       /api/cloudflare/config [get]
func (h *Handlers) Config() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)

		cfg, err := h.provisioner.Current(c.Request.Context(), user.ID)
		if errors.Is(err, provisioning.ErrConfigNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Cloudflare configuration not found"})
			return
		}
		if err != nil {
			slog.Error("failed to load provisioning config", "user_id", user.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load Cloudflare configuration"})
			return
		}

		c.JSON(http.StatusOK, cfg.ToResponse())
	}
}

// @Summary      Delete tunnel
// @Description  Delete the caller's tunnel at Cloudflare (best effort) and deactivate the local configuration.
// @Tags         Cloudflare
// @Security     Bearer
// @Produce      json
// @Param        tunnel_id  path  string  true  "Tunnel ID"
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}  "Tunnel not found"
// @Router       /api/cloudflare/tunnel/{tunnel_id} [delete]
func (h *Handlers) Delete() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		tunnelID := c.Param("tunnel_id")

		err := h.provisioner.Teardown(c.Request.Context(), user, tunnelID, c.ClientIP())
		if errors.Is(err, provisioning.ErrConfigNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Tunnel not found"})
			return
		}
		if err != nil {
			slog.Error("tunnel teardown failed", "user_id", user.ID, "tunnel_id", tunnelID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete tunnel"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "Tunnel deleted successfully"})
	}
}
