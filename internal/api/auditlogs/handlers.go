// Package auditlogs lists the caller's own audit trail.
package auditlogs

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/deployx/deployx/internal/db/models"
	"github.com/deployx/deployx/internal/db/repositories"
	"github.com/deployx/deployx/internal/middleware"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Lister reads audit entries
type Lister interface {
	ListAuditLogs(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
}

// Handlers serves /api/audit-logs
type Handlers struct {
	logs Lister
}

// NewHandlers creates the audit log handlers
func NewHandlers(logs Lister) *Handlers {
	return &Handlers{logs: logs}
}

// @Summary      List audit logs
// @Description  The caller's audit entries, newest first. The total match count is returned in X-Total-Count.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        limit   query  int     false  "Max entries, 1-500 (default 50)"
// @Param        offset  query  int     false  "Entries to skip"
// @Param        action  query  string  false  "Filter by action"
// @Success      200  {array}   models.AuditLogResponse
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/audit-logs [get]
func (h *Handlers) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)

		limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
		if err != nil {
			limit = defaultLimit
		}
		limit = max(1, min(limit, maxLimit))

		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		offset = max(0, offset)

		filters := repositories.AuditFilters{UserID: &user.ID}
		if action := c.Query("action"); action != "" {
			filters.Action = &action
		}

		logs, total, err := h.logs.ListAuditLogs(c.Request.Context(), filters, limit, offset)
		if err != nil {
			slog.Error("failed to list audit logs", "user_id", user.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list audit logs"})
			return
		}

		out := make([]models.AuditLogResponse, 0, len(logs))
		for _, l := range logs {
			out = append(out, l.ToResponse())
		}
		c.Header("X-Total-Count", strconv.Itoa(total))
		c.JSON(http.StatusOK, out)
	}
}
