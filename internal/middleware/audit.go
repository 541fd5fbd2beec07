// audit.go provides Gin middleware that records rejected write requests to the
// audit log. Successful operations are audited by the services that perform
// them, so only failures are captured here.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deployx/deployx/internal/audit"
	"github.com/deployx/deployx/internal/db/models"
)

const failedRequestAuditTimeout = 5 * time.Second

// AuditRecorder accepts audit events
type AuditRecorder interface {
	Record(ctx context.Context, ev audit.Event)
}

// FailedRequestAuditMiddleware records POST, PUT, PATCH and DELETE requests that
// finished with a 4xx or 5xx status. Rate limit rejections are skipped.
func FailedRequestAuditMiddleware(recorder AuditRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if !isWriteMethod(c.Request.Method) {
			return
		}
		status := c.Writer.Status()
		if status < http.StatusBadRequest || status == http.StatusTooManyRequests {
			return
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		details := map[string]interface{}{
			"method":      c.Request.Method,
			"path":        path,
			"status_code": status,
		}
		if id := RequestID(c); id != "" {
			details["request_id"] = id
		}

		// the client may already be gone; the entry is still wanted
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), failedRequestAuditTimeout)
		defer cancel()

		recorder.Record(ctx, audit.Event{
			UserID:    c.GetString(ContextKeyUserID),
			Action:    models.ActionRequestFailed,
			Details:   details,
			IPAddress: c.ClientIP(),
		})
	}
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
