package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/deployx/deployx/internal/db/models"
	"github.com/deployx/deployx/internal/telemetry"
)

const shipTimeout = 10 * time.Second

// Store persists audit entries
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Event is one thing worth auditing. Empty optional fields are stored as NULL.
type Event struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]interface{}
	IPAddress    string
}

// Recorder writes audit events. Recording never fails the caller: a database
// error is logged and counted, and shipping happens in the background.
type Recorder struct {
	store   Store
	shipper Shipper
	enabled bool
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder. shipper may be nil.
func NewRecorder(store Store, shipper Shipper, enabled bool) *Recorder {
	return &Recorder{store: store, shipper: shipper, enabled: enabled}
}

// Record persists ev and hands it to the shippers
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil || !r.enabled {
		return
	}

	entry := &models.AuditLog{
		UserID:       optional(ev.UserID),
		Action:       ev.Action,
		ResourceType: optional(ev.ResourceType),
		ResourceID:   optional(ev.ResourceID),
		Details:      ev.Details,
		IPAddress:    optional(ev.IPAddress),
	}

	if err := r.store.CreateAuditLog(ctx, entry); err != nil {
		telemetry.AuditWriteFailuresTotal.Inc()
		slog.Warn("failed to write audit log", "action", ev.Action, "user_id", ev.UserID, "error", err)
	} else {
		telemetry.AuditEntriesTotal.WithLabelValues(ev.Action).Inc()
	}

	if r.shipper == nil {
		return
	}

	shipped := &LogEntry{
		ID:           entry.ID,
		Timestamp:    entry.CreatedAt,
		Action:       ev.Action,
		UserID:       ev.UserID,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		IPAddress:    ev.IPAddress,
		Details:      ev.Details,
	}
	if shipped.Timestamp.IsZero() {
		shipped.Timestamp = time.Now().UTC()
	}

	r.wg.Add(1)
	goSafe(func() {
		defer r.wg.Done()
		// detached from the request, which is usually finished by now
		shipCtx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		defer cancel()
		_ = r.shipper.Ship(shipCtx, shipped)
	})
}

// Close waits for in-flight shipments and closes the shipper
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.wg.Wait()
	if r.shipper == nil {
		return nil
	}
	return r.shipper.Close()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
