// Package models - audit_log.go defines the append-only AuditLog record written
// alongside state-changing operations.
package models

import "time"

// Audit actions recorded by the platform
const (
	ActionUserRegistered = "user_registered"
	ActionUserLogin      = "user_login"
	ActionTunnelCreated  = "tunnel_created"
	ActionTunnelDeleted  = "tunnel_deleted"
	ActionProjectCreated = "project_created"
	ActionProjectDeleted = "project_deleted"
	ActionRequestFailed  = "request_failed"
)

// AuditLog represents an audit log entry for tracking user actions
type AuditLog struct {
	ID           string
	UserID       *string                // NULL once the acting user is deleted
	Action       string                 // "tunnel_created", "user_login", ...
	ResourceType *string                // "tunnel", "user", "project"
	ResourceID   *string
	Details      map[string]interface{} // JSONB
	IPAddress    *string
	CreatedAt    time.Time
}

// AuditLogResponse is the JSON shape returned by the audit listing endpoint
type AuditLogResponse struct {
	ID           string                 `json:"id"`
	Action       string                 `json:"action"`
	ResourceType *string                `json:"resource_type"`
	ResourceID   *string                `json:"resource_id"`
	Details      map[string]interface{} `json:"details"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ToResponse converts the entry to its public representation
func (a *AuditLog) ToResponse() AuditLogResponse {
	return AuditLogResponse{
		ID:           a.ID,
		Action:       a.Action,
		ResourceType: a.ResourceType,
		ResourceID:   a.ResourceID,
		Details:      a.Details,
		CreatedAt:    a.CreatedAt,
	}
}
