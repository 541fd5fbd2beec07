// Package models - provisioning_config.go defines the per-user tunnel
// provisioning record: provider credentials, resolved zone and tunnel
// identifiers, and the tunnel token handed to the tunnel agent.
package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// ProvisioningConfig is the single provisioning record a user may own.
// Secret columns hold ciphertext produced by crypto.SecretCipher.
type ProvisioningConfig struct {
	ID                   string         `db:"id" json:"id"`
	UserID               string         `db:"user_id" json:"user_id"`
	APITokenEncrypted    string         `db:"api_token_encrypted" json:"-"` // Never expose in JSON
	ZoneID               sql.NullString `db:"zone_id" json:"zone_id,omitempty"`
	Domain               sql.NullString `db:"domain" json:"domain,omitempty"`
	Subdomain            string         `db:"subdomain" json:"subdomain"`
	TunnelID             sql.NullString `db:"tunnel_id" json:"tunnel_id,omitempty"`
	TunnelName           sql.NullString `db:"tunnel_name" json:"tunnel_name,omitempty"`
	TunnelTokenEncrypted sql.NullString `db:"tunnel_token_encrypted" json:"-"` // Never expose in JSON
	IsActive             bool           `db:"is_active" json:"is_active"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// ProvisioningValues carries the outcome of a successful provisioning run.
// Secrets are already sealed by the caller.
type ProvisioningValues struct {
	APITokenEncrypted    string
	ZoneID               string
	Domain               string
	Subdomain            string
	TunnelID             string
	TunnelName           string
	TunnelTokenEncrypted string
}

// MergeProvisioningConfig returns the record to persist for userID given the
// current row (nil when the user has none). Identity and creation time of an
// existing row are kept; every provisioning field is replaced and the record
// becomes active again.
func MergeProvisioningConfig(existing *ProvisioningConfig, userID string, in ProvisioningValues, now time.Time) *ProvisioningConfig {
	merged := &ProvisioningConfig{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
	}
	if existing != nil {
		merged.ID = existing.ID
		merged.CreatedAt = existing.CreatedAt
	}

	merged.APITokenEncrypted = in.APITokenEncrypted
	merged.ZoneID = nullString(in.ZoneID)
	merged.Domain = nullString(in.Domain)
	merged.Subdomain = in.Subdomain
	merged.TunnelID = nullString(in.TunnelID)
	merged.TunnelName = nullString(in.TunnelName)
	merged.TunnelTokenEncrypted = nullString(in.TunnelTokenEncrypted)
	merged.IsActive = true
	merged.UpdatedAt = now
	return merged
}

// PublicURL returns https://<subdomain>.<domain>, or "" when no domain is recorded.
func (p *ProvisioningConfig) PublicURL() string {
	if !p.Domain.Valid || p.Domain.String == "" {
		return ""
	}
	return "https://" + p.Subdomain + "." + p.Domain.String
}

// ProvisioningConfigResponse is the API shape of a provisioning record.
// Secrets are never included.
type ProvisioningConfigResponse struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Subdomain  string    `json:"subdomain"`
	Domain     *string   `json:"domain"`
	TunnelID   *string   `json:"tunnel_id"`
	TunnelName *string   `json:"tunnel_name"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToResponse converts the record to its public representation
func (p *ProvisioningConfig) ToResponse() ProvisioningConfigResponse {
	return ProvisioningConfigResponse{
		ID:         p.ID,
		UserID:     p.UserID,
		Subdomain:  p.Subdomain,
		Domain:     stringPtr(p.Domain),
		TunnelID:   stringPtr(p.TunnelID),
		TunnelName: stringPtr(p.TunnelName),
		IsActive:   p.IsActive,
		CreatedAt:  p.CreatedAt,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
