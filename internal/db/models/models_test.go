package models

import (
	"database/sql"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// MergeProvisioningConfig
// ---------------------------------------------------------------------------

func sampleValues() ProvisioningValues {
	return ProvisioningValues{
		APITokenEncrypted:    "sealed-api",
		ZoneID:               "Z1",
		Domain:               "example.com",
		Subdomain:            "sub",
		TunnelID:             "T1",
		TunnelName:           "deployx-alice",
		TunnelTokenEncrypted: "sealed-tok",
	}
}

func TestMergeProvisioningConfig_New(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := MergeProvisioningConfig(nil, "user-1", sampleValues(), now)

	if got.ID == "" {
		t.Error("ID should be generated for a new record")
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", got.UserID)
	}
	if !got.IsActive {
		t.Error("IsActive = false, want true")
	}
	if got.Domain.String != "example.com" || got.TunnelID.String != "T1" {
		t.Errorf("unexpected identifiers: domain=%v tunnel=%v", got.Domain, got.TunnelID)
	}
	if !got.CreatedAt.Equal(now) || !got.UpdatedAt.Equal(now) {
		t.Errorf("timestamps = %v/%v, want %v", got.CreatedAt, got.UpdatedAt, now)
	}
}

func TestMergeProvisioningConfig_OverwritesExisting(t *testing.T) {
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(48 * time.Hour)
	existing := &ProvisioningConfig{
		ID:                "cfg-1",
		UserID:            "user-1",
		APITokenEncrypted: "old",
		Domain:            sql.NullString{String: "old.example", Valid: true},
		Subdomain:         "old",
		TunnelID:          sql.NullString{String: "T0", Valid: true},
		IsActive:          false,
		CreatedAt:         created,
	}

	got := MergeProvisioningConfig(existing, "user-1", sampleValues(), now)

	if got.ID != "cfg-1" {
		t.Errorf("ID = %q, want cfg-1 (kept)", got.ID)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v (kept)", got.CreatedAt, created)
	}
	if got.TunnelID.String != "T1" || got.Subdomain != "sub" || got.APITokenEncrypted != "sealed-api" {
		t.Errorf("fields not replaced: %+v", got)
	}
	if !got.IsActive {
		t.Error("re-provisioned record must be active")
	}
	if existing.TunnelID.String != "T0" {
		t.Error("existing record must not be mutated")
	}
}

func TestProvisioningConfig_PublicURL(t *testing.T) {
	cfg := &ProvisioningConfig{Subdomain: "sub", Domain: sql.NullString{String: "example.com", Valid: true}}
	if got := cfg.PublicURL(); got != "https://sub.example.com" {
		t.Errorf("PublicURL() = %q, want https://sub.example.com", got)
	}
	cfg.Domain = sql.NullString{}
	if got := cfg.PublicURL(); got != "" {
		t.Errorf("PublicURL() without domain = %q, want empty", got)
	}
}

func TestProvisioningConfig_ToResponseOmitsSecrets(t *testing.T) {
	cfg := &ProvisioningConfig{
		ID:                   "cfg-1",
		APITokenEncrypted:    "secret",
		TunnelTokenEncrypted: sql.NullString{String: "secret", Valid: true},
		TunnelID:             sql.NullString{String: "T1", Valid: true},
	}
	resp := cfg.ToResponse()
	if resp.TunnelID == nil || *resp.TunnelID != "T1" {
		t.Errorf("TunnelID = %v, want T1", resp.TunnelID)
	}
	if resp.Domain != nil {
		t.Errorf("Domain = %v, want nil", resp.Domain)
	}
}

// ---------------------------------------------------------------------------
// Project / Deployment responses
// ---------------------------------------------------------------------------

func TestProject_ToResponse(t *testing.T) {
	deployed := time.Now().UTC()
	p := &Project{
		ID:             "p1",
		UserID:         "u1",
		Name:           "web",
		RepositoryURL:  sql.NullString{String: "https://github.com/acme/web", Valid: true},
		Status:         DefaultProjectStatus,
		LastDeployedAt: sql.NullTime{Time: deployed, Valid: true},
	}
	resp := p.ToResponse()
	if resp.Description != nil {
		t.Errorf("Description = %v, want nil", resp.Description)
	}
	if resp.RepositoryURL == nil || *resp.RepositoryURL != "https://github.com/acme/web" {
		t.Errorf("RepositoryURL = %v", resp.RepositoryURL)
	}
	if resp.LastDeployedAt == nil || !resp.LastDeployedAt.Equal(deployed) {
		t.Errorf("LastDeployedAt = %v, want %v", resp.LastDeployedAt, deployed)
	}
}

func TestDeployment_ToResponse(t *testing.T) {
	d := &Deployment{ID: "d1", ProjectID: "p1", Status: "pending", DurationSeconds: sql.NullInt64{Int64: 42, Valid: true}}
	resp := d.ToResponse()
	if resp.DurationSeconds == nil || *resp.DurationSeconds != 42 {
		t.Errorf("DurationSeconds = %v, want 42", resp.DurationSeconds)
	}
	if resp.CommitSHA != nil || resp.FinishedAt != nil {
		t.Errorf("unexpected optional fields: %+v", resp)
	}
}
