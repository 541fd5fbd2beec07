package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/deployx/deployx/internal/db/models"
)

var provisioningCols = []string{
	"id", "user_id", "api_token_encrypted", "zone_id", "domain", "subdomain",
	"tunnel_id", "tunnel_name", "tunnel_token_encrypted", "is_active", "created_at", "updated_at",
}

func newProvisioningRepo(t *testing.T) (*ProvisioningConfigRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewProvisioningConfigRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func sampleProvisioningRow(active bool) *sqlmock.Rows {
	return sqlmock.NewRows(provisioningCols).
		AddRow("cfg-1", "user-1", "sealed", "Z0", "old.example", "old",
			"T0", "deployx-alice", "sealed-tok", active, time.Now().Add(-time.Hour), time.Now())
}

func provisioningValues() models.ProvisioningValues {
	return models.ProvisioningValues{
		APITokenEncrypted: "sealed-api", ZoneID: "Z1", Domain: "example.com", Subdomain: "sub",
		TunnelID: "T1", TunnelName: "deployx-alice", TunnelTokenEncrypted: "sealed-tok",
	}
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func TestGetByUserID_Found(t *testing.T) {
	repo, mock := newProvisioningRepo(t)
	mock.ExpectQuery("SELECT.*FROM provisioning_configs WHERE user_id").
		WithArgs("user-1").
		WillReturnRows(sampleProvisioningRow(true))

	cfg, err := repo.GetByUserID(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || cfg.TunnelID.String != "T0" || !cfg.IsActive {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestGetByUserID_NotFound(t *testing.T) {
	repo, mock := newProvisioningRepo(t)
	mock.ExpectQuery("SELECT.*FROM provisioning_configs WHERE user_id").
		WithArgs("user-2").
		WillReturnRows(sqlmock.NewRows(provisioningCols))

	cfg, err := repo.GetByUserID(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Errorf("expected nil, got %+v", cfg)
	}
}

func TestGetActiveByTunnel_FiltersOwnerAndActive(t *testing.T) {
	repo, mock := newProvisioningRepo(t)
	mock.ExpectQuery("WHERE user_id = \\$1 AND tunnel_id = \\$2 AND is_active = true").
		WithArgs("user-1", "T0").
		WillReturnRows(sampleProvisioningRow(true))

	cfg, err := repo.GetActiveByTunnel(context.Background(), "user-1", "T0")
	if err != nil || cfg == nil {
		t.Fatalf("GetActiveByTunnel() = %v, %v", cfg, err)
	}
}

func TestGetAnyActive_Error(t *testing.T) {
	repo, mock := newProvisioningRepo(t)
	mock.ExpectQuery("WHERE is_active = true").WillReturnError(errDB)

	if _, err := repo.GetAnyActive(context.Background()); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Save
// ---------------------------------------------------------------------------

func TestSave_CreatesFirstRecord(t *testing.T) {
	repo, mock := newProvisioningRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT.*FROM provisioning_configs WHERE user_id = .* FOR UPDATE").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(provisioningCols))
	mock.ExpectExec("INSERT INTO provisioning_configs.*ON CONFLICT \\(user_id\\) DO UPDATE").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	cfg, err := repo.Save(context.Background(), "user-1", provisioningValues())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.UserID != "user-1" || cfg.Domain.String != "example.com" || cfg.TunnelID.String != "T1" || !cfg.IsActive {
		t.Errorf("unexpected saved config: %+v", cfg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSave_OverwritesExistingRecord(t *testing.T) {
	repo, mock := newProvisioningRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("user-1").
		WillReturnRows(sampleProvisioningRow(false))
	mock.ExpectExec("INSERT INTO provisioning_configs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cfg, err := repo.Save(context.Background(), "user-1", provisioningValues())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ID != "cfg-1" {
		t.Errorf("ID = %q, want cfg-1 (same row)", cfg.ID)
	}
	if cfg.TunnelID.String != "T1" || !cfg.IsActive {
		t.Errorf("record not overwritten: %+v", cfg)
	}
}

func TestSave_RollsBackOnWriteError(t *testing.T) {
	repo, mock := newProvisioningRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(sqlmock.NewRows(provisioningCols))
	mock.ExpectExec("INSERT INTO provisioning_configs").WillReturnError(errDB)
	mock.ExpectRollback()

	if _, err := repo.Save(context.Background(), "user-1", provisioningValues()); !errors.Is(err, errDB) {
		t.Fatalf("error = %v, want wrapped errDB", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Deactivate
// ---------------------------------------------------------------------------

func TestDeactivate_Success(t *testing.T) {
	repo, mock := newProvisioningRepo(t)
	mock.ExpectExec("UPDATE provisioning_configs SET is_active = false.*WHERE id = \\$2 AND user_id = \\$3").
		WithArgs(sqlmock.AnyArg(), "cfg-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Deactivate(context.Background(), "user-1", "cfg-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeactivate_NoRow(t *testing.T) {
	repo, mock := newProvisioningRepo(t)
	mock.ExpectExec("UPDATE provisioning_configs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Deactivate(context.Background(), "user-2", "cfg-1"); err == nil {
		t.Error("expected error for another user's record, got nil")
	}
}

// ---------------------------------------------------------------------------
// LockUser
// ---------------------------------------------------------------------------

func TestLockUser_AcquireAndRelease(t *testing.T) {
	repo, mock := newProvisioningRepo(t)
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs("provisioning:user-1").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs("provisioning:user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	unlock, err := repo.LockUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlock()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLockUser_Held(t *testing.T) {
	repo, mock := newProvisioningRepo(t)
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	_, err := repo.LockUser(context.Background(), "user-1")
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("error = %v, want ErrLockHeld", err)
	}
}
