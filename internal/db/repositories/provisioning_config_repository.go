// provisioning_config_repository.go implements ProvisioningConfigRepository: the
// per-user provisioning record and the per-user provisioning lock.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/deployx/deployx/internal/db"
	"github.com/deployx/deployx/internal/db/models"
)

// ErrLockHeld is returned by LockUser when another provisioning run for the
// same user holds the lock.
var ErrLockHeld = errors.New("provisioning already in progress for this user")

const provisioningColumns = `id, user_id, api_token_encrypted, zone_id, domain, subdomain,
	tunnel_id, tunnel_name, tunnel_token_encrypted, is_active, created_at, updated_at`

// ProvisioningConfigRepository handles database operations for provisioning configs
type ProvisioningConfigRepository struct {
	db *sqlx.DB
}

// NewProvisioningConfigRepository creates a new provisioning config repository
func NewProvisioningConfigRepository(db *sqlx.DB) *ProvisioningConfigRepository {
	return &ProvisioningConfigRepository{db: db}
}

// GetByUserID returns the user's provisioning record, active or not
func (r *ProvisioningConfigRepository) GetByUserID(ctx context.Context, userID string) (*models.ProvisioningConfig, error) {
	var cfg models.ProvisioningConfig
	query := `SELECT ` + provisioningColumns + ` FROM provisioning_configs WHERE user_id = $1`
	err := r.db.GetContext(ctx, &cfg, query, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetActiveByTunnel returns the user's active record for tunnelID
func (r *ProvisioningConfigRepository) GetActiveByTunnel(ctx context.Context, userID, tunnelID string) (*models.ProvisioningConfig, error) {
	var cfg models.ProvisioningConfig
	query := `SELECT ` + provisioningColumns + ` FROM provisioning_configs
		WHERE user_id = $1 AND tunnel_id = $2 AND is_active = true`
	err := r.db.GetContext(ctx, &cfg, query, userID, tunnelID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetAnyActive returns the most recently updated active record of any user.
// Used only by the public platform status endpoint.
func (r *ProvisioningConfigRepository) GetAnyActive(ctx context.Context) (*models.ProvisioningConfig, error) {
	var cfg models.ProvisioningConfig
	query := `SELECT ` + provisioningColumns + ` FROM provisioning_configs
		WHERE is_active = true ORDER BY updated_at DESC LIMIT 1`
	err := r.db.GetContext(ctx, &cfg, query)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save merges values into the user's record and persists it, creating the
// record on first use. There is never more than one row per user.
func (r *ProvisioningConfigRepository) Save(ctx context.Context, userID string, values models.ProvisioningValues) (*models.ProvisioningConfig, error) {
	var saved *models.ProvisioningConfig
	err := db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var existing models.ProvisioningConfig
		current := &existing
		err := tx.GetContext(ctx, &existing,
			`SELECT `+provisioningColumns+` FROM provisioning_configs WHERE user_id = $1 FOR UPDATE`, userID)
		if err == sql.ErrNoRows {
			current = nil
		} else if err != nil {
			return fmt.Errorf("failed to load provisioning config: %w", err)
		}

		merged := models.MergeProvisioningConfig(current, userID, values, time.Now())

		query := `
			INSERT INTO provisioning_configs (
				id, user_id, api_token_encrypted, zone_id, domain, subdomain,
				tunnel_id, tunnel_name, tunnel_token_encrypted, is_active, created_at, updated_at
			) VALUES (
				:id, :user_id, :api_token_encrypted, :zone_id, :domain, :subdomain,
				:tunnel_id, :tunnel_name, :tunnel_token_encrypted, :is_active, :created_at, :updated_at
			)
			ON CONFLICT (user_id) DO UPDATE SET
				api_token_encrypted = EXCLUDED.api_token_encrypted,
				zone_id = EXCLUDED.zone_id,
				domain = EXCLUDED.domain,
				subdomain = EXCLUDED.subdomain,
				tunnel_id = EXCLUDED.tunnel_id,
				tunnel_name = EXCLUDED.tunnel_name,
				tunnel_token_encrypted = EXCLUDED.tunnel_token_encrypted,
				is_active = EXCLUDED.is_active,
				updated_at = EXCLUDED.updated_at`
		if _, err := tx.NamedExecContext(ctx, query, merged); err != nil {
			return fmt.Errorf("failed to save provisioning config: %w", err)
		}
		saved = merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// Deactivate marks the user's record inactive. The row is kept.
func (r *ProvisioningConfigRepository) Deactivate(ctx context.Context, userID, id string) error {
	query := `UPDATE provisioning_configs SET is_active = false, updated_at = $1 WHERE id = $2 AND user_id = $3`
	res, err := r.db.ExecContext(ctx, query, time.Now(), id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("provisioning config %s not found for user", id)
	}
	return nil
}

// LockUser takes the session-level advisory lock for userID on a dedicated
// connection and returns the function that releases it. The lock spans every
// replica sharing the database. ErrLockHeld is returned when it is taken.
func (r *ProvisioningConfigRepository) LockUser(ctx context.Context, userID string) (func(), error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}

	key := "provisioning:" + userID
	var acquired bool
	if err := conn.GetContext(ctx, &acquired, `SELECT pg_try_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to acquire provisioning lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, ErrLockHeld
	}

	return func() {
		// The request context may already be cancelled; the unlock must still run.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			slog.Warn("failed to release provisioning lock", "user_id", userID, "error", err)
		}
		conn.Close()
	}, nil
}
