package epoch

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// Execer is satisfied by *sql.DB and *sql.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresSource reads counters from the access_epochs table
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a new PostgresSource
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Current implements Source
func (s *PostgresSource) Current(ctx context.Context, tenantID, userID int64) (Stamp, error) {
	query := `
		SELECT tenant_id, user_id, epoch
		FROM access_epochs
		WHERE (tenant_id = 0 AND user_id = 0)
		   OR (tenant_id = $1 AND user_id IN (0, $2))
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, userID)
	if err != nil {
		return Stamp{}, fmt.Errorf("failed to read epochs: %w", err)
	}
	defer rows.Close()

	var stamp Stamp
	for rows.Next() {
		var t, u, value int64
		if err := rows.Scan(&t, &u, &value); err != nil {
			return Stamp{}, fmt.Errorf("failed to scan epoch: %w", err)
		}
		switch {
		case t == GlobalTenant && u == 0:
			stamp.Global = value
		case u == 0:
			stamp.Tenant = value
		default:
			stamp.User = value
		}
	}

	return stamp, rows.Err()
}

// Bump increments the (tenantID, userID) counter using the caller's transaction.
func Bump(ctx context.Context, tx Execer, tenantID, userID int64) error {
	query := `
		INSERT INTO access_epochs (tenant_id, user_id, epoch, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (tenant_id, user_id)
		DO UPDATE SET epoch = access_epochs.epoch + 1, updated_at = NOW()
	`
	if _, err := tx.ExecContext(ctx, query, tenantID, userID); err != nil {
		return fmt.Errorf("failed to bump epoch: %w", err)
	}
	return nil
}

// BumpTenant increments the tenant-wide counter
func BumpTenant(ctx context.Context, tx Execer, tenantID int64) error {
	return Bump(ctx, tx, tenantID, 0)
}

// Migrations returns the schema for the counter table
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create access_epochs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS access_epochs (
					tenant_id BIGINT NOT NULL,
					user_id BIGINT NOT NULL DEFAULT 0,
					epoch BIGINT NOT NULL DEFAULT 0,
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (tenant_id, user_id)
				);
			`,
		},
	}
}
