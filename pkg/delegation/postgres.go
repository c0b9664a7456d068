package delegation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/epoch"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrations returns the delegations schema. It references roles and must run
// after the rbac migrations.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create delegations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS delegations (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					delegator_id BIGINT NOT NULL,
					delegatee_id BIGINT NOT NULL,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					scope_type VARCHAR(20) NOT NULL CHECK (scope_type IN ('global', 'unit', 'event')),
					scope_id VARCHAR(255) NOT NULL DEFAULT '',
					starts_at TIMESTAMP WITH TIME ZONE NOT NULL,
					ends_at TIMESTAMP WITH TIME ZONE,
					status VARCHAR(20) NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'revoked', 'expired')),
					reason TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					revoked_at TIMESTAMP WITH TIME ZONE,
					revoked_by BIGINT,
					CHECK (ends_at IS NULL OR ends_at >= starts_at),
					CHECK (delegator_id <> delegatee_id)
				);

				CREATE INDEX IF NOT EXISTS idx_delegations_delegatee ON delegations(tenant_id, delegatee_id, status);
				CREATE INDEX IF NOT EXISTS idx_delegations_due ON delegations(ends_at) WHERE status = 'active';
			`,
		},
	}
}

const delegationColumns = `id, tenant_id, delegator_id, delegatee_id, role_id, scope_type, scope_id, starts_at, ends_at, status, reason, created_at, revoked_at, revoked_by`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDelegation(row rowScanner) (*Delegation, error) {
	var d Delegation
	var scopeType, status string
	var endsAt, revokedAt sql.NullTime
	var revokedBy sql.NullInt64

	err := row.Scan(
		&d.ID,
		&d.TenantID,
		&d.DelegatorID,
		&d.DelegateeID,
		&d.RoleID,
		&scopeType,
		&d.ScopeID,
		&d.StartsAt,
		&endsAt,
		&status,
		&d.Reason,
		&d.CreatedAt,
		&revokedAt,
		&revokedBy,
	)
	if err != nil {
		return nil, err
	}

	d.ScopeType = ScopeType(scopeType)
	d.Status = Status(status)
	if endsAt.Valid {
		t := endsAt.Time
		d.EndsAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		d.RevokedAt = &t
	}
	if revokedBy.Valid {
		id := revokedBy.Int64
		d.RevokedBy = &id
	}
	return &d, nil
}

func collect(rows *sql.Rows) ([]Delegation, error) {
	defer rows.Close()

	var out []Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delegation: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delegations: %w", err)
	}
	return out, nil
}

// Create inserts an active delegation and bumps the delegatee epoch
func (s *PostgresStore) Create(ctx context.Context, d *Delegation) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		query := `
			INSERT INTO delegations (tenant_id, delegator_id, delegatee_id, role_id, scope_type, scope_id, starts_at, ends_at, status, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active', $9, $10)
			RETURNING id
		`

		now := time.Now()
		err := tx.QueryRowContext(ctx, query,
			d.TenantID,
			d.DelegatorID,
			d.DelegateeID,
			d.RoleID,
			string(d.ScopeType),
			d.ScopeID,
			d.StartsAt,
			d.EndsAt,
			d.Reason,
			now,
		).Scan(&d.ID)
		if err != nil {
			return fmt.Errorf("failed to create delegation: %w", err)
		}

		d.Status = StatusActive
		d.CreatedAt = now
		return epoch.Bump(ctx, tx, d.TenantID, d.DelegateeID)
	})
}

// Get retrieves a delegation within a tenant
func (s *PostgresStore) Get(ctx context.Context, tenantID, id int64) (*Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegations WHERE id = $1 AND tenant_id = $2`

	d, err := scanDelegation(s.db.QueryRowContext(ctx, query, id, tenantID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrDelegationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delegation: %w", err)
	}
	return d, nil
}

// ListForTenant lists a tenant's delegations, optionally by status
func (s *PostgresStore) ListForTenant(ctx context.Context, tenantID int64, status Status) ([]Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegations WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if status != "" {
		query += " AND status = $2"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list delegations: %w", err)
	}
	return collect(rows)
}

// ListActiveForDelegatee implements Store
func (s *PostgresStore) ListActiveForDelegatee(ctx context.Context, tenantID, delegateeID int64) ([]Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM delegations
		WHERE tenant_id = $1 AND delegatee_id = $2 AND status = 'active'
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, delegateeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active delegations: %w", err)
	}
	return collect(rows)
}

// Revoke moves an active, unexpired delegation to revoked and bumps the
// delegatee epoch in the same transaction.
func (s *PostgresStore) Revoke(ctx context.Context, tenantID, id, revokedBy int64, at time.Time) (*Delegation, error) {
	var revoked *Delegation
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		query := `SELECT ` + delegationColumns + ` FROM delegations WHERE id = $1 AND tenant_id = $2 FOR UPDATE`

		d, err := scanDelegation(tx.QueryRowContext(ctx, query, id, tenantID))
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %d", ErrDelegationNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock delegation: %w", err)
		}
		if d.Status != StatusActive || (d.EndsAt != nil && !at.Before(*d.EndsAt)) {
			return ErrDelegationExpiredOrRevoked
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE delegations SET status = 'revoked', revoked_at = $1, revoked_by = $2 WHERE id = $3",
			at, revokedBy, id,
		)
		if err != nil {
			return fmt.Errorf("failed to revoke delegation: %w", err)
		}

		d.Status = StatusRevoked
		d.RevokedAt = &at
		d.RevokedBy = &revokedBy
		revoked = d
		return epoch.Bump(ctx, tx, d.TenantID, d.DelegateeID)
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

// ExpireDue marks every active delegation whose end date has passed as expired
func (s *PostgresStore) ExpireDue(ctx context.Context, now time.Time) ([]Delegation, error) {
	var expired []Delegation
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE delegations
			SET status = 'expired'
			WHERE status = 'active' AND ends_at IS NOT NULL AND ends_at <= $1
			RETURNING `+delegationColumns,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to expire delegations: %w", err)
		}
		expired, err = collect(rows)
		if err != nil {
			return err
		}

		for _, d := range expired {
			if err := epoch.Bump(ctx, tx, d.TenantID, d.DelegateeID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}
