package entitlements

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/gatekeeper/pkg/catalog"
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

// Migrations returns the entitlement schema. feature_permissions references
// the rbac permissions table, so the rbac migrations run first.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create feature catalog and plan bundles",
			SQL: `
				CREATE TABLE IF NOT EXISTS features (
					name VARCHAR(100) PRIMARY KEY,
					category VARCHAR(50) NOT NULL DEFAULT '',
					tier VARCHAR(50) NOT NULL DEFAULT '',
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS plans (
					name VARCHAR(100) PRIMARY KEY,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS plan_features (
					plan_name VARCHAR(100) NOT NULL REFERENCES plans(name) ON DELETE CASCADE,
					feature_name VARCHAR(100) NOT NULL REFERENCES features(name) ON DELETE CASCADE,
					PRIMARY KEY (plan_name, feature_name)
				);

				CREATE TABLE IF NOT EXISTS feature_permissions (
					feature_name VARCHAR(100) NOT NULL REFERENCES features(name) ON DELETE CASCADE,
					permission_name VARCHAR(100) NOT NULL REFERENCES permissions(name) ON DELETE CASCADE,
					PRIMARY KEY (feature_name, permission_name)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create tenant feature grants",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenant_feature_grants (
					tenant_id BIGINT NOT NULL,
					feature_name VARCHAR(100) NOT NULL REFERENCES features(name) ON DELETE CASCADE,
					is_granted BOOLEAN NOT NULL DEFAULT TRUE,
					granted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					granted_by VARCHAR(20) NOT NULL CHECK (granted_by IN ('system', 'admin', 'upgrade')),
					source_plan VARCHAR(100) NOT NULL DEFAULT '',
					expires_at TIMESTAMP WITH TIME ZONE,
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					PRIMARY KEY (tenant_id, feature_name)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create processed lifecycle events ledger",
			SQL: `
				CREATE TABLE IF NOT EXISTS lifecycle_events (
					event_id VARCHAR(255) PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					event_type VARCHAR(50) NOT NULL,
					plan_name VARCHAR(100) NOT NULL DEFAULT '',
					effective_at TIMESTAMP WITH TIME ZONE NOT NULL,
					processed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_lifecycle_events_tenant ON lifecycle_events(tenant_id, processed_at);
			`,
		},
	}
}

// SeedCatalog implements Store
func (s *PostgresStore) SeedCatalog(ctx context.Context, c *catalog.Catalog) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, f := range c.Features {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO features (name, category, tier)
				VALUES ($1, $2, $3)
				ON CONFLICT (name) DO UPDATE SET category = EXCLUDED.category, tier = EXCLUDED.tier
			`, f.Name, f.Category, f.Tier)
			if err != nil {
				return fmt.Errorf("failed to seed feature %s: %w", f.Name, err)
			}

			if _, err := tx.ExecContext(ctx, "DELETE FROM feature_permissions WHERE feature_name = $1", f.Name); err != nil {
				return fmt.Errorf("failed to reset feature permissions: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				"INSERT INTO feature_permissions (feature_name, permission_name) SELECT $1, unnest($2::text[])",
				f.Name, pq.Array(f.Permissions),
			)
			if err != nil {
				return fmt.Errorf("failed to seed feature permissions for %s: %w", f.Name, err)
			}
		}

		for _, p := range c.Plans {
			if _, err := tx.ExecContext(ctx, "INSERT INTO plans (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", p.Name); err != nil {
				return fmt.Errorf("failed to seed plan %s: %w", p.Name, err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM plan_features WHERE plan_name = $1", p.Name); err != nil {
				return fmt.Errorf("failed to reset plan features: %w", err)
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO plan_features (plan_name, feature_name) SELECT $1, unnest($2::text[])",
				p.Name, pq.Array(p.Features),
			)
			if err != nil {
				return fmt.Errorf("failed to seed plan features for %s: %w", p.Name, err)
			}
		}

		return epoch.Bump(ctx, tx, epoch.GlobalTenant, 0)
	})
}

func queryStrings(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}, query string, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func planExists(ctx context.Context, tx *sql.Tx, plan string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM plans WHERE name = $1)", plan).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check plan: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, plan)
	}
	return nil
}

// GetPlanFeatures implements Store
func (s *PostgresStore) GetPlanFeatures(ctx context.Context, plan string) ([]string, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM plans WHERE name = $1)", plan).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check plan: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, plan)
	}

	features, err := queryStrings(ctx, s.db,
		"SELECT feature_name FROM plan_features WHERE plan_name = $1 ORDER BY feature_name", plan)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan features: %w", err)
	}
	return features, nil
}

// ListFeatures implements Store
func (s *PostgresStore) ListFeatures(ctx context.Context) ([]FeatureInfo, error) {
	query := `
		SELECT f.name, f.category, f.tier, COALESCE(array_agg(fp.permission_name ORDER BY fp.permission_name) FILTER (WHERE fp.permission_name IS NOT NULL), '{}')
		FROM features f
		LEFT JOIN feature_permissions fp ON fp.feature_name = f.name
		GROUP BY f.name, f.category, f.tier
		ORDER BY f.name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	defer rows.Close()

	var out []FeatureInfo
	for rows.Next() {
		var f FeatureInfo
		if err := rows.Scan(&f.Name, &f.Category, &f.Tier, pq.Array(&f.Permissions)); err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func grantPlanTx(ctx context.Context, tx *sql.Tx, tenantID int64, plan string, grantedBy GrantSource, now time.Time) ([]string, error) {
	if err := planExists(ctx, tx, plan); err != nil {
		return nil, err
	}

	// Rows already granted from the same plan keep their original granted_at,
	// and effective admin grants are left alone entirely.
	query := `
		INSERT INTO tenant_feature_grants (tenant_id, feature_name, is_granted, granted_at, granted_by, source_plan, expires_at, updated_at)
		SELECT $1, pf.feature_name, TRUE, $4, $3, $2, NULL, $4
		FROM plan_features pf
		WHERE pf.plan_name = $2
		ON CONFLICT (tenant_id, feature_name) DO UPDATE SET
			is_granted = TRUE,
			granted_by = EXCLUDED.granted_by,
			source_plan = EXCLUDED.source_plan,
			expires_at = NULL,
			granted_at = CASE
				WHEN tenant_feature_grants.is_granted AND tenant_feature_grants.source_plan = EXCLUDED.source_plan
				THEN tenant_feature_grants.granted_at
				ELSE EXCLUDED.granted_at
			END,
			updated_at = EXCLUDED.updated_at
		WHERE NOT (
			tenant_feature_grants.is_granted
			AND tenant_feature_grants.granted_by = 'admin'
			AND (tenant_feature_grants.expires_at IS NULL OR tenant_feature_grants.expires_at > $4)
		)
		RETURNING feature_name
	`
	granted, err := queryStrings(ctx, tx, query, tenantID, plan, string(grantedBy), now)
	if err != nil {
		return nil, fmt.Errorf("failed to grant plan features: %w", err)
	}
	sort.Strings(granted)
	return granted, nil
}

func revokePlanTx(ctx context.Context, tx *sql.Tx, tenantID int64, now time.Time) ([]string, error) {
	query := `
		UPDATE tenant_feature_grants
		SET is_granted = FALSE, updated_at = $2
		WHERE tenant_id = $1 AND is_granted AND granted_by IN ('system', 'upgrade')
		RETURNING feature_name
	`
	revoked, err := queryStrings(ctx, tx, query, tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke plan grants: %w", err)
	}
	sort.Strings(revoked)
	return revoked, nil
}

// GrantFeaturesForPlan implements Store
func (s *PostgresStore) GrantFeaturesForPlan(ctx context.Context, tenantID int64, plan string, grantedBy GrantSource) (*ChangeSet, error) {
	if !grantedBy.PlanSourced() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidGrantSource, grantedBy)
	}

	changes := &ChangeSet{}
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		granted, err := grantPlanTx(ctx, tx, tenantID, plan, grantedBy, time.Now())
		if err != nil {
			return err
		}
		changes.Granted = granted
		return epoch.BumpTenant(ctx, tx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// GrantFeature implements Store
func (s *PostgresStore) GrantFeature(ctx context.Context, tenantID int64, feature string, grantedBy GrantSource, expiresAt *time.Time) error {
	if !grantedBy.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidGrantSource, grantedBy)
	}

	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM features WHERE name = $1)", feature).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check feature: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrFeatureNotFound, feature)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO tenant_feature_grants (tenant_id, feature_name, is_granted, granted_at, granted_by, source_plan, expires_at, updated_at)
			VALUES ($1, $2, TRUE, NOW(), $3, '', $4, NOW())
			ON CONFLICT (tenant_id, feature_name) DO UPDATE SET
				is_granted = TRUE,
				granted_at = NOW(),
				granted_by = EXCLUDED.granted_by,
				source_plan = '',
				expires_at = EXCLUDED.expires_at,
				updated_at = NOW()
			WHERE NOT (
				EXCLUDED.expires_at IS NOT NULL
				AND tenant_feature_grants.is_granted
				AND tenant_feature_grants.granted_by IN ('system', 'upgrade')
				AND tenant_feature_grants.expires_at IS NULL
			)
		`, tenantID, feature, string(grantedBy), expiresAt)
		if err != nil {
			return fmt.Errorf("failed to grant feature: %w", err)
		}

		return epoch.BumpTenant(ctx, tx, tenantID)
	})
}

// RevokeFeature implements Store
func (s *PostgresStore) RevokeFeature(ctx context.Context, tenantID int64, feature string) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"UPDATE tenant_feature_grants SET is_granted = FALSE, updated_at = NOW() WHERE tenant_id = $1 AND feature_name = $2 AND is_granted",
			tenantID, feature,
		)
		if err != nil {
			return fmt.Errorf("failed to revoke feature: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrGrantNotFound, feature)
		}

		return epoch.BumpTenant(ctx, tx, tenantID)
	})
}

// RevokePlanGrants implements Store
func (s *PostgresStore) RevokePlanGrants(ctx context.Context, tenantID int64) (*ChangeSet, error) {
	changes := &ChangeSet{}
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		revoked, err := revokePlanTx(ctx, tx, tenantID, time.Now())
		if err != nil {
			return err
		}
		changes.Revoked = revoked
		return epoch.BumpTenant(ctx, tx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// TenantHasFeature implements Store
func (s *PostgresStore) TenantHasFeature(ctx context.Context, tenantID int64, feature string, now time.Time) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM tenant_feature_grants
			WHERE tenant_id = $1 AND feature_name = $2 AND is_granted
			  AND (expires_at IS NULL OR expires_at > $3)
		)
	`
	var has bool
	if err := s.db.QueryRowContext(ctx, query, tenantID, feature, now).Scan(&has); err != nil {
		return false, fmt.Errorf("failed to check feature grant: %w", err)
	}
	return has, nil
}

// ListGrants implements Store
func (s *PostgresStore) ListGrants(ctx context.Context, tenantID int64) ([]Grant, error) {
	query := `
		SELECT tenant_id, feature_name, is_granted, granted_at, granted_by, source_plan, expires_at
		FROM tenant_feature_grants
		WHERE tenant_id = $1
		ORDER BY feature_name
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var g Grant
		var grantedBy string
		var expiresAt sql.NullTime
		if err := rows.Scan(&g.TenantID, &g.Feature, &g.IsGranted, &g.GrantedAt, &grantedBy, &g.SourcePlan, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.GrantedBy = GrantSource(grantedBy)
		if expiresAt.Valid {
			t := expiresAt.Time
			g.ExpiresAt = &t
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) permissionMap(ctx context.Context, query string, args ...interface{}) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = append(out[key], value)
	}
	return out, rows.Err()
}

// FeaturePermissions implements Store
func (s *PostgresStore) FeaturePermissions(ctx context.Context, features []string) (map[string][]string, error) {
	if len(features) == 0 {
		return map[string][]string{}, nil
	}
	out, err := s.permissionMap(ctx,
		"SELECT feature_name, permission_name FROM feature_permissions WHERE feature_name = ANY($1) ORDER BY feature_name, permission_name",
		pq.Array(features),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load feature permissions: %w", err)
	}
	return out, nil
}

// GatedPermissions implements Store
func (s *PostgresStore) GatedPermissions(ctx context.Context) (map[string][]string, error) {
	out, err := s.permissionMap(ctx,
		"SELECT permission_name, feature_name FROM feature_permissions ORDER BY permission_name, feature_name",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load gated permissions: %w", err)
	}
	return out, nil
}

// ApplyLifecycleEvent implements Store
func (s *PostgresStore) ApplyLifecycleEvent(ctx context.Context, event LifecycleEvent, op GrantOp) (*ChangeSet, error) {
	changes := &ChangeSet{}
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		now := time.Now()
		result, err := tx.ExecContext(ctx, `
			INSERT INTO lifecycle_events (event_id, tenant_id, event_type, plan_name, effective_at, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (event_id) DO NOTHING
		`, event.EventID, event.TenantID, event.EventType, event.PlanName, event.EffectiveAt, now)
		if err != nil {
			return fmt.Errorf("failed to record lifecycle event: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateLifecycleEvent, event.EventID)
		}

		if op.RevokePlanGrants {
			if changes.Revoked, err = revokePlanTx(ctx, tx, event.TenantID, now); err != nil {
				return err
			}
		}
		if op.GrantPlan != "" {
			if changes.Granted, err = grantPlanTx(ctx, tx, event.TenantID, op.GrantPlan, op.GrantedBy, now); err != nil {
				return err
			}
		}

		return epoch.BumpTenant(ctx, tx, event.TenantID)
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}
