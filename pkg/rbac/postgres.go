package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/epoch"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

const uniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const roleColumns = `r.id, r.scope, r.tenant_id, r.name, r.display_name, r.description, r.is_system, r.is_delegatable, r.created_at, r.updated_at, r.created_by`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner) (*Role, error) {
	var role Role
	var scope string
	var tenantID, createdBy sql.NullInt64

	err := row.Scan(
		&role.ID,
		&scope,
		&tenantID,
		&role.Name,
		&role.DisplayName,
		&role.Description,
		&role.IsSystem,
		&role.IsDelegatable,
		&role.CreatedAt,
		&role.UpdatedAt,
		&createdBy,
	)
	if err != nil {
		return nil, err
	}

	role.Scope = RoleScope(scope)
	if tenantID.Valid {
		id := tenantID.Int64
		role.TenantID = &id
	}
	if createdBy.Valid {
		id := createdBy.Int64
		role.CreatedBy = &id
	}
	return &role, nil
}

// CreateRole inserts a tenant role together with its permissions
func (s *PostgresStore) CreateRole(ctx context.Context, role *Role) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		query := `
			INSERT INTO roles (scope, tenant_id, name, display_name, description, is_system, is_delegatable, created_at, updated_at, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`

		now := time.Now()
		err := tx.QueryRowContext(ctx, query,
			string(role.Scope),
			role.TenantID,
			role.Name,
			role.DisplayName,
			role.Description,
			role.IsSystem,
			role.IsDelegatable,
			now,
			now,
			role.CreatedBy,
		).Scan(&role.ID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %s", ErrDuplicateRole, role.Name)
			}
			return fmt.Errorf("failed to create role: %w", err)
		}

		if len(role.Permissions) > 0 {
			if err := insertRolePermissions(ctx, tx, role.ID, role.Permissions); err != nil {
				return err
			}
		}

		role.CreatedAt = now
		role.UpdatedAt = now
		return nil
	})
}

// GetRole retrieves a role visible to tenantID
func (s *PostgresStore) GetRole(ctx context.Context, tenantID, roleID int64) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles r WHERE r.id = $1`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, roleID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	if !role.VisibleTo(tenantID) {
		return nil, fmt.Errorf("%w: role %d", ErrTenantMismatch, roleID)
	}

	perms, err := s.RolePermissions(ctx, tenantID, []int64{role.ID})
	if err != nil {
		return nil, err
	}
	role.Permissions = perms[role.ID]
	return role, nil
}

// GetRoleByName retrieves a role by name, preferring the tenant's own role
func (s *PostgresStore) GetRoleByName(ctx context.Context, tenantID int64, name string) (*Role, error) {
	query := `
		SELECT ` + roleColumns + `
		FROM roles r
		WHERE r.name = $1 AND (r.tenant_id IS NULL OR r.tenant_id = $2)
		ORDER BY r.tenant_id NULLS LAST
		LIMIT 1
	`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, name, tenantID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	perms, err := s.RolePermissions(ctx, tenantID, []int64{role.ID})
	if err != nil {
		return nil, err
	}
	role.Permissions = perms[role.ID]
	return role, nil
}

// ListRoles lists system roles and the tenant's own roles
func (s *PostgresStore) ListRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	query := `
		SELECT ` + roleColumns + `
		FROM roles r
		WHERE r.tenant_id IS NULL OR r.tenant_id = $1
		ORDER BY r.is_system DESC, r.name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	var ids []int64
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
		ids = append(ids, role.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating roles: %w", err)
	}

	if len(ids) == 0 {
		return roles, nil
	}

	perms, err := s.RolePermissions(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}
	for i := range roles {
		roles[i].Permissions = perms[roles[i].ID]
	}
	return roles, nil
}

// UpdateRole updates role metadata and bumps the tenant epoch
func (s *PostgresStore) UpdateRole(ctx context.Context, role *Role) error {
	if role.TenantID == nil {
		return ErrRoleImmutable
	}

	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		query := `
			UPDATE roles
			SET display_name = $1, description = $2, is_delegatable = $3, updated_at = $4
			WHERE id = $5 AND tenant_id = $6 AND is_system = false
		`

		now := time.Now()
		result, err := tx.ExecContext(ctx, query,
			role.DisplayName,
			role.Description,
			role.IsDelegatable,
			now,
			role.ID,
			*role.TenantID,
		)
		if err != nil {
			return fmt.Errorf("failed to update role: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %d", ErrRoleNotFound, role.ID)
		}

		role.UpdatedAt = now
		return epoch.BumpTenant(ctx, tx, *role.TenantID)
	})
}

// DeleteRole deletes a tenant role and its assignments
func (s *PostgresStore) DeleteRole(ctx context.Context, tenantID, roleID int64) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"DELETE FROM roles WHERE id = $1 AND tenant_id = $2 AND is_system = false",
			roleID, tenantID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
		}
		return epoch.BumpTenant(ctx, tx, tenantID)
	})
}

// ReplaceRolePermissions deletes and re-inserts the role's permissions in one transaction
func (s *PostgresStore) ReplaceRolePermissions(ctx context.Context, tenantID, roleID int64, permissionNames []string) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var isSystem bool
		var owner sql.NullInt64
		err := tx.QueryRowContext(ctx,
			"SELECT is_system, tenant_id FROM roles WHERE id = $1 FOR UPDATE",
			roleID,
		).Scan(&isSystem, &owner)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock role: %w", err)
		}
		if isSystem || !owner.Valid {
			return ErrRoleImmutable
		}
		if owner.Int64 != tenantID {
			return fmt.Errorf("%w: role %d", ErrTenantMismatch, roleID)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM role_permissions WHERE role_id = $1", roleID); err != nil {
			return fmt.Errorf("failed to clear role permissions: %w", err)
		}

		if len(permissionNames) > 0 {
			if err := insertRolePermissions(ctx, tx, roleID, permissionNames); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, "UPDATE roles SET updated_at = NOW() WHERE id = $1", roleID); err != nil {
			return fmt.Errorf("failed to touch role: %w", err)
		}

		return epoch.BumpTenant(ctx, tx, tenantID)
	})
}

// insertRolePermissions resolves permission names and links them to the role.
// Unknown names fail the whole call.
func insertRolePermissions(ctx context.Context, tx *sql.Tx, roleID int64, names []string) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT id, name FROM permissions WHERE name = ANY($1)",
		pq.Array(names),
	)
	if err != nil {
		return fmt.Errorf("failed to resolve permissions: %w", err)
	}

	found := make(map[string]int64, len(names))
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan permission: %w", err)
		}
		found[name] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating permissions: %w", err)
	}

	var missing []string
	ids := make([]int64, 0, len(found))
	for _, name := range dedupe(names) {
		id, ok := found[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		ids = append(ids, id)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrPermissionNotFound, strings.Join(missing, ", "))
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO role_permissions (role_id, permission_id) SELECT $1, unnest($2::bigint[])",
		roleID, pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to insert role permissions: %w", err)
	}
	return nil
}

// RolePermissions returns permission names for roles visible to tenantID
func (s *PostgresStore) RolePermissions(ctx context.Context, tenantID int64, roleIDs []int64) (map[int64][]string, error) {
	query := `
		SELECT rp.role_id, p.name
		FROM role_permissions rp
		JOIN roles r ON r.id = rp.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = ANY($1) AND (r.tenant_id IS NULL OR r.tenant_id = $2)
		ORDER BY rp.role_id, p.name
	`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(roleIDs), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get role permissions: %w", err)
	}
	defer rows.Close()

	result := make(map[int64][]string, len(roleIDs))
	for rows.Next() {
		var roleID int64
		var name string
		if err := rows.Scan(&roleID, &name); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		result[roleID] = append(result[roleID], name)
	}
	return result, rows.Err()
}

// ListPermissions lists the permission catalog
func (s *PostgresStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, category, description, created_at FROM permissions ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// AssignRole assigns a role to a user and bumps the user epoch
func (s *PostgresStore) AssignRole(ctx context.Context, assignment *UserRoleAssignment) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		query := `
			INSERT INTO user_roles (user_id, role_id, tenant_id, granted_by, granted_at)
			SELECT $1, r.id, $3, $4, $5
			FROM roles r
			WHERE r.id = $2 AND (r.tenant_id IS NULL OR r.tenant_id = $3)
			RETURNING id
		`

		now := time.Now()
		err := tx.QueryRowContext(ctx, query,
			assignment.UserID,
			assignment.RoleID,
			assignment.TenantID,
			assignment.GrantedBy,
			now,
		).Scan(&assignment.ID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: role %d", ErrTenantMismatch, assignment.RoleID)
		}
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return ErrDuplicateAssignment
			}
			return fmt.Errorf("failed to assign role: %w", err)
		}

		assignment.GrantedAt = now
		return epoch.Bump(ctx, tx, assignment.TenantID, assignment.UserID)
	})
}

// RevokeRole removes an assignment and bumps the tenant epoch
func (s *PostgresStore) RevokeRole(ctx context.Context, tenantID, userID, roleID int64) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2 AND tenant_id = $3",
			userID, roleID, tenantID,
		)
		if err != nil {
			return fmt.Errorf("failed to revoke role: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrAssignmentNotFound
		}
		return epoch.BumpTenant(ctx, tx, tenantID)
	})
}

// ListUserRoles lists a user's direct assignments within a tenant
func (s *PostgresStore) ListUserRoles(ctx context.Context, tenantID, userID int64) ([]UserRoleAssignment, error) {
	query := `
		SELECT ur.id, ur.user_id, ur.role_id, ur.tenant_id, r.name, r.is_delegatable, ur.granted_by, ur.granted_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.tenant_id = $1 AND ur.user_id = $2
		  AND (r.tenant_id IS NULL OR r.tenant_id = $1)
		ORDER BY ur.granted_at
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	defer rows.Close()

	var assignments []UserRoleAssignment
	for rows.Next() {
		var a UserRoleAssignment
		var grantedBy sql.NullInt64
		err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.TenantID, &a.RoleName, &a.IsDelegatable, &grantedBy, &a.GrantedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user role: %w", err)
		}
		if grantedBy.Valid {
			id := grantedBy.Int64
			a.GrantedBy = &id
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// SeedCatalog upserts permissions and system roles, then bumps the global epoch
func (s *PostgresStore) SeedCatalog(ctx context.Context, c *catalog.Catalog) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, p := range c.Permissions {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO permissions (name, category, description)
				VALUES ($1, $2, $3)
				ON CONFLICT (name) DO UPDATE SET category = EXCLUDED.category, description = EXCLUDED.description
			`, p.Name, p.Category, p.Description)
			if err != nil {
				return fmt.Errorf("failed to seed permission %s: %w", p.Name, err)
			}
		}

		for _, def := range c.SystemRoles {
			var roleID int64
			err := tx.QueryRowContext(ctx, `
				INSERT INTO roles (scope, tenant_id, name, display_name, description, is_system, is_delegatable)
				VALUES ('system', NULL, $1, $2, $3, true, $4)
				ON CONFLICT (name) WHERE tenant_id IS NULL
				DO UPDATE SET display_name = EXCLUDED.display_name, description = EXCLUDED.description,
					is_delegatable = EXCLUDED.is_delegatable, updated_at = NOW()
				RETURNING id
			`, def.Name, def.DisplayName, def.Description, def.Delegatable).Scan(&roleID)
			if err != nil {
				return fmt.Errorf("failed to seed role %s: %w", def.Name, err)
			}

			if _, err := tx.ExecContext(ctx, "DELETE FROM role_permissions WHERE role_id = $1", roleID); err != nil {
				return fmt.Errorf("failed to clear role permissions: %w", err)
			}
			if len(def.Permissions) > 0 {
				if err := insertRolePermissions(ctx, tx, roleID, def.Permissions); err != nil {
					return err
				}
			}
		}

		return epoch.Bump(ctx, tx, epoch.GlobalTenant, 0)
	})
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
