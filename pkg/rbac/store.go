package rbac

import (
	"context"

	"github.com/platinummonkey/gatekeeper/pkg/catalog"
)

// Store persists roles, permissions and assignments. Every method that reads or
// writes tenant data takes the tenant id; system roles are visible to all tenants.
type Store interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, tenantID, roleID int64) (*Role, error)
	GetRoleByName(ctx context.Context, tenantID int64, name string) (*Role, error)
	ListRoles(ctx context.Context, tenantID int64) ([]Role, error)
	UpdateRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, tenantID, roleID int64) error

	// ReplaceRolePermissions atomically replaces the full permission set of a role.
	ReplaceRolePermissions(ctx context.Context, tenantID, roleID int64, permissionNames []string) error
	// RolePermissions returns the permission names of each role, keyed by role id.
	RolePermissions(ctx context.Context, tenantID int64, roleIDs []int64) (map[int64][]string, error)
	ListPermissions(ctx context.Context) ([]Permission, error)

	AssignRole(ctx context.Context, assignment *UserRoleAssignment) error
	RevokeRole(ctx context.Context, tenantID, userID, roleID int64) error
	ListUserRoles(ctx context.Context, tenantID, userID int64) ([]UserRoleAssignment, error)

	// SeedCatalog upserts catalog permissions and system roles.
	SeedCatalog(ctx context.Context, c *catalog.Catalog) error
}
