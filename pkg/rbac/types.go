package rbac

import (
	"time"
)

// RoleScope identifies whether a role is shared by every tenant or owned by one
type RoleScope string

const (
	ScopeSystem RoleScope = "system"
	ScopeTenant RoleScope = "tenant"
)

// Administrative permissions checked before mutations. PermAdminEntitlements
// and PermPlatformTenants are only ever checked in PlatformTenant.
const (
	PermAdminRoles        = "admin:roles"
	PermAdminEntitlements = "admin:entitlements"
	PermAdminAudit        = "admin:audit"
	PermPlatformTenants   = "platform:tenants"
)

// PlatformTenant is the scope operator assignments live in. No customer
// tenant uses it, so tenant administrators never hold permissions there.
const PlatformTenant int64 = 0

// Permission is an immutable catalog permission
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role is a named set of permissions
type Role struct {
	ID            int64     `json:"id"`
	Scope         RoleScope `json:"scope"`
	TenantID      *int64    `json:"tenant_id,omitempty"` // nil for system roles
	Name          string    `json:"name"`
	DisplayName   string    `json:"display_name"`
	Description   string    `json:"description"`
	IsSystem      bool      `json:"is_system"`
	IsDelegatable bool      `json:"is_delegatable"`
	Permissions   []string  `json:"permissions"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CreatedBy     *int64    `json:"created_by,omitempty"`
}

// VisibleTo reports whether the role may be used within tenantID
func (r *Role) VisibleTo(tenantID int64) bool {
	return r.TenantID == nil || *r.TenantID == tenantID
}

// UserRoleAssignment binds a user to a role within a tenant
type UserRoleAssignment struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	RoleID        int64     `json:"role_id"`
	TenantID      int64     `json:"tenant_id"`
	RoleName      string    `json:"role_name"`
	IsDelegatable bool      `json:"is_delegatable"`
	GrantedBy     *int64    `json:"granted_by,omitempty"`
	GrantedAt     time.Time `json:"granted_at"`
}

// CreateRoleRequest describes a new tenant role
type CreateRoleRequest struct {
	Name          string   `json:"name"`
	DisplayName   string   `json:"display_name"`
	Description   string   `json:"description"`
	IsDelegatable bool     `json:"is_delegatable"`
	Permissions   []string `json:"permissions"`
}

// RolePatch updates role metadata. Nil fields are left unchanged.
type RolePatch struct {
	DisplayName   *string `json:"display_name,omitempty"`
	Description   *string `json:"description,omitempty"`
	IsDelegatable *bool   `json:"is_delegatable,omitempty"`
}
