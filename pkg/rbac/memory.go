package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/epoch"
)

type assignmentKey struct {
	userID   int64
	roleID   int64
	tenantID int64
}

// MemoryStore is an in-process Store. Epoch bumps happen under the same lock as
// the mutation.
type MemoryStore struct {
	mu          sync.RWMutex
	epochs      *epoch.MemoryCounter
	permissions map[string]Permission
	roles       map[int64]*Role
	rolePerms   map[int64]map[string]bool
	assignments map[assignmentKey]UserRoleAssignment
	nextID      int64
}

// NewMemoryStore creates an empty MemoryStore sharing the given counters
func NewMemoryStore(epochs *epoch.MemoryCounter) *MemoryStore {
	return &MemoryStore{
		epochs:      epochs,
		permissions: make(map[string]Permission),
		roles:       make(map[int64]*Role),
		rolePerms:   make(map[int64]map[string]bool),
		assignments: make(map[assignmentKey]UserRoleAssignment),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) nameTaken(tenantID *int64, name string) bool {
	for _, r := range s.roles {
		if r.Name != name {
			continue
		}
		if (r.TenantID == nil && tenantID == nil) || (r.TenantID != nil && tenantID != nil && *r.TenantID == *tenantID) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) resolve(names []string) (map[string]bool, error) {
	set := make(map[string]bool, len(names))
	var missing []string
	for _, n := range names {
		if _, ok := s.permissions[n]; !ok {
			missing = append(missing, n)
			continue
		}
		set[n] = true
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrPermissionNotFound, strings.Join(missing, ", "))
	}
	return set, nil
}

func (s *MemoryStore) snapshot(r *Role) *Role {
	out := *r
	out.Permissions = sortedKeys(s.rolePerms[r.ID])
	return &out
}

// CreateRole implements Store
func (s *MemoryStore) CreateRole(_ context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nameTaken(role.TenantID, role.Name) {
		return fmt.Errorf("%w: %s", ErrDuplicateRole, role.Name)
	}
	perms, err := s.resolve(role.Permissions)
	if err != nil {
		return err
	}

	now := time.Now()
	role.ID = s.id()
	role.CreatedAt = now
	role.UpdatedAt = now

	stored := *role
	stored.Permissions = nil
	s.roles[role.ID] = &stored
	s.rolePerms[role.ID] = perms
	return nil
}

// GetRole implements Store
func (s *MemoryStore) GetRole(_ context.Context, tenantID, roleID int64) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.roles[roleID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}
	if !r.VisibleTo(tenantID) {
		return nil, fmt.Errorf("%w: role %d", ErrTenantMismatch, roleID)
	}
	return s.snapshot(r), nil
}

// GetRoleByName implements Store
func (s *MemoryStore) GetRoleByName(_ context.Context, tenantID int64, name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Role
	for _, r := range s.roles {
		if r.Name != name || !r.VisibleTo(tenantID) {
			continue
		}
		if found == nil || r.TenantID != nil {
			found = r
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return s.snapshot(found), nil
}

// ListRoles implements Store
func (s *MemoryStore) ListRoles(_ context.Context, tenantID int64) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var roles []Role
	for _, r := range s.roles {
		if r.VisibleTo(tenantID) {
			roles = append(roles, *s.snapshot(r))
		}
	}
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].IsSystem != roles[j].IsSystem {
			return roles[i].IsSystem
		}
		return roles[i].Name < roles[j].Name
	})
	return roles, nil
}

// UpdateRole implements Store
func (s *MemoryStore) UpdateRole(_ context.Context, role *Role) error {
	if role.TenantID == nil {
		return ErrRoleImmutable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roles[role.ID]
	if !ok || r.IsSystem || r.TenantID == nil || *r.TenantID != *role.TenantID {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, role.ID)
	}

	r.DisplayName = role.DisplayName
	r.Description = role.Description
	r.IsDelegatable = role.IsDelegatable
	r.UpdatedAt = time.Now()
	role.UpdatedAt = r.UpdatedAt

	s.epochs.BumpTenant(*role.TenantID)
	return nil
}

// DeleteRole implements Store
func (s *MemoryStore) DeleteRole(_ context.Context, tenantID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roles[roleID]
	if !ok || r.IsSystem || r.TenantID == nil || *r.TenantID != tenantID {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}

	delete(s.roles, roleID)
	delete(s.rolePerms, roleID)
	for k := range s.assignments {
		if k.roleID == roleID {
			delete(s.assignments, k)
		}
	}

	s.epochs.BumpTenant(tenantID)
	return nil
}

// ReplaceRolePermissions implements Store
func (s *MemoryStore) ReplaceRolePermissions(_ context.Context, tenantID, roleID int64, permissionNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roles[roleID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}
	if r.IsSystem || r.TenantID == nil {
		return ErrRoleImmutable
	}
	if *r.TenantID != tenantID {
		return fmt.Errorf("%w: role %d", ErrTenantMismatch, roleID)
	}

	perms, err := s.resolve(permissionNames)
	if err != nil {
		return err
	}

	s.rolePerms[roleID] = perms
	r.UpdatedAt = time.Now()
	s.epochs.BumpTenant(tenantID)
	return nil
}

// RolePermissions implements Store
func (s *MemoryStore) RolePermissions(_ context.Context, tenantID int64, roleIDs []int64) (map[int64][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[int64][]string, len(roleIDs))
	for _, id := range roleIDs {
		r, ok := s.roles[id]
		if !ok || !r.VisibleTo(tenantID) {
			continue
		}
		if perms := sortedKeys(s.rolePerms[id]); len(perms) > 0 {
			result[id] = perms
		}
	}
	return result, nil
}

// ListPermissions implements Store
func (s *MemoryStore) ListPermissions(_ context.Context) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perms := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

// AssignRole implements Store
func (s *MemoryStore) AssignRole(_ context.Context, assignment *UserRoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roles[assignment.RoleID]
	if !ok || !r.VisibleTo(assignment.TenantID) {
		return fmt.Errorf("%w: role %d", ErrTenantMismatch, assignment.RoleID)
	}

	key := assignmentKey{assignment.UserID, assignment.RoleID, assignment.TenantID}
	if _, exists := s.assignments[key]; exists {
		return ErrDuplicateAssignment
	}

	assignment.ID = s.id()
	assignment.GrantedAt = time.Now()
	s.assignments[key] = *assignment

	s.epochs.Bump(assignment.TenantID, assignment.UserID)
	return nil
}

// RevokeRole implements Store
func (s *MemoryStore) RevokeRole(_ context.Context, tenantID, userID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey{userID, roleID, tenantID}
	if _, exists := s.assignments[key]; !exists {
		return ErrAssignmentNotFound
	}
	delete(s.assignments, key)

	s.epochs.BumpTenant(tenantID)
	return nil
}

// ListUserRoles implements Store
func (s *MemoryStore) ListUserRoles(_ context.Context, tenantID, userID int64) ([]UserRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []UserRoleAssignment
	for k, a := range s.assignments {
		if k.tenantID != tenantID || k.userID != userID {
			continue
		}
		r, ok := s.roles[k.roleID]
		if !ok || !r.VisibleTo(tenantID) {
			continue
		}
		a.RoleName = r.Name
		a.IsDelegatable = r.IsDelegatable
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SeedCatalog implements Store
func (s *MemoryStore) SeedCatalog(_ context.Context, c *catalog.Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, p := range c.Permissions {
		existing, ok := s.permissions[p.Name]
		if !ok {
			existing = Permission{ID: s.id(), Name: p.Name, CreatedAt: now}
		}
		existing.Category = p.Category
		existing.Description = p.Description
		s.permissions[p.Name] = existing
	}

	for _, def := range c.SystemRoles {
		perms, err := s.resolve(def.Permissions)
		if err != nil {
			return err
		}

		var role *Role
		for _, r := range s.roles {
			if r.TenantID == nil && r.Name == def.Name {
				role = r
				break
			}
		}
		if role == nil {
			role = &Role{ID: s.id(), Scope: ScopeSystem, Name: def.Name, IsSystem: true, CreatedAt: now}
			s.roles[role.ID] = role
		}
		role.DisplayName = def.DisplayName
		role.Description = def.Description
		role.IsDelegatable = def.Delegatable
		role.UpdatedAt = now
		s.rolePerms[role.ID] = perms
	}

	s.epochs.BumpGlobal()
	return nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
