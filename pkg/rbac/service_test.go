package rbac

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/epoch"
)

// storeAuthorizer grants a permission when any of the actor's direct roles holds it
type storeAuthorizer struct {
	store Store
}

func (a storeAuthorizer) Require(ctx context.Context, actorID, tenantID int64, permission string) error {
	assignments, err := a.store.ListUserRoles(ctx, tenantID, actorID)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(assignments))
	for _, as := range assignments {
		ids = append(ids, as.RoleID)
	}
	perms, err := a.store.RolePermissions(ctx, tenantID, ids)
	if err != nil {
		return err
	}
	for _, names := range perms {
		for _, n := range names {
			if n == permission {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrPermissionDenied, permission)
}

type recordingInvalidator struct {
	users   []int64
	tenants []int64
}

func (r *recordingInvalidator) InvalidateUser(_ context.Context, _ int64, userID int64) {
	r.users = append(r.users, userID)
}

func (r *recordingInvalidator) InvalidateTenant(_ context.Context, tenantID int64) {
	r.tenants = append(r.tenants, tenantID)
}

type serviceFixture struct {
	store   *MemoryStore
	epochs  *epoch.MemoryCounter
	audit   *audit.MemoryLogger
	inval   *recordingInvalidator
	service *Service
}

const (
	tenantA  int64 = 10
	tenantB  int64 = 20
	owner    int64 = 1
	operator int64 = 900
)

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	cat, err := catalog.Default()
	require.NoError(t, err)

	epochs := epoch.NewMemoryCounter()
	store := NewMemoryStore(epochs)
	require.NoError(t, store.SeedCatalog(context.Background(), cat))

	f := &serviceFixture{
		store:  store,
		epochs: epochs,
		audit:  audit.NewMemoryLogger(),
		inval:  &recordingInvalidator{},
	}
	f.service = NewService(store, storeAuthorizer{store}, f.audit, f.inval, cat, nil)

	require.NoError(t, f.service.BootstrapOperator(context.Background(), operator))
	_, err = f.service.ProvisionDefaultRoles(context.Background(), operator, tenantA, owner)
	require.NoError(t, err)
	return f
}

func TestProvisionDefaultRoles(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	roles, err := f.service.ListRoles(ctx, tenantA)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, r := range roles {
		names[r.Name] = true
	}
	assert.True(t, names["treasurer"])
	assert.True(t, names["auditor"])
	assert.True(t, names[catalog.SystemAdminRole])

	assignments, err := f.service.ListEffectiveRolesForUser(ctx, tenantA, owner)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, catalog.SystemAdminRole, assignments[0].RoleName)

	t.Run("second call only fills gaps", func(t *testing.T) {
		res, err := f.service.ProvisionDefaultRoles(ctx, operator, tenantA, owner)
		require.NoError(t, err)
		assert.Empty(t, res.CreatedRoles)
		assert.False(t, res.OwnerAdded)
	})

	t.Run("tenant admin cannot provision", func(t *testing.T) {
		_, err := f.service.ProvisionDefaultRoles(ctx, owner, tenantA, 99)
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("actor without roles cannot claim a fresh tenant", func(t *testing.T) {
		const fresh, stranger int64 = 77, 999
		_, err := f.service.ProvisionDefaultRoles(ctx, stranger, fresh, stranger)
		assert.ErrorIs(t, err, ErrPermissionDenied)

		assignments, err := f.service.ListEffectiveRolesForUser(ctx, fresh, stranger)
		require.NoError(t, err)
		assert.Empty(t, assignments)
		_, err = f.store.GetRoleByName(ctx, fresh, "treasurer")
		assert.ErrorIs(t, err, ErrRoleNotFound)
	})

	t.Run("tenant left without an admin stays locked", func(t *testing.T) {
		admin, err := f.store.GetRoleByName(ctx, tenantA, catalog.SystemAdminRole)
		require.NoError(t, err)
		require.NoError(t, f.service.RevokeRole(ctx, owner, tenantA, owner, admin.ID))

		_, err = f.service.ProvisionDefaultRoles(ctx, 99, tenantA, 99)
		assert.ErrorIs(t, err, ErrPermissionDenied)

		res, err := f.service.ProvisionDefaultRoles(ctx, operator, tenantA, owner)
		require.NoError(t, err)
		assert.True(t, res.OwnerAdded)
	})

	t.Run("platform scope is not a tenant", func(t *testing.T) {
		_, err := f.service.ProvisionDefaultRoles(ctx, operator, PlatformTenant, owner)
		assert.ErrorIs(t, err, ErrPlatformScope)
	})

	t.Run("template roles are tenant scoped", func(t *testing.T) {
		rolesB, err := f.service.ListRoles(ctx, tenantB)
		require.NoError(t, err)
		for _, r := range rolesB {
			assert.True(t, r.IsSystem, "tenant B must not see tenant A role %s", r.Name)
		}
	})
}

func TestService_RequiresAdmin(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	outsider := int64(50)

	_, err := f.service.CreateRole(ctx, outsider, tenantA, CreateRoleRequest{Name: "clerk"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.service.AssignRole(ctx, outsider, tenantA, outsider, 1)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	t.Run("admin of another tenant is not an admin here", func(t *testing.T) {
		_, err := f.service.CreateRole(ctx, owner, tenantB, CreateRoleRequest{Name: "clerk"})
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})
}

func TestService_SystemRolesImmutable(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	admin, err := f.store.GetRoleByName(ctx, tenantA, catalog.SystemAdminRole)
	require.NoError(t, err)

	err = f.service.UpdateRolePermissions(ctx, owner, tenantA, admin.ID, []string{"finance:view"})
	assert.ErrorIs(t, err, ErrRoleImmutable)

	err = f.service.DeleteRole(ctx, owner, tenantA, admin.ID)
	assert.ErrorIs(t, err, ErrRoleImmutable)

	yes := true
	_, err = f.service.UpdateRole(ctx, owner, tenantA, admin.ID, RolePatch{IsDelegatable: &yes})
	assert.ErrorIs(t, err, ErrRoleImmutable)
}

func TestService_UpdateRolePermissions(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	treasurer, err := f.store.GetRoleByName(ctx, tenantA, "treasurer")
	require.NoError(t, err)

	before, _ := f.epochs.Current(ctx, tenantA, 0)

	err = f.service.UpdateRolePermissions(ctx, owner, tenantA, treasurer.ID, []string{"finance:view", "finance:create"})
	require.NoError(t, err)

	updated, err := f.store.GetRole(ctx, tenantA, treasurer.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"finance:create", "finance:view"}, updated.Permissions)

	after, _ := f.epochs.Current(ctx, tenantA, 0)
	assert.Greater(t, after.Tenant, before.Tenant)
	assert.Contains(t, f.inval.tenants, tenantA)

	t.Run("unknown permission leaves set unchanged", func(t *testing.T) {
		err := f.service.UpdateRolePermissions(ctx, owner, tenantA, treasurer.ID, []string{"finance:view", "nope:nope"})
		assert.ErrorIs(t, err, ErrPermissionNotFound)

		role, err := f.store.GetRole(ctx, tenantA, treasurer.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"finance:create", "finance:view"}, role.Permissions)
	})

	t.Run("maker checker pair rejected", func(t *testing.T) {
		err := f.service.UpdateRolePermissions(ctx, owner, tenantA, treasurer.ID, []string{"finance:create", "finance:approve"})
		assert.ErrorIs(t, err, ErrMakerCheckerConflict)
	})

	t.Run("other tenant role is a mismatch", func(t *testing.T) {
		_, err := f.service.ProvisionDefaultRoles(ctx, operator, tenantB, 2)
		require.NoError(t, err)
		roleB, err := f.store.GetRoleByName(ctx, tenantB, "treasurer")
		require.NoError(t, err)

		err = f.service.UpdateRolePermissions(ctx, owner, tenantA, roleB.ID, []string{"finance:view"})
		assert.ErrorIs(t, err, ErrTenantMismatch)
	})
}

func TestService_AssignAndRevoke(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	user := int64(7)

	treasurer, err := f.store.GetRoleByName(ctx, tenantA, "treasurer")
	require.NoError(t, err)

	_, err = f.service.AssignRole(ctx, owner, tenantA, user, treasurer.ID)
	require.NoError(t, err)

	stamp, _ := f.epochs.Current(ctx, tenantA, user)
	assert.Equal(t, int64(1), stamp.User)

	_, err = f.service.AssignRole(ctx, owner, tenantA, user, treasurer.ID)
	assert.ErrorIs(t, err, ErrDuplicateAssignment)

	roles, err := f.service.ListEffectiveRolesForUser(ctx, tenantA, user)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "treasurer", roles[0].RoleName)
	assert.True(t, roles[0].IsDelegatable)

	require.NoError(t, f.service.RevokeRole(ctx, owner, tenantA, user, treasurer.ID))
	roles, err = f.service.ListEffectiveRolesForUser(ctx, tenantA, user)
	require.NoError(t, err)
	assert.Empty(t, roles)

	assert.ErrorIs(t, f.service.RevokeRole(ctx, owner, tenantA, user, treasurer.ID), ErrAssignmentNotFound)

	actions := []audit.Action{}
	for _, r := range f.audit.Records() {
		if r.TenantID == tenantA && r.TargetID == "7" {
			actions = append(actions, r.Action)
		}
	}
	assert.Equal(t, []audit.Action{audit.ActionRoleAssign, audit.ActionRoleRevoke}, actions)
}

func TestService_CreateUpdateDeleteRole(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	role, err := f.service.CreateRole(ctx, owner, tenantA, CreateRoleRequest{
		Name:        "clerk",
		Permissions: []string{"members:view", "members:manage"},
	})
	require.NoError(t, err)
	assert.Equal(t, ScopeTenant, role.Scope)
	assert.Equal(t, "clerk", role.DisplayName)

	_, err = f.service.CreateRole(ctx, owner, tenantA, CreateRoleRequest{Name: "clerk"})
	assert.ErrorIs(t, err, ErrDuplicateRole)

	_, err = f.service.CreateRole(ctx, owner, tenantA, CreateRoleRequest{Name: "Bad Name"})
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = f.service.CreateRole(ctx, owner, tenantA, CreateRoleRequest{
		Name:        "omnipotent",
		Permissions: []string{"finance:create", "finance:approve"},
	})
	assert.ErrorIs(t, err, ErrMakerCheckerConflict)

	yes := true
	desc := "front desk"
	updated, err := f.service.UpdateRole(ctx, owner, tenantA, role.ID, RolePatch{IsDelegatable: &yes, Description: &desc})
	require.NoError(t, err)
	assert.True(t, updated.IsDelegatable)
	assert.Equal(t, "front desk", updated.Description)

	require.NoError(t, f.service.DeleteRole(ctx, owner, tenantA, role.ID))
	_, err = f.service.GetRole(ctx, tenantA, role.ID)
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestBootstrapOperator(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// repeated startup bootstraps are harmless
	require.NoError(t, f.service.BootstrapOperator(ctx, operator))

	assignments, err := f.service.ListEffectiveRolesForUser(ctx, PlatformTenant, operator)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, catalog.PlatformOperatorRole, assignments[0].RoleName)

	// operators hold nothing inside a tenant
	assert.ErrorIs(t, storeAuthorizer{f.store}.Require(ctx, operator, tenantA, PermAdminRoles), ErrPermissionDenied)
	assert.NoError(t, storeAuthorizer{f.store}.Require(ctx, operator, PlatformTenant, PermAdminEntitlements))
	assert.ErrorIs(t, storeAuthorizer{f.store}.Require(ctx, owner, PlatformTenant, PermAdminEntitlements), ErrPermissionDenied)

	opRole, err := f.store.GetRoleByName(ctx, tenantA, catalog.PlatformOperatorRole)
	require.NoError(t, err)
	_, err = f.service.AssignRole(ctx, owner, tenantA, owner, opRole.ID)
	assert.ErrorIs(t, err, ErrPlatformScope)

	admin, err := f.store.GetRoleByName(ctx, PlatformTenant, catalog.SystemAdminRole)
	require.NoError(t, err)
	_, err = f.service.assign(ctx, nil, PlatformTenant, 5, admin.ID)
	assert.ErrorIs(t, err, ErrPlatformScope)
}
