package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/delegation"
	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/epoch"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

const (
	tenantID int64 = 10
	other    int64 = 20
	alice    int64 = 1
	bob      int64 = 2
)

type world struct {
	epochs      *epoch.MemoryCounter
	roles       *rbac.MemoryStore
	delegations *delegation.MemoryStore
	ents        *entitlements.MemoryStore
	resolver    *Resolver
	clock       time.Time
	treasurer   *rbac.Role
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Default()
	require.NoError(t, err)

	w := &world{
		epochs: epoch.NewMemoryCounter(),
		clock:  time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	w.roles = rbac.NewMemoryStore(w.epochs)
	w.delegations = delegation.NewMemoryStore(w.epochs)
	w.ents = entitlements.NewMemoryStore(w.epochs)
	require.NoError(t, w.roles.SeedCatalog(ctx, cat))
	require.NoError(t, w.ents.SeedCatalog(ctx, cat))

	tenant := tenantID
	w.treasurer = &rbac.Role{
		Scope:         rbac.ScopeTenant,
		TenantID:      &tenant,
		Name:          "treasurer",
		IsDelegatable: true,
		Permissions:   []string{"finance:view", "finance:create", "finance:export"},
	}
	require.NoError(t, w.roles.CreateRole(ctx, w.treasurer))
	require.NoError(t, w.roles.AssignRole(ctx, &rbac.UserRoleAssignment{UserID: alice, RoleID: w.treasurer.ID, TenantID: tenantID}))

	w.resolver = New(w.roles, w.delegations, w.ents, w.epochs, nil)
	w.resolver.SetClock(func() time.Time { return w.clock })
	return w
}

func (w *world) delegate(t *testing.T, scope delegation.ScopeType, scopeID string, start time.Time, end *time.Time) *delegation.Delegation {
	t.Helper()
	d := &delegation.Delegation{
		TenantID:    tenantID,
		DelegatorID: alice,
		DelegateeID: bob,
		RoleID:      w.treasurer.ID,
		ScopeType:   scope,
		ScopeID:     scopeID,
		StartsAt:    start,
		EndsAt:      end,
	}
	require.NoError(t, w.delegations.Create(context.Background(), d))
	return d
}

func TestResolve_DirectAssignments(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	p, err := w.resolver.Resolve(ctx, tenantID, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"finance:create", "finance:export", "finance:view"}, p.Permissions)
	assert.True(t, p.HasPermission("finance:view", ""))
	assert.False(t, p.HasPermission("finance:approve", ""))
	assert.Nil(t, p.ValidUntil)
	assert.Equal(t, w.clock, p.ComputedAt)

	stamp, err := w.resolver.Stamp(ctx, tenantID, alice)
	require.NoError(t, err)
	assert.Equal(t, stamp, p.Epoch)

	// the same user has nothing in another tenant
	p, err = w.resolver.Resolve(ctx, other, alice)
	require.NoError(t, err)
	assert.Empty(t, p.Permissions)
}

func TestResolve_Delegations(t *testing.T) {
	ctx := context.Background()

	t.Run("global delegation within window", func(t *testing.T) {
		w := newWorld(t)
		end := w.clock.Add(72 * time.Hour)
		w.delegate(t, delegation.ScopeGlobal, "", w.clock.Add(-time.Hour), &end)

		p, err := w.resolver.Resolve(ctx, tenantID, bob)
		require.NoError(t, err)
		assert.True(t, p.HasPermission("finance:create", ""))
		require.NotNil(t, p.ValidUntil)
		assert.Equal(t, end, *p.ValidUntil)

		w.clock = end
		p, err = w.resolver.Resolve(ctx, tenantID, bob)
		require.NoError(t, err)
		assert.Empty(t, p.Permissions)
	})

	t.Run("future delegation bounds validity", func(t *testing.T) {
		w := newWorld(t)
		start := w.clock.Add(24 * time.Hour)
		w.delegate(t, delegation.ScopeGlobal, "", start, nil)

		p, err := w.resolver.Resolve(ctx, tenantID, bob)
		require.NoError(t, err)
		assert.Empty(t, p.Permissions)
		require.NotNil(t, p.ValidUntil)
		assert.Equal(t, start, *p.ValidUntil)
		assert.False(t, p.FreshAt(start))
	})

	t.Run("scoped delegation", func(t *testing.T) {
		w := newWorld(t)
		w.delegate(t, delegation.ScopeUnit, "42", w.clock.Add(-time.Hour), nil)

		p, err := w.resolver.Resolve(ctx, tenantID, bob)
		require.NoError(t, err)
		assert.Empty(t, p.Permissions)
		assert.True(t, p.HasPermission("finance:create", "unit:42"))
		assert.False(t, p.HasPermission("finance:create", "unit:7"))
		assert.False(t, p.HasPermission("finance:create", ""))
	})

	t.Run("revoked delegation", func(t *testing.T) {
		w := newWorld(t)
		d := w.delegate(t, delegation.ScopeGlobal, "", w.clock.Add(-time.Hour), nil)
		_, err := w.delegations.Revoke(ctx, tenantID, d.ID, alice, w.clock)
		require.NoError(t, err)

		p, err := w.resolver.Resolve(ctx, tenantID, bob)
		require.NoError(t, err)
		assert.Empty(t, p.Permissions)
	})

	t.Run("delegator lost the role", func(t *testing.T) {
		w := newWorld(t)
		w.delegate(t, delegation.ScopeGlobal, "", w.clock.Add(-time.Hour), nil)
		require.NoError(t, w.roles.RevokeRole(ctx, tenantID, alice, w.treasurer.ID))

		p, err := w.resolver.Resolve(ctx, tenantID, bob)
		require.NoError(t, err)
		assert.Empty(t, p.Permissions)
	})

	t.Run("role no longer delegatable", func(t *testing.T) {
		w := newWorld(t)
		w.delegate(t, delegation.ScopeGlobal, "", w.clock.Add(-time.Hour), nil)

		role, err := w.roles.GetRole(ctx, tenantID, w.treasurer.ID)
		require.NoError(t, err)
		role.IsDelegatable = false
		require.NoError(t, w.roles.UpdateRole(ctx, role))

		p, err := w.resolver.Resolve(ctx, tenantID, bob)
		require.NoError(t, err)
		assert.Empty(t, p.Permissions)
	})
}

func TestResolve_Licenses(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	_, err := w.ents.GrantFeaturesForPlan(ctx, tenantID, "starter", entitlements.GrantedBySystem)
	require.NoError(t, err)
	trialEnd := w.clock.Add(48 * time.Hour)
	require.NoError(t, w.ents.GrantFeature(ctx, tenantID, "approvals", entitlements.GrantedByAdmin, &trialEnd))

	p, err := w.resolver.Resolve(ctx, tenantID, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"approvals", "basic_donations"}, p.Features)
	assert.Equal(t, []string{"finance:approve", "finance:create"}, p.Licensed)
	assert.True(t, p.IsGated("finance:export"))
	assert.False(t, p.IsLicensed("finance:export"))
	assert.False(t, p.IsGated("finance:view"))
	assert.True(t, p.HasFeature("approvals"))
	require.NotNil(t, p.ValidUntil)
	assert.Equal(t, trialEnd, *p.ValidUntil)

	w.clock = trialEnd
	p, err = w.resolver.Resolve(ctx, tenantID, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"basic_donations"}, p.Features)
	assert.Nil(t, p.ValidUntil)
}

type failingSource struct{}

func (failingSource) Current(context.Context, int64, int64) (epoch.Stamp, error) {
	return epoch.Stamp{}, errors.New("connection refused")
}

type failingGrants struct {
	*entitlements.MemoryStore
}

func (failingGrants) ListGrants(context.Context, int64) ([]entitlements.Grant, error) {
	return nil, errors.New("connection reset")
}

func TestResolve_Errors(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	r := New(w.roles, w.delegations, w.ents, failingSource{}, nil)
	_, err := r.Resolve(ctx, tenantID, alice)
	assert.ErrorContains(t, err, "failed to read epoch")

	r = New(w.roles, w.delegations, failingGrants{w.ents}, w.epochs, nil)
	_, err = r.Resolve(ctx, tenantID, alice)
	assert.ErrorContains(t, err, "failed to load feature grants")
}
