package delegation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/epoch"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

const (
	tenantID  int64 = 10
	otherTen  int64 = 20
	adminID   int64 = 1
	treasurer int64 = 2
	deputy    int64 = 3
	stranger  int64 = 4
)

// adminSet allows admin:roles for a fixed set of users
type adminSet map[int64]bool

func (a adminSet) Require(_ context.Context, actorID, _ int64, permission string) error {
	if a[actorID] {
		return nil
	}
	return fmt.Errorf("%w: %s", rbac.ErrPermissionDenied, permission)
}

type userInvalidations struct {
	users []int64
}

func (u *userInvalidations) InvalidateUser(_ context.Context, _ int64, userID int64) {
	u.users = append(u.users, userID)
}

func (u *userInvalidations) InvalidateTenant(context.Context, int64) {}

type fixture struct {
	epochs    *epoch.MemoryCounter
	roles     *rbac.MemoryStore
	store     *MemoryStore
	audit     *audit.MemoryLogger
	inval     *userInvalidations
	manager   *Manager
	clock     time.Time
	treasurer *rbac.Role
	member    *rbac.Role
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Default()
	require.NoError(t, err)

	f := &fixture{
		epochs: epoch.NewMemoryCounter(),
		audit:  audit.NewMemoryLogger(),
		inval:  &userInvalidations{},
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.roles = rbac.NewMemoryStore(f.epochs)
	require.NoError(t, f.roles.SeedCatalog(ctx, cat))
	f.store = NewMemoryStore(f.epochs)

	tenant := tenantID
	f.treasurer = &rbac.Role{
		Scope:         rbac.ScopeTenant,
		TenantID:      &tenant,
		Name:          "treasurer",
		IsDelegatable: true,
		Permissions:   []string{"finance:view", "finance:create"},
	}
	require.NoError(t, f.roles.CreateRole(ctx, f.treasurer))

	f.member, err = f.roles.GetRoleByName(ctx, tenantID, "tenant:member")
	require.NoError(t, err)

	require.NoError(t, f.roles.AssignRole(ctx, &rbac.UserRoleAssignment{UserID: treasurer, RoleID: f.treasurer.ID, TenantID: tenantID}))
	require.NoError(t, f.roles.AssignRole(ctx, &rbac.UserRoleAssignment{UserID: treasurer, RoleID: f.member.ID, TenantID: tenantID}))

	f.manager = NewManager(f.store, f.roles, adminSet{adminID: true}, f.audit, f.inval, nil)
	f.manager.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) request(endsIn time.Duration) CreateRequest {
	end := f.clock.Add(endsIn)
	return CreateRequest{
		DelegatorID: treasurer,
		DelegateeID: deputy,
		RoleID:      f.treasurer.ID,
		ScopeType:   ScopeGlobal,
		EndsAt:      &end,
		Reason:      "vacation cover",
	}
}

func TestDelegateRole(t *testing.T) {
	ctx := context.Background()

	t.Run("delegator delegates own role", func(t *testing.T) {
		f := newFixture(t)
		before, _ := f.epochs.Current(ctx, tenantID, deputy)

		d, err := f.manager.DelegateRole(ctx, treasurer, tenantID, f.request(72*time.Hour))
		require.NoError(t, err)
		assert.NotZero(t, d.ID)
		assert.Equal(t, StatusActive, d.Status)
		assert.Equal(t, f.clock, d.StartsAt)
		assert.True(t, d.ActiveAt(f.clock))

		after, _ := f.epochs.Current(ctx, tenantID, deputy)
		assert.Greater(t, after.User, before.User)
		assert.Equal(t, []int64{deputy}, f.inval.users)

		recs := f.audit.Records()
		require.Len(t, recs, 1)
		assert.Equal(t, audit.ActionDelegationCreate, recs[0].Action)
		assert.Equal(t, "vacation cover", recs[0].Reason)
	})

	t.Run("admin delegates on behalf of holder", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.DelegateRole(ctx, adminID, tenantID, f.request(time.Hour))
		require.NoError(t, err)
	})

	t.Run("other users cannot delegate someone else's role", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.DelegateRole(ctx, stranger, tenantID, f.request(time.Hour))
		assert.ErrorIs(t, err, rbac.ErrPermissionDenied)
	})

	t.Run("role must be delegatable", func(t *testing.T) {
		f := newFixture(t)
		req := f.request(time.Hour)
		req.RoleID = f.member.ID
		_, err := f.manager.DelegateRole(ctx, treasurer, tenantID, req)
		assert.ErrorIs(t, err, ErrRoleNotDelegatable)
	})

	t.Run("delegator must hold the role", func(t *testing.T) {
		f := newFixture(t)
		req := f.request(time.Hour)
		req.DelegatorID = stranger
		_, err := f.manager.DelegateRole(ctx, stranger, tenantID, req)
		assert.ErrorIs(t, err, ErrDelegatorLacksRole)
	})

	t.Run("delegatee cannot re-delegate", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.DelegateRole(ctx, treasurer, tenantID, f.request(time.Hour))
		require.NoError(t, err)

		req := f.request(time.Hour)
		req.DelegatorID = deputy
		req.DelegateeID = stranger
		_, err = f.manager.DelegateRole(ctx, deputy, tenantID, req)
		assert.ErrorIs(t, err, ErrDelegatorLacksRole)
	})

	t.Run("role from another tenant", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.DelegateRole(ctx, treasurer, otherTen, f.request(time.Hour))
		assert.ErrorIs(t, err, rbac.ErrTenantMismatch)
	})

	t.Run("window validation", func(t *testing.T) {
		f := newFixture(t)

		req := f.request(-time.Hour)
		_, err := f.manager.DelegateRole(ctx, treasurer, tenantID, req)
		assert.ErrorIs(t, err, ErrInvalidWindow)

		start := f.clock.Add(48 * time.Hour)
		req = f.request(24 * time.Hour)
		req.StartsAt = &start
		_, err = f.manager.DelegateRole(ctx, treasurer, tenantID, req)
		assert.ErrorIs(t, err, ErrInvalidWindow)

		req = f.request(time.Hour)
		req.EndsAt = nil
		d, err := f.manager.DelegateRole(ctx, treasurer, tenantID, req)
		require.NoError(t, err)
		assert.Nil(t, d.EndsAt)
	})

	t.Run("scope validation", func(t *testing.T) {
		f := newFixture(t)

		req := f.request(time.Hour)
		req.ScopeType = ScopeUnit
		_, err := f.manager.DelegateRole(ctx, treasurer, tenantID, req)
		assert.ErrorIs(t, err, ErrInvalidScope)

		req.ScopeType = "region"
		req.ScopeID = "1"
		_, err = f.manager.DelegateRole(ctx, treasurer, tenantID, req)
		assert.ErrorIs(t, err, ErrInvalidScope)

		req.ScopeType = ScopeUnit
		req.ScopeID = "42"
		d, err := f.manager.DelegateRole(ctx, treasurer, tenantID, req)
		require.NoError(t, err)
		assert.Equal(t, "unit:42", d.ScopeKey())
	})

	t.Run("self delegation", func(t *testing.T) {
		f := newFixture(t)
		req := f.request(time.Hour)
		req.DelegateeID = treasurer
		_, err := f.manager.DelegateRole(ctx, treasurer, tenantID, req)
		assert.ErrorIs(t, err, ErrSelfDelegation)
	})
}

func TestRevokeDelegation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d, err := f.manager.DelegateRole(ctx, treasurer, tenantID, f.request(72*time.Hour))
	require.NoError(t, err)

	_, err = f.manager.RevokeDelegation(ctx, stranger, tenantID, d.ID)
	assert.ErrorIs(t, err, rbac.ErrPermissionDenied)

	before, _ := f.epochs.Current(ctx, tenantID, deputy)
	revoked, err := f.manager.RevokeDelegation(ctx, treasurer, tenantID, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedBy)
	assert.Equal(t, treasurer, *revoked.RevokedBy)

	after, _ := f.epochs.Current(ctx, tenantID, deputy)
	assert.Greater(t, after.User, before.User)

	active, err := f.store.ListActiveForDelegatee(ctx, tenantID, deputy)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = f.manager.RevokeDelegation(ctx, treasurer, tenantID, d.ID)
	assert.ErrorIs(t, err, ErrDelegationExpiredOrRevoked)

	_, err = f.manager.RevokeDelegation(ctx, adminID, otherTen, d.ID)
	assert.ErrorIs(t, err, ErrDelegationNotFound)
}

func TestExpireDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	short, err := f.manager.DelegateRole(ctx, treasurer, tenantID, f.request(time.Hour))
	require.NoError(t, err)

	req := f.request(time.Hour)
	req.EndsAt = nil
	req.DelegateeID = stranger
	open, err := f.manager.DelegateRole(ctx, treasurer, tenantID, req)
	require.NoError(t, err)

	f.clock = f.clock.Add(2 * time.Hour)
	assert.False(t, short.ActiveAt(f.clock))

	// revoking a lapsed delegation fails even before the sweep runs
	_, err = f.manager.RevokeDelegation(ctx, treasurer, tenantID, short.ID)
	assert.ErrorIs(t, err, ErrDelegationExpiredOrRevoked)

	n, err := f.manager.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.manager.Get(ctx, tenantID, short.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	got, err = f.manager.Get(ctx, tenantID, open.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	expired, err := f.manager.ListForTenant(ctx, tenantID, StatusExpired)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, short.ID, expired[0].ID)

	all, err := f.manager.ListForTenant(ctx, tenantID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.manager.ListForTenant(ctx, tenantID, "pending")
	assert.Error(t, err)

	recs, err := f.audit.Query(ctx, audit.Filter{TenantID: tenantID, Actions: []audit.Action{audit.ActionDelegationExpire}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].ActorID)

	n, err = f.manager.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDelegation_ActiveAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(time.Hour)

	d := Delegation{Status: StatusActive, StartsAt: now, EndsAt: &end}
	assert.True(t, d.ActiveAt(now))
	assert.True(t, d.ActiveAt(end.Add(-time.Nanosecond)))
	assert.False(t, d.ActiveAt(end))
	assert.False(t, d.ActiveAt(now.Add(-time.Second)))

	d.Status = StatusRevoked
	assert.False(t, d.ActiveAt(now))

	open := Delegation{Status: StatusActive, StartsAt: now}
	assert.True(t, open.ActiveAt(now.Add(1000*time.Hour)))
	assert.Equal(t, "", open.ScopeKey())
}
