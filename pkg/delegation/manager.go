package delegation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// Manager creates, revokes and expires delegations
type Manager struct {
	store       Store
	roles       rbac.Store
	authz       rbac.Authorizer
	auditLogger audit.Logger
	invalidator rbac.Invalidator
	logger      logrus.FieldLogger
	now         func() time.Time
}

// NewManager creates a delegation manager. auditLogger, invalidator and logger may be nil.
func NewManager(store Store, roles rbac.Store, authz rbac.Authorizer, auditLogger audit.Logger, invalidator rbac.Invalidator, logger logrus.FieldLogger) *Manager {
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	if invalidator == nil {
		invalidator = nopInvalidator{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		store:       store,
		roles:       roles,
		authz:       authz,
		auditLogger: auditLogger,
		invalidator: invalidator,
		logger:      logger,
		now:         time.Now,
	}
}

type nopInvalidator struct{}

func (nopInvalidator) InvalidateUser(context.Context, int64, int64) {}
func (nopInvalidator) InvalidateTenant(context.Context, int64)      {}

// SetClock overrides the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// authorizeFor lets actors act on their own delegations; anyone else needs admin:roles
func (m *Manager) authorizeFor(ctx context.Context, actorID, tenantID, delegatorID int64) error {
	if actorID == delegatorID {
		return nil
	}
	return m.authz.Require(ctx, actorID, tenantID, rbac.PermAdminRoles)
}

func (m *Manager) audit(ctx context.Context, rec *audit.Record) {
	if err := m.auditLogger.Log(ctx, rec); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id":    rec.TenantID,
			"audit_action": rec.Action,
		}).Error("failed to write audit record")
	}
}

func (m *Manager) validate(req *CreateRequest, now time.Time) error {
	if req.DelegatorID == req.DelegateeID {
		return ErrSelfDelegation
	}

	if req.ScopeType == "" {
		req.ScopeType = ScopeGlobal
	}
	if !req.ScopeType.Valid() {
		return fmt.Errorf("%w: unknown scope type %q", ErrInvalidScope, req.ScopeType)
	}
	if req.ScopeType == ScopeGlobal {
		req.ScopeID = ""
	} else if req.ScopeID == "" {
		return fmt.Errorf("%w: %s scope requires a scope id", ErrInvalidScope, req.ScopeType)
	}

	if req.StartsAt == nil {
		start := now
		req.StartsAt = &start
	}
	if req.EndsAt != nil {
		if req.EndsAt.Before(*req.StartsAt) {
			return fmt.Errorf("%w: end precedes start", ErrInvalidWindow)
		}
		if !req.EndsAt.After(now) {
			return fmt.Errorf("%w: end is in the past", ErrInvalidWindow)
		}
	}
	return nil
}

// holdsDirectly reports whether userID has a direct assignment of roleID.
// Delegated roles never count, so delegatees cannot re-delegate.
func (m *Manager) holdsDirectly(ctx context.Context, tenantID, userID, roleID int64) (bool, error) {
	assignments, err := m.roles.ListUserRoles(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	for _, a := range assignments {
		if a.RoleID == roleID {
			return true, nil
		}
	}
	return false, nil
}

// DelegateRole grants req.RoleID from the delegator to the delegatee within
// tenantID. The actor must be the delegator or a tenant administrator.
func (m *Manager) DelegateRole(ctx context.Context, actorID, tenantID int64, req CreateRequest) (*Delegation, error) {
	if err := m.authorizeFor(ctx, actorID, tenantID, req.DelegatorID); err != nil {
		return nil, err
	}

	now := m.now()
	if err := m.validate(&req, now); err != nil {
		return nil, err
	}

	role, err := m.roles.GetRole(ctx, tenantID, req.RoleID)
	if err != nil {
		return nil, err
	}
	if !role.IsDelegatable {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotDelegatable, role.Name)
	}

	held, err := m.holdsDirectly(ctx, tenantID, req.DelegatorID, req.RoleID)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("%w: user %d, role %s", ErrDelegatorLacksRole, req.DelegatorID, role.Name)
	}

	d := &Delegation{
		TenantID:    tenantID,
		DelegatorID: req.DelegatorID,
		DelegateeID: req.DelegateeID,
		RoleID:      req.RoleID,
		ScopeType:   req.ScopeType,
		ScopeID:     req.ScopeID,
		StartsAt:    *req.StartsAt,
		EndsAt:      req.EndsAt,
		Reason:      req.Reason,
	}
	if err := m.store.Create(ctx, d); err != nil {
		return nil, err
	}
	m.invalidator.InvalidateUser(ctx, tenantID, d.DelegateeID)

	rec := audit.NewRecord(ctx, tenantID, audit.Actor(actorID), audit.ActionDelegationCreate, audit.OutcomeSuccess)
	rec.TargetType = audit.TargetDelegation
	rec.TargetID = strconv.FormatInt(d.ID, 10)
	rec.Reason = d.Reason
	rec.Metadata = map[string]interface{}{
		"delegator_id": d.DelegatorID,
		"delegatee_id": d.DelegateeID,
		"role":         role.Name,
		"scope":        d.ScopeKey(),
	}
	m.audit(ctx, rec)

	return d, nil
}

// RevokeDelegation ends a delegation immediately. When it returns, the
// delegatee's epoch has advanced and the local projection is evicted.
func (m *Manager) RevokeDelegation(ctx context.Context, actorID, tenantID, id int64) (*Delegation, error) {
	current, err := m.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := m.authorizeFor(ctx, actorID, tenantID, current.DelegatorID); err != nil {
		return nil, err
	}

	d, err := m.store.Revoke(ctx, tenantID, id, actorID, m.now())
	if err != nil {
		return nil, err
	}
	m.invalidator.InvalidateUser(ctx, tenantID, d.DelegateeID)

	rec := audit.NewRecord(ctx, tenantID, audit.Actor(actorID), audit.ActionDelegationRevoke, audit.OutcomeSuccess)
	rec.TargetType = audit.TargetDelegation
	rec.TargetID = strconv.FormatInt(d.ID, 10)
	rec.Changes = &audit.ChangeDetails{
		Before: map[string]interface{}{"status": StatusActive},
		After:  map[string]interface{}{"status": StatusRevoked},
	}
	m.audit(ctx, rec)

	return d, nil
}

// ExpireDue marks end-dated delegations expired. Resolution already ignores
// them, so this only keeps stored status accurate.
func (m *Manager) ExpireDue(ctx context.Context) (int, error) {
	expired, err := m.store.ExpireDue(ctx, m.now())
	if err != nil {
		return 0, err
	}

	for i := range expired {
		d := &expired[i]
		m.invalidator.InvalidateUser(ctx, d.TenantID, d.DelegateeID)

		rec := audit.NewRecord(ctx, d.TenantID, nil, audit.ActionDelegationExpire, audit.OutcomeSuccess)
		rec.TargetType = audit.TargetDelegation
		rec.TargetID = strconv.FormatInt(d.ID, 10)
		m.audit(ctx, rec)
	}

	if len(expired) > 0 {
		m.logger.WithField("count", len(expired)).Info("expired delegations")
	}
	return len(expired), nil
}

// Get returns one delegation
func (m *Manager) Get(ctx context.Context, tenantID, id int64) (*Delegation, error) {
	return m.store.Get(ctx, tenantID, id)
}

// ListForTenant lists a tenant's delegations, optionally filtered by status
func (m *Manager) ListForTenant(ctx context.Context, tenantID int64, status Status) ([]Delegation, error) {
	if status != "" && status != StatusActive && status != StatusRevoked && status != StatusExpired {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return m.store.ListForTenant(ctx, tenantID, status)
}
