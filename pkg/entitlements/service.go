package entitlements

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// Service applies administrative entitlement changes
type Service struct {
	store       Store
	authz       rbac.Authorizer
	auditLogger audit.Logger
	invalidator rbac.Invalidator
	logger      logrus.FieldLogger
	now         func() time.Time
}

// NewService creates an entitlement service. auditLogger, invalidator and logger may be nil.
func NewService(store Store, authz rbac.Authorizer, auditLogger audit.Logger, invalidator rbac.Invalidator, logger logrus.FieldLogger) *Service {
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		store:       store,
		authz:       authz,
		auditLogger: auditLogger,
		invalidator: invalidator,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *Service) invalidate(ctx context.Context, tenantID int64) {
	if s.invalidator != nil {
		s.invalidator.InvalidateTenant(ctx, tenantID)
	}
}

func (s *Service) audit(ctx context.Context, rec *audit.Record) {
	if err := s.auditLogger.Log(ctx, rec); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id":    rec.TenantID,
			"audit_action": rec.Action,
		}).Error("failed to write audit record")
	}
}

// GrantFeature manually licenses a feature for a tenant, optionally until expiresAt.
// Entitlement mutations are reserved to platform operators; tenants change
// their licensing through lifecycle events.
func (s *Service) GrantFeature(ctx context.Context, actorID, tenantID int64, feature string, expiresAt *time.Time) error {
	if err := s.authz.Require(ctx, actorID, rbac.PlatformTenant, rbac.PermAdminEntitlements); err != nil {
		return err
	}
	if err := s.store.GrantFeature(ctx, tenantID, feature, GrantedByAdmin, expiresAt); err != nil {
		return err
	}
	s.invalidate(ctx, tenantID)

	rec := audit.NewRecord(ctx, tenantID, audit.Actor(actorID), audit.ActionFeatureGrant, audit.OutcomeSuccess)
	rec.TargetType = audit.TargetFeature
	rec.TargetID = feature
	after := map[string]interface{}{"is_granted": true, "granted_by": GrantedByAdmin}
	if expiresAt != nil {
		after["expires_at"] = expiresAt.UTC()
	}
	rec.Changes = &audit.ChangeDetails{After: after}
	s.audit(ctx, rec)
	return nil
}

// RevokeFeature withdraws a tenant's grant for a feature regardless of its source
func (s *Service) RevokeFeature(ctx context.Context, actorID, tenantID int64, feature string) error {
	if err := s.authz.Require(ctx, actorID, rbac.PlatformTenant, rbac.PermAdminEntitlements); err != nil {
		return err
	}
	if err := s.store.RevokeFeature(ctx, tenantID, feature); err != nil {
		return err
	}
	s.invalidate(ctx, tenantID)

	rec := audit.NewRecord(ctx, tenantID, audit.Actor(actorID), audit.ActionFeatureRevoke, audit.OutcomeSuccess)
	rec.TargetType = audit.TargetFeature
	rec.TargetID = feature
	rec.Changes = &audit.ChangeDetails{After: map[string]interface{}{"is_granted": false}}
	s.audit(ctx, rec)
	return nil
}

// ProvisionPlan grants every feature of plan to the tenant. It is idempotent.
func (s *Service) ProvisionPlan(ctx context.Context, actorID, tenantID int64, plan string) (*ChangeSet, error) {
	if err := s.authz.Require(ctx, actorID, rbac.PlatformTenant, rbac.PermAdminEntitlements); err != nil {
		return nil, err
	}
	changes, err := s.store.GrantFeaturesForPlan(ctx, tenantID, plan, GrantedBySystem)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, tenantID)

	rec := audit.NewRecord(ctx, tenantID, audit.Actor(actorID), audit.ActionPlanProvision, audit.OutcomeSuccess)
	rec.TargetType = audit.TargetPlan
	rec.TargetID = plan
	rec.Metadata = map[string]interface{}{"granted": changes.Granted}
	s.audit(ctx, rec)

	s.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"plan":      plan,
		"granted":   len(changes.Granted),
	}).Info("provisioned plan features")
	return changes, nil
}

// AuthorizeRead lets tenant administrators and platform operators read a tenant's grants
func (s *Service) AuthorizeRead(ctx context.Context, actorID, tenantID int64) error {
	err := s.authz.Require(ctx, actorID, tenantID, rbac.PermAdminRoles)
	if err == nil || !errors.Is(err, rbac.ErrPermissionDenied) {
		return err
	}
	return s.authz.Require(ctx, actorID, rbac.PlatformTenant, rbac.PermAdminEntitlements)
}

// TenantHasFeature reports whether the tenant holds an effective grant for feature
func (s *Service) TenantHasFeature(ctx context.Context, tenantID int64, feature string) (bool, error) {
	return s.store.TenantHasFeature(ctx, tenantID, feature, s.now())
}

// ListGrants returns every grant row for the tenant, effective or not
func (s *Service) ListGrants(ctx context.Context, tenantID int64) ([]Grant, error) {
	return s.store.ListGrants(ctx, tenantID)
}

// ListFeatures returns the feature catalog
func (s *Service) ListFeatures(ctx context.Context) ([]FeatureInfo, error) {
	return s.store.ListFeatures(ctx)
}

// GetPlanFeatures returns the features bundled in plan
func (s *Service) GetPlanFeatures(ctx context.Context, plan string) ([]string, error) {
	return s.store.GetPlanFeatures(ctx, plan)
}
