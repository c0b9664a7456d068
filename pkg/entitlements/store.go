package entitlements

import (
	"context"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/catalog"
)

// Store persists the feature catalog, plan bundles and tenant grants. Every
// grant mutation bumps the tenant epoch atomically with the change.
type Store interface {
	// SeedCatalog upserts features, plans and the feature→permission map
	SeedCatalog(ctx context.Context, c *catalog.Catalog) error

	GetPlanFeatures(ctx context.Context, plan string) ([]string, error)
	ListFeatures(ctx context.Context) ([]FeatureInfo, error)

	// GrantFeaturesForPlan grants every feature of the plan. Effective admin
	// grants keep their attribution; grants outside the plan are untouched.
	// Repeating the call changes nothing.
	GrantFeaturesForPlan(ctx context.Context, tenantID int64, plan string, grantedBy GrantSource) (*ChangeSet, error)
	GrantFeature(ctx context.Context, tenantID int64, feature string, grantedBy GrantSource, expiresAt *time.Time) error
	RevokeFeature(ctx context.Context, tenantID int64, feature string) error
	// RevokePlanGrants revokes plan-sourced grants, leaving admin grants
	RevokePlanGrants(ctx context.Context, tenantID int64) (*ChangeSet, error)

	TenantHasFeature(ctx context.Context, tenantID int64, feature string, now time.Time) (bool, error)
	ListGrants(ctx context.Context, tenantID int64) ([]Grant, error)

	// FeaturePermissions maps each named feature to the permissions it unlocks
	FeaturePermissions(ctx context.Context, features []string) (map[string][]string, error)
	// GatedPermissions maps every feature-gated permission to the features unlocking it
	GatedPermissions(ctx context.Context) (map[string][]string, error)

	// ApplyLifecycleEvent records the event and applies op atomically. A
	// previously recorded event id returns ErrDuplicateLifecycleEvent.
	ApplyLifecycleEvent(ctx context.Context, event LifecycleEvent, op GrantOp) (*ChangeSet, error)
}
