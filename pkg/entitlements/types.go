// Package entitlements tracks which features each tenant is licensed for,
// the plan bundles those features come from, and the permissions each
// feature unlocks.
package entitlements

import (
	"errors"
	"time"
)

var (
	ErrFeatureNotLicensed      = errors.New("feature not licensed")
	ErrFeatureNotFound         = errors.New("feature not found")
	ErrPlanNotFound            = errors.New("plan not found")
	ErrGrantNotFound           = errors.New("feature grant not found")
	ErrDuplicateLifecycleEvent = errors.New("lifecycle event already processed")
	ErrInvalidGrantSource      = errors.New("invalid grant source")
)

// GrantSource records who granted a feature
type GrantSource string

const (
	GrantedBySystem  GrantSource = "system"
	GrantedByAdmin   GrantSource = "admin"
	GrantedByUpgrade GrantSource = "upgrade"
)

// Valid reports whether s is a known source
func (s GrantSource) Valid() bool {
	switch s {
	case GrantedBySystem, GrantedByAdmin, GrantedByUpgrade:
		return true
	}
	return false
}

// PlanSourced reports whether grants from s follow the tenant's plan
func (s GrantSource) PlanSourced() bool {
	return s == GrantedBySystem || s == GrantedByUpgrade
}

// Grant is a tenant's license for one feature
type Grant struct {
	TenantID   int64       `json:"tenant_id"`
	Feature    string      `json:"feature"`
	IsGranted  bool        `json:"is_granted"`
	GrantedAt  time.Time   `json:"granted_at"`
	GrantedBy  GrantSource `json:"granted_by"`
	SourcePlan string      `json:"source_plan,omitempty"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
}

// EffectiveAt reports whether the grant licenses its feature at instant now
func (g Grant) EffectiveAt(now time.Time) bool {
	return g.IsGranted && (g.ExpiresAt == nil || g.ExpiresAt.After(now))
}

// FeatureInfo is a feature catalog entry
type FeatureInfo struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Tier        string   `json:"tier"`
	Permissions []string `json:"permissions"`
}

// LifecycleEvent is a verified subscription event recorded in the
// processed-events ledger
type LifecycleEvent struct {
	EventID     string    `json:"event_id"`
	TenantID    int64     `json:"tenant_id"`
	EventType   string    `json:"event_type"`
	PlanName    string    `json:"plan_name,omitempty"`
	EffectiveAt time.Time `json:"effective_at"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`
}

// GrantOp is the grant mutation applied together with a lifecycle event.
// Revocation runs before granting.
type GrantOp struct {
	RevokePlanGrants bool
	GrantPlan        string
	GrantedBy        GrantSource
}

// ChangeSet lists the features a mutation touched
type ChangeSet struct {
	Granted []string `json:"granted"`
	Revoked []string `json:"revoked"`
}
