// Package decision answers access checks from cached projections.
//
// Evaluation order is fixed: the permission is checked first, then the
// feature license, then maker/checker separation. Any store error or timeout
// produces a deny decision.
package decision

import (
	"fmt"

	"github.com/platinummonkey/gatekeeper/pkg/projection"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// ErrStoreUnavailable is returned by Require when no decision could be computed
var ErrStoreUnavailable = fmt.Errorf("authorization store unavailable: %w", rbac.ErrAuthorizerUnavailable)

// Reason explains a decision
type Reason string

const (
	ReasonGranted               Reason = "granted"
	ReasonPermissionDenied      Reason = "permission_denied"
	ReasonFeatureNotLicensed    Reason = "feature_not_licensed"
	ReasonMakerCheckerViolation Reason = "maker_checker_violation"
	ReasonStoreUnavailable      Reason = "store_unavailable"
	ReasonDecisionTimeout       Reason = "decision_timeout"
)

// Reasons lists every reason a decision can carry
var Reasons = []Reason{
	ReasonGranted,
	ReasonPermissionDenied,
	ReasonFeatureNotLicensed,
	ReasonMakerCheckerViolation,
	ReasonStoreUnavailable,
	ReasonDecisionTimeout,
}

// Request is a single access check
type Request struct {
	UserID     int64  `json:"user_id"`
	TenantID   int64  `json:"tenant_id"`
	Permission string `json:"permission"`
	Feature    string `json:"feature,omitempty"`
	Scope      string `json:"scope,omitempty"` // e.g. "unit:42"

	Consistency projection.Consistency `json:"-"`

	// MakerID is the user who created the record being acted on
	MakerID *int64 `json:"maker_id,omitempty"`
}

// Decision is the outcome of a check
type Decision struct {
	Granted bool   `json:"granted"`
	Reason  Reason `json:"reason"`
}

func grant() Decision { return Decision{Granted: true, Reason: ReasonGranted} }

func deny(reason Reason) Decision { return Decision{Reason: reason} }

func (d Decision) outcome() string {
	if d.Granted {
		return "granted"
	}
	return "denied"
}
