// Package delegation manages temporary, scope- and time-bounded role grants
// from a role holder (delegator) to another user (delegatee).
//
// A delegation moves from active to expired when its end date passes, or from
// active to revoked by explicit action. Both are terminal. Only direct role
// assignments can be delegated; a delegatee cannot pass a delegated role on.
package delegation

import (
	"errors"
	"time"
)

// ScopeType bounds where a delegated role applies
type ScopeType string

const (
	ScopeGlobal ScopeType = "global"
	ScopeUnit   ScopeType = "unit"
	ScopeEvent  ScopeType = "event"
)

// Valid reports whether s is a known scope type
func (s ScopeType) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeUnit, ScopeEvent:
		return true
	}
	return false
}

// Status is the lifecycle state of a delegation
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

var (
	ErrRoleNotDelegatable         = errors.New("role is not delegatable")
	ErrDelegatorLacksRole         = errors.New("delegator does not hold the role")
	ErrDelegationExpiredOrRevoked = errors.New("delegation is expired or revoked")
	ErrDelegationNotFound         = errors.New("delegation not found")
	ErrInvalidWindow              = errors.New("invalid delegation window")
	ErrInvalidScope               = errors.New("invalid delegation scope")
	ErrSelfDelegation             = errors.New("cannot delegate to yourself")
	ErrInvalidStatus              = errors.New("unknown delegation status")
)

// Delegation is a time-bounded grant of one role within one tenant
type Delegation struct {
	ID          int64      `json:"id"`
	TenantID    int64      `json:"tenant_id"`
	DelegatorID int64      `json:"delegator_id"`
	DelegateeID int64      `json:"delegatee_id"`
	RoleID      int64      `json:"role_id"`
	ScopeType   ScopeType  `json:"scope_type"`
	ScopeID     string     `json:"scope_id,omitempty"`
	StartsAt    time.Time  `json:"starts_at"`
	EndsAt      *time.Time `json:"ends_at,omitempty"` // nil means indefinite
	Status      Status     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	RevokedBy   *int64     `json:"revoked_by,omitempty"`
}

// ActiveAt reports whether the delegation contributes at instant now
func (d *Delegation) ActiveAt(now time.Time) bool {
	if d.Status != StatusActive || now.Before(d.StartsAt) {
		return false
	}
	return d.EndsAt == nil || now.Before(*d.EndsAt)
}

// ScopeKey identifies the scope a delegated permission applies to, for example
// "unit:42". Global delegations have an empty key.
func (d *Delegation) ScopeKey() string {
	if d.ScopeType == ScopeGlobal || d.ScopeType == "" {
		return ""
	}
	return string(d.ScopeType) + ":" + d.ScopeID
}

// CreateRequest describes a new delegation
type CreateRequest struct {
	DelegatorID int64      `json:"delegator_id"`
	DelegateeID int64      `json:"delegatee_id"`
	RoleID      int64      `json:"role_id"`
	ScopeType   ScopeType  `json:"scope_type"`
	ScopeID     string     `json:"scope_id,omitempty"`
	StartsAt    *time.Time `json:"starts_at,omitempty"` // defaults to now
	EndsAt      *time.Time `json:"ends_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}
