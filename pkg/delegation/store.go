package delegation

import (
	"context"
	"time"
)

// Store persists delegations. Create, Revoke and ExpireDue bump the delegatee's
// epoch counter atomically with the state change.
type Store interface {
	Create(ctx context.Context, d *Delegation) error
	Get(ctx context.Context, tenantID, id int64) (*Delegation, error)
	ListForTenant(ctx context.Context, tenantID int64, status Status) ([]Delegation, error)
	// ListActiveForDelegatee returns delegations with status active. Callers
	// still filter by time window.
	ListActiveForDelegatee(ctx context.Context, tenantID, delegateeID int64) ([]Delegation, error)
	Revoke(ctx context.Context, tenantID, id, revokedBy int64, at time.Time) (*Delegation, error)
	ExpireDue(ctx context.Context, now time.Time) ([]Delegation, error)
}
