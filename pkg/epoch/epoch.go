// Package epoch maintains the invalidation counters that version access projections.
//
// Three counters exist for every (tenant, user) pair a projection depends on:
//
//	(0, 0)       global counter, bumped when the shared catalog changes
//	(tenant, 0)  tenant counter, bumped by role, permission and entitlement writes
//	(tenant, u)  user counter, bumped by assignment and delegation writes for u
//
// Writers bump counters inside the same transaction (or critical section) that
// mutates the source rows. Readers load the stamp before reading source rows, so a
// projection computed after observing stamp S reflects every mutation up to S.
package epoch

import (
	"context"
	"fmt"
)

// GlobalTenant is the tenant id reserved for the global counter.
const GlobalTenant int64 = 0

// Stamp is the set of counters a projection was computed against.
type Stamp struct {
	Global int64 `json:"global"`
	Tenant int64 `json:"tenant"`
	User   int64 `json:"user"`
}

// String returns a compact representation used in cache keys and logs
func (s Stamp) String() string {
	return fmt.Sprintf("%d.%d.%d", s.Global, s.Tenant, s.User)
}

// Source reads the current counters for a (tenant, user) pair.
type Source interface {
	Current(ctx context.Context, tenantID, userID int64) (Stamp, error)
}

// Covers reports whether s is at least as new as other in every counter
func (s Stamp) Covers(other Stamp) bool {
	return s.Global >= other.Global && s.Tenant >= other.Tenant && s.User >= other.User
}
