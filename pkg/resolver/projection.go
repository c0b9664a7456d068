package resolver

import (
	"sort"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/epoch"
)

// Projection is the effective access of one user in one tenant. Slices are
// sorted so membership checks can binary search.
type Projection struct {
	TenantID int64 `json:"tenant_id"`
	UserID   int64 `json:"user_id"`

	// Permissions come from direct assignments and global delegations
	Permissions []string `json:"permissions"`
	// Scoped holds permissions from scoped delegations keyed like "unit:42"
	Scoped map[string][]string `json:"scoped,omitempty"`

	Features []string `json:"features"`
	Licensed []string `json:"licensed"`
	Gated    []string `json:"gated"`

	Epoch      epoch.Stamp `json:"epoch"`
	ComputedAt time.Time   `json:"computed_at"`
	// ValidUntil is the earliest time a delegation or grant window changes
	// the result. Nil means no time bound applies.
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

func contains(sorted []string, v string) bool {
	i := sort.SearchStrings(sorted, v)
	return i < len(sorted) && sorted[i] == v
}

// HasPermission reports whether the user holds permission globally, or within
// scope when scope is non-empty.
func (p *Projection) HasPermission(permission, scope string) bool {
	if contains(p.Permissions, permission) {
		return true
	}
	if scope == "" {
		return false
	}
	return contains(p.Scoped[scope], permission)
}

// HasFeature reports whether the tenant is licensed for feature
func (p *Projection) HasFeature(feature string) bool {
	return contains(p.Features, feature)
}

// IsGated reports whether any feature gates permission
func (p *Projection) IsGated(permission string) bool {
	return contains(p.Gated, permission)
}

// IsLicensed reports whether a licensed feature unlocks permission
func (p *Projection) IsLicensed(permission string) bool {
	return contains(p.Licensed, permission)
}

// FreshAt reports whether no time bound has passed at instant now
func (p *Projection) FreshAt(now time.Time) bool {
	return p.ValidUntil == nil || now.Before(*p.ValidUntil)
}

type stringSet map[string]struct{}

func (s stringSet) add(values ...string) {
	for _, v := range values {
		s[v] = struct{}{}
	}
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// deadline tracks the earliest upcoming time bound
type deadline struct {
	at *time.Time
}

func (d *deadline) observe(t time.Time) {
	if d.at == nil || t.Before(*d.at) {
		t := t
		d.at = &t
	}
}
