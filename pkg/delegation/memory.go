package delegation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/epoch"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu          sync.RWMutex
	epochs      *epoch.MemoryCounter
	delegations map[int64]*Delegation
	nextID      int64
}

// NewMemoryStore creates an empty MemoryStore sharing the given counters
func NewMemoryStore(epochs *epoch.MemoryCounter) *MemoryStore {
	return &MemoryStore{
		epochs:      epochs,
		delegations: make(map[int64]*Delegation),
	}
}

// Create implements Store
func (s *MemoryStore) Create(_ context.Context, d *Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	d.ID = s.nextID
	d.Status = StatusActive
	d.CreatedAt = time.Now()

	stored := *d
	s.delegations[d.ID] = &stored
	s.epochs.Bump(d.TenantID, d.DelegateeID)
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, tenantID, id int64) (*Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.delegations[id]
	if !ok || d.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %d", ErrDelegationNotFound, id)
	}
	out := *d
	return &out, nil
}

func (s *MemoryStore) filter(keep func(*Delegation) bool) []Delegation {
	var out []Delegation
	for _, d := range s.delegations {
		if keep(d) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListForTenant implements Store
func (s *MemoryStore) ListForTenant(_ context.Context, tenantID int64, status Status) ([]Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.filter(func(d *Delegation) bool {
		return d.TenantID == tenantID && (status == "" || d.Status == status)
	})
	// newest first, matching the Postgres ordering
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListActiveForDelegatee implements Store
func (s *MemoryStore) ListActiveForDelegatee(_ context.Context, tenantID, delegateeID int64) ([]Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filter(func(d *Delegation) bool {
		return d.TenantID == tenantID && d.DelegateeID == delegateeID && d.Status == StatusActive
	}), nil
}

// Revoke implements Store
func (s *MemoryStore) Revoke(_ context.Context, tenantID, id, revokedBy int64, at time.Time) (*Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.delegations[id]
	if !ok || d.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %d", ErrDelegationNotFound, id)
	}
	if d.Status != StatusActive || (d.EndsAt != nil && !at.Before(*d.EndsAt)) {
		return nil, ErrDelegationExpiredOrRevoked
	}

	d.Status = StatusRevoked
	d.RevokedAt = &at
	d.RevokedBy = &revokedBy
	s.epochs.Bump(d.TenantID, d.DelegateeID)

	out := *d
	return &out, nil
}

// ExpireDue implements Store
func (s *MemoryStore) ExpireDue(_ context.Context, now time.Time) ([]Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Delegation
	for _, d := range s.delegations {
		if d.Status == StatusActive && d.EndsAt != nil && !now.Before(*d.EndsAt) {
			d.Status = StatusExpired
			s.epochs.Bump(d.TenantID, d.DelegateeID)
			expired = append(expired, *d)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}
