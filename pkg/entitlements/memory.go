package entitlements

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/epoch"
)

type grantKey struct {
	tenantID int64
	feature  string
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu       sync.RWMutex
	epochs   *epoch.MemoryCounter
	features map[string]FeatureInfo
	plans    map[string][]string
	grants   map[grantKey]Grant
	events   map[string]LifecycleEvent
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore sharing the given counters
func NewMemoryStore(epochs *epoch.MemoryCounter) *MemoryStore {
	return &MemoryStore{
		epochs:   epochs,
		features: make(map[string]FeatureInfo),
		plans:    make(map[string][]string),
		grants:   make(map[grantKey]Grant),
		events:   make(map[string]LifecycleEvent),
		now:      time.Now,
	}
}

// SetClock overrides the time used for granted-at and admin grant expiry checks
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SeedCatalog implements Store
func (s *MemoryStore) SeedCatalog(_ context.Context, c *catalog.Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range c.Features {
		perms := append([]string(nil), f.Permissions...)
		sort.Strings(perms)
		s.features[f.Name] = FeatureInfo{Name: f.Name, Category: f.Category, Tier: f.Tier, Permissions: perms}
	}
	for _, p := range c.Plans {
		for _, f := range p.Features {
			if _, ok := s.features[f]; !ok {
				return fmt.Errorf("%w: %s", ErrFeatureNotFound, f)
			}
		}
		features := append([]string(nil), p.Features...)
		sort.Strings(features)
		s.plans[p.Name] = features
	}

	s.epochs.BumpGlobal()
	return nil
}

// GetPlanFeatures implements Store
func (s *MemoryStore) GetPlanFeatures(_ context.Context, plan string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	features, ok := s.plans[plan]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, plan)
	}
	return append([]string(nil), features...), nil
}

// ListFeatures implements Store
func (s *MemoryStore) ListFeatures(_ context.Context) ([]FeatureInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]FeatureInfo, 0, len(s.features))
	for _, f := range s.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) grantPlanLocked(tenantID int64, plan string, grantedBy GrantSource, now time.Time) ([]string, error) {
	features, ok := s.plans[plan]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, plan)
	}

	var granted []string
	for _, f := range features {
		key := grantKey{tenantID, f}
		existing, exists := s.grants[key]
		if exists && existing.GrantedBy == GrantedByAdmin && existing.EffectiveAt(now) {
			continue
		}

		grantedAt := now
		if exists && existing.IsGranted && existing.SourcePlan == plan {
			grantedAt = existing.GrantedAt
		}
		s.grants[key] = Grant{
			TenantID:   tenantID,
			Feature:    f,
			IsGranted:  true,
			GrantedAt:  grantedAt,
			GrantedBy:  grantedBy,
			SourcePlan: plan,
		}
		granted = append(granted, f)
	}
	return granted, nil
}

func (s *MemoryStore) revokePlanLocked(tenantID int64) []string {
	var revoked []string
	for key, g := range s.grants {
		if key.tenantID != tenantID || !g.IsGranted || !g.GrantedBy.PlanSourced() {
			continue
		}
		g.IsGranted = false
		s.grants[key] = g
		revoked = append(revoked, key.feature)
	}
	sort.Strings(revoked)
	return revoked
}

// GrantFeaturesForPlan implements Store
func (s *MemoryStore) GrantFeaturesForPlan(_ context.Context, tenantID int64, plan string, grantedBy GrantSource) (*ChangeSet, error) {
	if !grantedBy.PlanSourced() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidGrantSource, grantedBy)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	granted, err := s.grantPlanLocked(tenantID, plan, grantedBy, s.now())
	if err != nil {
		return nil, err
	}
	s.epochs.BumpTenant(tenantID)
	return &ChangeSet{Granted: granted}, nil
}

// GrantFeature implements Store
func (s *MemoryStore) GrantFeature(_ context.Context, tenantID int64, feature string, grantedBy GrantSource, expiresAt *time.Time) error {
	if !grantedBy.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidGrantSource, grantedBy)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.features[feature]; !ok {
		return fmt.Errorf("%w: %s", ErrFeatureNotFound, feature)
	}

	// An expiring grant never replaces a standing plan grant.
	key := grantKey{tenantID, feature}
	if existing, ok := s.grants[key]; ok && expiresAt != nil &&
		existing.GrantedBy.PlanSourced() && existing.ExpiresAt == nil && existing.IsGranted {
		return nil
	}
	s.grants[key] = Grant{
		TenantID:  tenantID,
		Feature:   feature,
		IsGranted: true,
		GrantedAt: s.now(),
		GrantedBy: grantedBy,
		ExpiresAt: expiresAt,
	}
	s.epochs.BumpTenant(tenantID)
	return nil
}

// RevokeFeature implements Store
func (s *MemoryStore) RevokeFeature(_ context.Context, tenantID int64, feature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey{tenantID, feature}
	g, ok := s.grants[key]
	if !ok || !g.IsGranted {
		return fmt.Errorf("%w: %s", ErrGrantNotFound, feature)
	}
	g.IsGranted = false
	s.grants[key] = g
	s.epochs.BumpTenant(tenantID)
	return nil
}

// RevokePlanGrants implements Store
func (s *MemoryStore) RevokePlanGrants(_ context.Context, tenantID int64) (*ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := s.revokePlanLocked(tenantID)
	s.epochs.BumpTenant(tenantID)
	return &ChangeSet{Revoked: revoked}, nil
}

// TenantHasFeature implements Store
func (s *MemoryStore) TenantHasFeature(_ context.Context, tenantID int64, feature string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[grantKey{tenantID, feature}]
	return ok && g.EffectiveAt(now), nil
}

// ListGrants implements Store
func (s *MemoryStore) ListGrants(_ context.Context, tenantID int64) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Grant
	for key, g := range s.grants {
		if key.tenantID == tenantID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feature < out[j].Feature })
	return out, nil
}

// FeaturePermissions implements Store
func (s *MemoryStore) FeaturePermissions(_ context.Context, features []string) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]string, len(features))
	for _, name := range features {
		if f, ok := s.features[name]; ok && len(f.Permissions) > 0 {
			out[name] = append([]string(nil), f.Permissions...)
		}
	}
	return out, nil
}

// GatedPermissions implements Store
func (s *MemoryStore) GatedPermissions(_ context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]string)
	for _, f := range s.features {
		for _, p := range f.Permissions {
			out[p] = append(out[p], f.Name)
		}
	}
	for p := range out {
		sort.Strings(out[p])
	}
	return out, nil
}

// ApplyLifecycleEvent implements Store
func (s *MemoryStore) ApplyLifecycleEvent(_ context.Context, event LifecycleEvent, op GrantOp) (*ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.events[event.EventID]; seen {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateLifecycleEvent, event.EventID)
	}
	if op.GrantPlan != "" {
		if _, ok := s.plans[op.GrantPlan]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, op.GrantPlan)
		}
	}

	now := s.now()
	changes := &ChangeSet{}
	if op.RevokePlanGrants {
		changes.Revoked = s.revokePlanLocked(event.TenantID)
	}
	if op.GrantPlan != "" {
		granted, err := s.grantPlanLocked(event.TenantID, op.GrantPlan, op.GrantedBy, now)
		if err != nil {
			return nil, err
		}
		changes.Granted = granted
	}

	event.ProcessedAt = now
	s.events[event.EventID] = event
	s.epochs.BumpTenant(event.TenantID)
	return changes, nil
}
