// Package resolver computes effective access from the role, delegation and
// entitlement stores. It performs no caching; see the projection package.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/gatekeeper/pkg/delegation"
	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/epoch"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// Resolver computes projections from source data
type Resolver struct {
	roles        rbac.Store
	delegations  delegation.Store
	entitlements entitlements.Store
	epochs       epoch.Source
	logger       logrus.FieldLogger
	now          func() time.Time
}

// New creates a Resolver. logger may be nil.
func New(roles rbac.Store, delegations delegation.Store, ents entitlements.Store, epochs epoch.Source, logger logrus.FieldLogger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{
		roles:        roles,
		delegations:  delegations,
		entitlements: ents,
		epochs:       epochs,
		logger:       logger,
		now:          time.Now,
	}
}

// SetClock overrides the time source used for window checks
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// Stamp returns the current epoch stamp for (tenantID, userID)
func (r *Resolver) Stamp(ctx context.Context, tenantID, userID int64) (epoch.Stamp, error) {
	return r.epochs.Current(ctx, tenantID, userID)
}

// Resolve computes the projection for userID in tenantID. The epoch stamp is
// read before any source data, so the result reflects at least every
// mutation counted by the stamp.
func (r *Resolver) Resolve(ctx context.Context, tenantID, userID int64) (*Projection, error) {
	stamp, err := r.epochs.Current(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read epoch: %w", err)
	}

	now := r.now()
	p := &Projection{
		TenantID:   tenantID,
		UserID:     userID,
		Epoch:      stamp,
		ComputedAt: now,
	}

	var roleBound, grantBound deadline
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.resolvePermissions(gctx, p, now, &roleBound)
	})
	g.Go(func() error {
		return r.resolveLicenses(gctx, p, now, &grantBound)
	})
	g.Go(func() error {
		gated, err := r.entitlements.GatedPermissions(gctx)
		if err != nil {
			return fmt.Errorf("failed to load gated permissions: %w", err)
		}
		set := stringSet{}
		for perm := range gated {
			set.add(perm)
		}
		p.Gated = set.sorted()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if roleBound.at != nil {
		p.ValidUntil = roleBound.at
	}
	if grantBound.at != nil {
		if p.ValidUntil == nil || grantBound.at.Before(*p.ValidUntil) {
			p.ValidUntil = grantBound.at
		}
	}
	return p, nil
}

// resolvePermissions fills Permissions and Scoped from direct assignments and
// currently effective delegations.
func (r *Resolver) resolvePermissions(ctx context.Context, p *Projection, now time.Time, bound *deadline) error {
	direct, err := r.roles.ListUserRoles(ctx, p.TenantID, p.UserID)
	if err != nil {
		return fmt.Errorf("failed to load role assignments: %w", err)
	}

	globalRoles := make(map[int64]bool)
	for _, a := range direct {
		globalRoles[a.RoleID] = true
	}

	delegations, err := r.delegations.ListActiveForDelegatee(ctx, p.TenantID, p.UserID)
	if err != nil {
		return fmt.Errorf("failed to load delegations: %w", err)
	}

	scopedRoles := make(map[string]map[int64]bool)
	delegatorRoles := make(map[int64]map[int64]bool)
	for i := range delegations {
		d := &delegations[i]
		if !d.ActiveAt(now) {
			if now.Before(d.StartsAt) {
				bound.observe(d.StartsAt)
			}
			continue
		}

		held, ok := delegatorRoles[d.DelegatorID]
		if !ok {
			held, err = r.delegatableRoles(ctx, p.TenantID, d.DelegatorID)
			if err != nil {
				return err
			}
			delegatorRoles[d.DelegatorID] = held
		}
		if !held[d.RoleID] {
			r.logger.WithFields(logrus.Fields{
				"tenant_id":     p.TenantID,
				"delegation_id": d.ID,
				"delegator_id":  d.DelegatorID,
			}).Debug("ignoring delegation whose delegator no longer holds a delegatable role")
			continue
		}

		if d.EndsAt != nil {
			bound.observe(*d.EndsAt)
		}
		if key := d.ScopeKey(); key == "" {
			globalRoles[d.RoleID] = true
		} else {
			if scopedRoles[key] == nil {
				scopedRoles[key] = make(map[int64]bool)
			}
			scopedRoles[key][d.RoleID] = true
		}
	}

	ids := make([]int64, 0, len(globalRoles))
	for id := range globalRoles {
		ids = append(ids, id)
	}
	for _, roles := range scopedRoles {
		for id := range roles {
			ids = append(ids, id)
		}
	}

	perms := map[int64][]string{}
	if len(ids) > 0 {
		perms, err = r.roles.RolePermissions(ctx, p.TenantID, ids)
		if err != nil {
			return fmt.Errorf("failed to load role permissions: %w", err)
		}
	}

	global := stringSet{}
	for id := range globalRoles {
		global.add(perms[id]...)
	}
	p.Permissions = global.sorted()

	if len(scopedRoles) > 0 {
		p.Scoped = make(map[string][]string, len(scopedRoles))
		for key, roles := range scopedRoles {
			set := stringSet{}
			for id := range roles {
				set.add(perms[id]...)
			}
			p.Scoped[key] = set.sorted()
		}
	}
	return nil
}

// delegatableRoles returns the delegatable roles userID holds by direct assignment
func (r *Resolver) delegatableRoles(ctx context.Context, tenantID, userID int64) (map[int64]bool, error) {
	assignments, err := r.roles.ListUserRoles(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load delegator roles: %w", err)
	}
	held := make(map[int64]bool, len(assignments))
	for _, a := range assignments {
		if a.IsDelegatable {
			held[a.RoleID] = true
		}
	}
	return held, nil
}

// resolveLicenses fills Features and Licensed from effective grants
func (r *Resolver) resolveLicenses(ctx context.Context, p *Projection, now time.Time, bound *deadline) error {
	grants, err := r.entitlements.ListGrants(ctx, p.TenantID)
	if err != nil {
		return fmt.Errorf("failed to load feature grants: %w", err)
	}

	features := stringSet{}
	for _, g := range grants {
		if !g.EffectiveAt(now) {
			continue
		}
		features.add(g.Feature)
		if g.ExpiresAt != nil {
			bound.observe(*g.ExpiresAt)
		}
	}
	p.Features = features.sorted()

	licensed := stringSet{}
	if len(p.Features) > 0 {
		byFeature, err := r.entitlements.FeaturePermissions(ctx, p.Features)
		if err != nil {
			return fmt.Errorf("failed to load feature permissions: %w", err)
		}
		for _, perms := range byFeature {
			licensed.add(perms...)
		}
	}
	p.Licensed = licensed.sorted()
	return nil
}
