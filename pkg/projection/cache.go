package projection

import (
	"context"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/gatekeeper/pkg/epoch"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/resolver"
)

var tracer = otel.Tracer("github.com/platinummonkey/gatekeeper/pkg/projection")

// Resolver computes projections and reads epoch stamps
type Resolver interface {
	Resolve(ctx context.Context, tenantID, userID int64) (*resolver.Projection, error)
	Stamp(ctx context.Context, tenantID, userID int64) (epoch.Stamp, error)
}

// Config controls cache sizing and staleness
type Config struct {
	// Size is the maximum number of local entries
	Size int
	// TTL bounds how long a local entry lives regardless of validity
	TTL time.Duration
	// MaxStaleness bounds the age of entries served to Bounded reads
	MaxStaleness time.Duration
	// RemoteTTL is the expiry set on shared-tier entries
	RemoteTTL time.Duration
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		Size:         10000,
		TTL:          5 * time.Minute,
		MaxStaleness: 2 * time.Second,
		RemoteTTL:    10 * time.Minute,
	}
}

type cacheKey struct {
	tenantID int64
	userID   int64
}

type entry struct {
	projection *resolver.Projection
	storedAt   time.Time
}

// Cache is a two-tier projection cache. The remote tier is optional.
type Cache struct {
	cfg      Config
	resolver Resolver
	local    *lru.LRU[cacheKey, *entry]
	remote   Remote
	group    singleflight.Group
	metrics  *observability.Metrics
	otel     *observability.OTelMetrics
	logger   logrus.FieldLogger
	now      func() time.Time
}

// Option configures a Cache
type Option func(*Cache)

// WithRemote adds a shared tier
func WithRemote(remote Remote) Option {
	return func(c *Cache) { c.remote = remote }
}

// WithMetrics records hits, misses and recomputes
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = metrics }
}

// WithOTelMetrics records recomputes as OpenTelemetry instruments
func WithOTelMetrics(m *observability.OTelMetrics) Option {
	return func(c *Cache) { c.otel = m }
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache in front of r
func New(r Resolver, cfg Config, opts ...Option) *Cache {
	defaults := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = defaults.Size
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.RemoteTTL <= 0 {
		cfg.RemoteTTL = defaults.RemoteTTL
	}

	c := &Cache{
		cfg:      cfg,
		resolver: r,
		local:    lru.NewLRU[cacheKey, *entry](cfg.Size, nil, cfg.TTL),
		logger:   logrus.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// usable reports whether p may be served against stamp at now
func usable(p *resolver.Projection, stamp epoch.Stamp, now time.Time) bool {
	return p.Epoch.Covers(stamp) && p.FreshAt(now)
}

func (c *Cache) hit(tier string) {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(tier).Inc()
	}
}

// Get returns the projection for (tenantID, userID) under the requested consistency
func (c *Cache) Get(ctx context.Context, tenantID, userID int64, consistency Consistency) (*resolver.Projection, error) {
	k := cacheKey{tenantID, userID}
	now := c.now()

	if consistency == Bounded && c.cfg.MaxStaleness > 0 {
		if e, ok := c.local.Get(k); ok && now.Sub(e.storedAt) <= c.cfg.MaxStaleness && e.projection.FreshAt(now) {
			c.hit("local_bounded")
			return e.projection, nil
		}
	}

	stamp, err := c.resolver.Stamp(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read epoch stamp: %w", err)
	}

	if e, ok := c.local.Get(k); ok && usable(e.projection, stamp, now) {
		c.hit("local")
		return e.projection, nil
	}

	if c.remote != nil {
		p, err := c.remote.Get(ctx, tenantID, userID)
		if err != nil {
			c.logger.WithError(err).WithField("tenant_id", tenantID).Warn("remote projection read failed")
		} else if p != nil && usable(p, stamp, now) {
			c.local.Add(k, &entry{projection: p, storedAt: now})
			c.hit("remote")
			return p, nil
		}
	}

	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
	return c.recompute(ctx, k, stamp)
}

// recompute resolves the projection once per key for concurrent callers. A
// caller that joined a flight started before its own stamp read resolves again.
func (c *Cache) recompute(ctx context.Context, k cacheKey, stamp epoch.Stamp) (*resolver.Projection, error) {
	flight := strconv.FormatInt(k.tenantID, 10) + ":" + strconv.FormatInt(k.userID, 10)

	v, err, _ := c.group.Do(flight, func() (interface{}, error) {
		return c.resolveAndStore(ctx, k)
	})
	if err != nil {
		return nil, err
	}

	p := v.(*resolver.Projection)
	if !p.Epoch.Covers(stamp) {
		return c.resolveAndStore(ctx, k)
	}
	return p, nil
}

func (c *Cache) resolveAndStore(ctx context.Context, k cacheKey) (*resolver.Projection, error) {
	ctx, span := tracer.Start(ctx, "projection.recompute")
	span.SetAttributes(
		attribute.Int64("tenant_id", k.tenantID),
		attribute.Int64("user_id", k.userID),
	)
	defer span.End()

	start := time.Now()
	p, err := c.resolver.Resolve(ctx, k.tenantID, k.userID)
	c.otel.RecordRecompute(ctx, err)
	if c.metrics != nil {
		c.metrics.RecomputeDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecomputeErrors.Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("epoch", p.Epoch.String()))

	c.store(ctx, k, p)
	return p, nil
}

func (c *Cache) store(ctx context.Context, k cacheKey, p *resolver.Projection) {
	// never replace a projection computed against a newer stamp
	if e, ok := c.local.Peek(k); !ok || p.Epoch.Covers(e.projection.Epoch) {
		c.local.Add(k, &entry{projection: p, storedAt: c.now()})
	}

	if c.remote != nil {
		if err := c.remote.Set(ctx, p, c.cfg.RemoteTTL); err != nil {
			c.logger.WithError(err).WithField("tenant_id", k.tenantID).Warn("remote projection write failed")
		}
	}
}

func (c *Cache) evicted(reason string, n int) {
	if c.metrics != nil && n > 0 {
		c.metrics.CacheEvictions.WithLabelValues(reason).Add(float64(n))
	}
}

// InvalidateUser evicts one user's projection from both tiers
func (c *Cache) InvalidateUser(ctx context.Context, tenantID, userID int64) {
	if c.local.Remove(cacheKey{tenantID, userID}) {
		c.evicted("invalidate_user", 1)
	}
	if c.remote != nil {
		if err := c.remote.Delete(ctx, tenantID, userID); err != nil {
			c.logger.WithError(err).WithField("tenant_id", tenantID).Warn("remote projection delete failed")
		}
	}
}

// InvalidateTenant evicts every projection of the tenant from both tiers
func (c *Cache) InvalidateTenant(ctx context.Context, tenantID int64) {
	removed := 0
	for _, k := range c.local.Keys() {
		if k.tenantID == tenantID && c.local.Remove(k) {
			removed++
		}
	}
	c.evicted("invalidate_tenant", removed)

	if c.remote != nil {
		if err := c.remote.DeleteTenant(ctx, tenantID); err != nil {
			c.logger.WithError(err).WithField("tenant_id", tenantID).Warn("remote tenant projection delete failed")
		}
	}
}

// Refresh revalidates every local entry, recomputing the stale ones. It
// returns the number of entries that were recomputed.
func (c *Cache) Refresh(ctx context.Context) (int, error) {
	refreshed := 0
	var firstErr error
	for _, k := range c.local.Keys() {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}

		stamp, err := c.resolver.Stamp(ctx, k.tenantID, k.userID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if e, ok := c.local.Peek(k); ok && usable(e.projection, stamp, c.now()) {
			continue
		}

		if _, err := c.recompute(ctx, k, stamp); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		refreshed++
	}
	return refreshed, firstErr
}

// Len returns the number of local entries
func (c *Cache) Len() int {
	return c.local.Len()
}
