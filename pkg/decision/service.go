package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/projection"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/resolver"
)

var tracer = otel.Tracer("github.com/platinummonkey/gatekeeper/pkg/decision")

// Projections serves effective-access projections
type Projections interface {
	Get(ctx context.Context, tenantID, userID int64, consistency projection.Consistency) (*resolver.Projection, error)
}

// Config controls decision evaluation
type Config struct {
	// Timeout bounds a single check
	Timeout time.Duration
	// ImplicitFeatureGating denies gated permissions whose feature is not
	// licensed even when the request names no feature
	ImplicitFeatureGating bool
	// AuditDenials writes an audit record for every deny
	AuditDenials bool
}

// DefaultConfig returns the default decision configuration
func DefaultConfig() Config {
	return Config{
		Timeout:               250 * time.Millisecond,
		ImplicitFeatureGating: true,
		AuditDenials:          false,
	}
}

// Service evaluates access checks
type Service struct {
	cfg         Config
	projections Projections
	auditLogger audit.Logger
	metrics     *observability.Metrics
	otel        *observability.OTelMetrics
	logger      logrus.FieldLogger
}

// Option configures a Service
type Option func(*Service)

// WithAuditLogger sets where denials and failures are recorded
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Service) { s.auditLogger = l }
}

// WithMetrics records decisions in Prometheus
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithOTelMetrics records decisions as OpenTelemetry instruments
func WithOTelMetrics(m *observability.OTelMetrics) Option {
	return func(s *Service) { s.otel = m }
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a decision service over projections
func NewService(projections Projections, cfg Config, opts ...Option) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	s := &Service{
		cfg:         cfg,
		projections: projections,
		auditLogger: audit.NoOpLogger{},
		logger:      logrus.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type result struct {
	decision Decision
	err      error
}

// CheckAccess decides whether req.UserID may use req.Permission in
// req.TenantID. It never returns an error: failures become denials.
func (s *Service) CheckAccess(ctx context.Context, req Request) Decision {
	ctx, span := tracer.Start(ctx, "decision.check_access")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("tenant_id", req.TenantID),
		attribute.Int64("user_id", req.UserID),
		attribute.String("permission", req.Permission),
		attribute.String("consistency", req.Consistency.String()),
	)

	start := time.Now()
	evalCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer observability.RecoverPanic(s.logger.WithField("permission", req.Permission), "decision.evaluate", func(r any) {
			done <- result{err: fmt.Errorf("%w: evaluation panicked: %v", ErrStoreUnavailable, r)}
		})
		d, err := s.evaluate(evalCtx, req)
		done <- result{d, err}
	}()

	var d Decision
	var failure error
	select {
	case r := <-done:
		d, failure = r.decision, r.err
	case <-evalCtx.Done():
		failure = evalCtx.Err()
	}
	if failure != nil {
		d = deny(ReasonStoreUnavailable)
		if errors.Is(failure, context.DeadlineExceeded) {
			d = deny(ReasonDecisionTimeout)
		}
		span.RecordError(failure)
	}

	elapsed := time.Since(start)
	span.SetAttributes(
		attribute.Bool("granted", d.Granted),
		attribute.String("reason", string(d.Reason)),
	)
	s.record(ctx, req, d, failure, elapsed)
	return d
}

func (s *Service) evaluate(ctx context.Context, req Request) (Decision, error) {
	if req.Permission == "" {
		return deny(ReasonPermissionDenied), nil
	}

	p, err := s.projections.Get(ctx, req.TenantID, req.UserID, req.Consistency)
	if err != nil {
		return Decision{}, err
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	if !p.HasPermission(req.Permission, req.Scope) {
		return deny(ReasonPermissionDenied), nil
	}

	if req.Feature != "" && !p.HasFeature(req.Feature) {
		return deny(ReasonFeatureNotLicensed), nil
	}
	if s.cfg.ImplicitFeatureGating && p.IsGated(req.Permission) && !p.IsLicensed(req.Permission) {
		return deny(ReasonFeatureNotLicensed), nil
	}

	if req.MakerID != nil && *req.MakerID == req.UserID {
		return deny(ReasonMakerCheckerViolation), nil
	}

	return grant(), nil
}

func (s *Service) record(ctx context.Context, req Request, d Decision, failure error, elapsed time.Duration) {
	if s.metrics != nil {
		s.metrics.Decisions.WithLabelValues(d.outcome(), string(d.Reason)).Inc()
		s.metrics.DecisionDuration.Observe(elapsed.Seconds())
	}
	s.otel.RecordDecision(ctx, d.Granted, string(d.Reason), elapsed)

	fields := logrus.Fields{
		"tenant_id":  req.TenantID,
		"user_id":    req.UserID,
		"permission": req.Permission,
		"reason":     d.Reason,
	}

	if failure != nil {
		s.logger.WithFields(fields).WithError(failure).Error("access check failed closed")
		rec := audit.NewRecord(ctx, req.TenantID, audit.Actor(req.UserID), audit.ActionAccessFailure, audit.OutcomeFailure)
		rec.TargetType = audit.TargetPermission
		rec.TargetID = req.Permission
		rec.Reason = string(d.Reason)
		s.audit(ctx, rec)
		return
	}

	if d.Granted {
		return
	}
	s.logger.WithFields(fields).Debug("access denied")
	if !s.cfg.AuditDenials {
		return
	}

	rec := audit.NewRecord(ctx, req.TenantID, audit.Actor(req.UserID), audit.ActionAccessDenied, audit.OutcomeDenied)
	rec.TargetType = audit.TargetPermission
	rec.TargetID = req.Permission
	rec.Reason = string(d.Reason)
	rec.Metadata = map[string]interface{}{}
	if req.Feature != "" {
		rec.Metadata["feature"] = req.Feature
	}
	if req.Scope != "" {
		rec.Metadata["scope"] = req.Scope
	}
	if req.MakerID != nil {
		rec.Metadata["maker_id"] = *req.MakerID
	}
	s.audit(ctx, rec)
}

func (s *Service) audit(ctx context.Context, rec *audit.Record) {
	if err := s.auditLogger.Log(ctx, rec); err != nil {
		s.logger.WithError(err).Error("failed to write audit record")
	}
}

// Require checks a permission with strong consistency and converts a deny
// into an error. It implements rbac.Authorizer.
func (s *Service) Require(ctx context.Context, actorID, tenantID int64, permission string) error {
	d := s.CheckAccess(ctx, Request{
		UserID:      actorID,
		TenantID:    tenantID,
		Permission:  permission,
		Consistency: projection.Strong,
	})

	switch d.Reason {
	case ReasonGranted:
		return nil
	case ReasonFeatureNotLicensed:
		return fmt.Errorf("%w: %s", entitlements.ErrFeatureNotLicensed, permission)
	case ReasonStoreUnavailable, ReasonDecisionTimeout:
		return fmt.Errorf("%w: %s", ErrStoreUnavailable, d.Reason)
	default:
		return fmt.Errorf("%w: %s", rbac.ErrPermissionDenied, permission)
	}
}

var _ rbac.Authorizer = (*Service)(nil)
