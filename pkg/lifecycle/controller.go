// Package lifecycle applies verified subscription lifecycle events to the
// entitlement ledger.
//
// Each event is recorded by id in the same transaction as its grant changes,
// so redelivery of an event is detected and has no effect.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// EventType is the kind of lifecycle change
type EventType string

const (
	EventActivated  EventType = "licenseActivated"
	EventUpgraded   EventType = "licenseUpgraded"
	EventDowngraded EventType = "licenseDowngraded"
	EventExpired    EventType = "licenseExpired"
	EventCancelled  EventType = "licenseCancelled"
)

var (
	ErrUnknownEventType = errors.New("unknown lifecycle event type")
	ErrInvalidEvent     = errors.New("invalid lifecycle event")
)

// Event is a verified, provider-neutral lifecycle notification
type Event struct {
	EventID     string    `json:"eventId"`
	TenantID    int64     `json:"tenantId"`
	EventType   EventType `json:"eventType"`
	PlanName    string    `json:"planName,omitempty"`
	EffectiveAt time.Time `json:"effectiveAt"`
}

// Validate checks the fields every event type needs
func (e Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: eventId is required", ErrInvalidEvent)
	}
	if e.TenantID <= 0 {
		return fmt.Errorf("%w: tenantId must be positive", ErrInvalidEvent)
	}
	op, err := OpFor(e.EventType, e.PlanName)
	if err != nil {
		return err
	}
	if op.GrantPlan != "" && e.PlanName == "" {
		return fmt.Errorf("%w: planName is required for %s", ErrInvalidEvent, e.EventType)
	}
	return nil
}

// OpFor maps an event type onto the ledger change it causes
func OpFor(eventType EventType, plan string) (entitlements.GrantOp, error) {
	switch eventType {
	case EventActivated:
		return entitlements.GrantOp{GrantPlan: plan, GrantedBy: entitlements.GrantedBySystem}, nil
	case EventUpgraded:
		return entitlements.GrantOp{GrantPlan: plan, GrantedBy: entitlements.GrantedByUpgrade}, nil
	case EventDowngraded:
		return entitlements.GrantOp{RevokePlanGrants: true, GrantPlan: plan, GrantedBy: entitlements.GrantedBySystem}, nil
	case EventExpired, EventCancelled:
		return entitlements.GrantOp{RevokePlanGrants: true}, nil
	default:
		return entitlements.GrantOp{}, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
}

// Result summarizes an applied event
type Result struct {
	EventID   string   `json:"event_id"`
	Duplicate bool     `json:"duplicate"`
	Granted   []string `json:"granted,omitempty"`
	Revoked   []string `json:"revoked,omitempty"`
}

// Controller applies lifecycle events
type Controller struct {
	store       entitlements.Store
	invalidator rbac.Invalidator
	auditLogger audit.Logger
	metrics     *observability.Metrics
	logger      logrus.FieldLogger
}

// NewController creates a controller. invalidator, auditLogger, metrics and
// logger may be nil.
func NewController(store entitlements.Store, invalidator rbac.Invalidator, auditLogger audit.Logger, metrics *observability.Metrics, logger logrus.FieldLogger) *Controller {
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{
		store:       store,
		invalidator: invalidator,
		auditLogger: auditLogger,
		metrics:     metrics,
		logger:      logger,
	}
}

func (c *Controller) count(eventType EventType, result string) {
	if c.metrics != nil {
		c.metrics.LifecycleEvents.WithLabelValues(string(eventType), result).Inc()
	}
}

// Handle applies ev. A redelivered event returns an error wrapping
// entitlements.ErrDuplicateLifecycleEvent together with a Result marked as a
// duplicate; nothing is changed or audited in that case.
func (c *Controller) Handle(ctx context.Context, ev Event) (*Result, error) {
	if err := ev.Validate(); err != nil {
		c.count(ev.EventType, "invalid")
		return nil, err
	}
	op, _ := OpFor(ev.EventType, ev.PlanName)

	logger := observability.FromContext(ctx, c.logger).WithFields(logrus.Fields{
		"event_id":   ev.EventID,
		"tenant_id":  ev.TenantID,
		"event_type": ev.EventType,
		"plan":       ev.PlanName,
	})

	changes, err := c.store.ApplyLifecycleEvent(ctx, entitlements.LifecycleEvent{
		EventID:     ev.EventID,
		TenantID:    ev.TenantID,
		EventType:   string(ev.EventType),
		PlanName:    ev.PlanName,
		EffectiveAt: ev.EffectiveAt,
	}, op)
	if errors.Is(err, entitlements.ErrDuplicateLifecycleEvent) {
		c.count(ev.EventType, "duplicate")
		logger.Info("ignoring redelivered lifecycle event")
		return &Result{EventID: ev.EventID, Duplicate: true}, err
	}
	if err != nil {
		c.count(ev.EventType, "error")
		logger.WithError(err).Error("failed to apply lifecycle event")
		return nil, fmt.Errorf("failed to apply lifecycle event %s: %w", ev.EventID, err)
	}

	if c.invalidator != nil {
		c.invalidator.InvalidateTenant(ctx, ev.TenantID)
	}
	c.count(ev.EventType, "applied")

	rec := audit.NewRecord(ctx, ev.TenantID, nil, audit.ActionLifecycleEvent, audit.OutcomeSuccess)
	rec.TargetType = audit.TargetEvent
	rec.TargetID = ev.EventID
	rec.Metadata = map[string]interface{}{
		"event_type":   string(ev.EventType),
		"plan":         ev.PlanName,
		"effective_at": ev.EffectiveAt,
		"granted":      changes.Granted,
		"revoked":      changes.Revoked,
	}
	if err := c.auditLogger.Log(ctx, rec); err != nil {
		logger.WithError(err).Error("failed to write audit record")
	}

	logger.WithFields(logrus.Fields{
		"granted": len(changes.Granted),
		"revoked": len(changes.Revoked),
	}).Info("applied lifecycle event")

	return &Result{EventID: ev.EventID, Granted: changes.Granted, Revoked: changes.Revoked}, nil
}
