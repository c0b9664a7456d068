package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics mirrors the decision metrics as OpenTelemetry instruments so
// they reach the OTLP collector alongside traces.
type OTelMetrics struct {
	decisions        metric.Int64Counter
	decisionDuration metric.Float64Histogram
	recomputes       metric.Int64Counter
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/platinummonkey/gatekeeper")

	m := &OTelMetrics{}
	var err error

	m.decisions, err = meter.Int64Counter(
		"gatekeeper.decisions",
		metric.WithDescription("Access decisions by outcome and reason"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.decisionDuration, err = meter.Float64Histogram(
		"gatekeeper.decision.duration",
		metric.WithDescription("Access decision latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision duration histogram: %w", err)
	}

	m.recomputes, err = meter.Int64Counter(
		"gatekeeper.projection.recomputes",
		metric.WithDescription("Projection recomputes by result"),
		metric.WithUnit("{recompute}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recompute counter: %w", err)
	}

	return m, nil
}

// RecordDecision records one access decision
func (m *OTelMetrics) RecordDecision(ctx context.Context, granted bool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("granted", granted),
		attribute.String("reason", reason),
	)
	m.decisions.Add(ctx, 1, attrs)
	m.decisionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRecompute records one projection recompute
func (m *OTelMetrics) RecordRecompute(ctx context.Context, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.recomputes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
