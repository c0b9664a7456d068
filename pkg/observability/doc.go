// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup, health probes and graceful shutdown.
//
// # Logging
//
// Build the process logger once and pass it down as a logrus.FieldLogger:
//
//	logger, err := observability.NewLogger("info", "json", os.Stdout)
//	logger.WithField("tenant_id", 10).Info("provisioned plan")
//
// # Metrics
//
// Metrics are registered on a caller-owned registry and exposed with Handler:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.Decisions.WithLabelValues("granted", "granted").Inc()
//	router.Handle("/metrics", observability.Handler(registry))
//
// # Tracing
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "gatekeeper",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
