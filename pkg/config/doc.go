// Package config loads gatekeeper configuration from environment variables.
//
// Every variable carries the GATEKEEPER_ prefix followed by the section name:
//
//	GATEKEEPER_SERVER_PORT="8080"
//	GATEKEEPER_SERVER_HEALTH_PORT="9090"
//	GATEKEEPER_POSTGRES_URL="postgres://localhost/gatekeeper?sslmode=disable"
//	GATEKEEPER_REDIS_URL="redis://localhost:6379/0"   # empty disables the shared tier
//	GATEKEEPER_CACHE_MAX_STALENESS="2s"
//	GATEKEEPER_DECISION_TIMEOUT="250ms"
//	GATEKEEPER_DECISION_DEFAULT_CONSISTENCY="strong"  # strong, bounded
//	GATEKEEPER_SCHEDULER_DELEGATION_EXPIRY="@every 1m"
//	GATEKEEPER_AUDIT_RETENTION_DAYS="365"
//	GATEKEEPER_AUDIT_ARCHIVE_ENABLED="true"
//	GATEKEEPER_AUDIT_S3_BUCKET="gatekeeper-audit"
//	GATEKEEPER_OBSERVABILITY_LOG_LEVEL="info"         # debug, info, warn, error
//	GATEKEEPER_OBSERVABILITY_OTEL_ENABLED="true"
//	GATEKEEPER_CATALOG_PATH="/etc/gatekeeper/catalog.yaml"
//	GATEKEEPER_PLATFORM_OPERATORS="900,901"          # users holding platform:operator
//
// Load applies defaults, then Validate reports every problem at once.
package config
