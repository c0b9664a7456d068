package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/decision"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/projection"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// Prefix is prepended to every environment variable name
const Prefix = "GATEKEEPER"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `envconfig:"SERVER"`
	Postgres      PostgresConfig      `envconfig:"POSTGRES"`
	Redis         RedisConfig         `envconfig:"REDIS"`
	Cache         CacheConfig         `envconfig:"CACHE"`
	Decision      DecisionConfig      `envconfig:"DECISION"`
	Scheduler     SchedulerConfig     `envconfig:"SCHEDULER"`
	Audit         AuditConfig         `envconfig:"AUDIT"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`

	// CatalogPath overrides the embedded permission and plan catalog
	CatalogPath string `envconfig:"CATALOG_PATH"`

	// PlatformOperators are user IDs granted the platform operator role at startup
	PlatformOperators []int64 `envconfig:"PLATFORM_OPERATORS"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"1048576"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `envconfig:"HEALTH_PORT" default:"9090"`
}

// Addr returns the API listen address
func (s ServerConfig) Addr() string { return s.Host + ":" + s.Port }

// HealthAddr returns the health and metrics listen address
func (s ServerConfig) HealthAddr() string { return s.Host + ":" + s.HealthPort }

// PostgresConfig holds database settings
type PostgresConfig struct {
	URL         string        `envconfig:"URL"`
	MaxConns    int           `envconfig:"MAX_CONNS" default:"25"`
	MinConns    int           `envconfig:"MIN_CONNS" default:"5"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"10s"`
	MaxLifetime time.Duration `envconfig:"MAX_LIFETIME" default:"30m"`
	MaxIdleTime time.Duration `envconfig:"MAX_IDLE_TIME" default:"5m"`
	// Migrate applies schema migrations at startup
	Migrate bool `envconfig:"MIGRATE" default:"true"`
}

// Storage converts to the storage package's connection settings
func (p PostgresConfig) Storage() storage.PostgresConfig {
	return storage.PostgresConfig{
		URL:         p.URL,
		MaxConns:    p.MaxConns,
		MinConns:    p.MinConns,
		Timeout:     p.Timeout,
		MaxLifetime: p.MaxLifetime,
		MaxIdleTime: p.MaxIdleTime,
	}
}

// RedisConfig holds the shared projection tier settings. An empty URL disables it.
type RedisConfig struct {
	URL        string `envconfig:"URL"`
	Password   string `envconfig:"PASSWORD"`
	DB         int    `envconfig:"DB" default:"0"`
	MaxRetries int    `envconfig:"MAX_RETRIES" default:"3"`
	PoolSize   int    `envconfig:"POOL_SIZE" default:"10"`
	KeyPrefix  string `envconfig:"KEY_PREFIX" default:"gk:proj"`
}

// Enabled reports whether a shared tier is configured
func (r RedisConfig) Enabled() bool { return r.URL != "" }

// Storage converts to the storage package's client settings
func (r RedisConfig) Storage() storage.RedisConfig {
	return storage.RedisConfig{
		URL:        r.URL,
		Password:   r.Password,
		DB:         r.DB,
		MaxRetries: r.MaxRetries,
		PoolSize:   r.PoolSize,
	}
}

// CacheConfig holds the projection cache settings
type CacheConfig struct {
	Size         int           `envconfig:"SIZE" default:"10000"`
	TTL          time.Duration `envconfig:"TTL" default:"5m"`
	MaxStaleness time.Duration `envconfig:"MAX_STALENESS" default:"2s"`
	RemoteTTL    time.Duration `envconfig:"REMOTE_TTL" default:"10m"`
}

// Projection converts to the projection cache configuration
func (c CacheConfig) Projection() projection.Config {
	return projection.Config{
		Size:         c.Size,
		TTL:          c.TTL,
		MaxStaleness: c.MaxStaleness,
		RemoteTTL:    c.RemoteTTL,
	}
}

// DecisionConfig holds access check settings
type DecisionConfig struct {
	Timeout               time.Duration `envconfig:"TIMEOUT" default:"250ms"`
	ImplicitFeatureGating bool          `envconfig:"IMPLICIT_FEATURE_GATING" default:"true"`
	AuditDenials          bool          `envconfig:"AUDIT_DENIALS" default:"false"`
	// DefaultConsistency applies when a check request does not name one
	DefaultConsistency string `envconfig:"DEFAULT_CONSISTENCY" default:"strong"`
}

// Service converts to the decision service configuration
func (d DecisionConfig) Service() decision.Config {
	return decision.Config{
		Timeout:               d.Timeout,
		ImplicitFeatureGating: d.ImplicitFeatureGating,
		AuditDenials:          d.AuditDenials,
	}
}

// Consistency parses DefaultConsistency
func (d DecisionConfig) Consistency() (projection.Consistency, error) {
	return projection.ParseConsistency(d.DefaultConsistency)
}

// SchedulerConfig holds cron specs for the maintenance jobs. An empty spec
// leaves the job registered for manual runs only.
type SchedulerConfig struct {
	Enabled           bool          `envconfig:"ENABLED" default:"true"`
	JobTimeout        time.Duration `envconfig:"JOB_TIMEOUT" default:"5m"`
	ProjectionRefresh string        `envconfig:"PROJECTION_REFRESH" default:"@every 30s"`
	DelegationExpiry  string        `envconfig:"DELEGATION_EXPIRY" default:"@every 1m"`
	AuditRetention    string        `envconfig:"AUDIT_RETENTION" default:"@daily"`
	DBStats           string        `envconfig:"DB_STATS" default:"@every 15s"`
}

// AuditConfig holds retention and archive settings
type AuditConfig struct {
	RetentionDays  int  `envconfig:"RETENTION_DAYS" default:"365"`
	ArchiveEnabled bool `envconfig:"ARCHIVE_ENABLED" default:"false"`
	// LogToStdout mirrors every audit record onto the process logger
	LogToStdout bool `envconfig:"LOG_TO_STDOUT" default:"false"`

	S3 S3Config `envconfig:"S3"`
}

// RetentionPolicy converts to the audit retention policy
func (a AuditConfig) RetentionPolicy() audit.RetentionPolicy {
	return audit.RetentionPolicy{
		RetentionDays:  a.RetentionDays,
		ArchiveEnabled: a.ArchiveEnabled,
	}
}

// S3Config holds the audit archive bucket settings
type S3Config struct {
	Endpoint     string `envconfig:"ENDPOINT"`
	Region       string `envconfig:"REGION" default:"us-east-1"`
	Bucket       string `envconfig:"BUCKET"`
	Prefix       string `envconfig:"PREFIX" default:"audit"`
	AccessKey    string `envconfig:"ACCESS_KEY"`
	SecretKey    string `envconfig:"SECRET_KEY"`
	UsePathStyle bool   `envconfig:"USE_PATH_STYLE" default:"false"`
}

// Archive converts to the audit archiver configuration
func (s S3Config) Archive() audit.S3Config {
	return audit.S3Config{
		Endpoint:     s.Endpoint,
		Region:       s.Region,
		Bucket:       s.Bucket,
		Prefix:       s.Prefix,
		AccessKey:    s.AccessKey,
		SecretKey:    s.SecretKey,
		UsePathStyle: s.UsePathStyle,
	}
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`

	OTelEnabled        bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OTelEndpoint       string  `envconfig:"OTEL_ENDPOINT" default:"localhost:4317"`
	OTelServiceName    string  `envconfig:"OTEL_SERVICE_NAME" default:"gatekeeper"`
	OTelServiceVersion string  `envconfig:"OTEL_SERVICE_VERSION" default:"1.0.0"`
	OTelInsecure       bool    `envconfig:"OTEL_INSECURE" default:"true"`
	OTelSampleRatio    float64 `envconfig:"OTEL_SAMPLE_RATIO" default:"1"`
}

// OTel converts to the OpenTelemetry setup configuration
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Load reads configuration from GATEKEEPER_* environment variables and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks required values and cross-field rules
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Server.HealthPort == "" {
		errs = append(errs, errors.New("health port is required"))
	}
	if c.Server.Port != "" && c.Server.Port == c.Server.HealthPort {
		errs = append(errs, errors.New("server port and health port must be different"))
	}

	if c.Postgres.URL == "" {
		errs = append(errs, errors.New("postgres URL is required"))
	}
	if c.Postgres.MinConns > c.Postgres.MaxConns {
		errs = append(errs, fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)", c.Postgres.MinConns, c.Postgres.MaxConns))
	}

	if c.Cache.Size <= 0 {
		errs = append(errs, errors.New("cache size must be positive"))
	}
	if c.Cache.MaxStaleness < 0 {
		errs = append(errs, errors.New("cache max staleness must not be negative"))
	}

	for _, id := range c.PlatformOperators {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("platform operator id %d must be positive", id))
		}
	}

	if c.Decision.Timeout <= 0 {
		errs = append(errs, errors.New("decision timeout must be positive"))
	}
	if _, err := c.Decision.Consistency(); err != nil {
		errs = append(errs, err)
	}

	if c.Audit.RetentionDays <= 0 {
		errs = append(errs, errors.New("audit retention days must be positive"))
	}
	if c.Audit.ArchiveEnabled && c.Audit.S3.Bucket == "" {
		errs = append(errs, errors.New("S3 bucket is required when audit archiving is enabled"))
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Observability.LogLevel))
	}
	switch strings.ToLower(c.Observability.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q (must be json or text)", c.Observability.LogFormat))
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			errs = append(errs, errors.New("OpenTelemetry endpoint is required when OTel is enabled"))
		}
		if c.Observability.OTelServiceName == "" {
			errs = append(errs, errors.New("OpenTelemetry service name is required when OTel is enabled"))
		}
	}

	return errors.Join(errs...)
}
