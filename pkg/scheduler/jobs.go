package scheduler

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// Job names
const (
	JobProjectionRefresh = "projection_refresh"
	JobDelegationExpiry  = "delegation_expiry"
	JobAuditRetention    = "audit_retention"
	JobDBStats           = "db_stats"
)

// Refresher recomputes cached projections whose epochs moved
type Refresher interface {
	Refresh(ctx context.Context) (int, error)
}

// Expirer transitions delegations past their end date to expired
type Expirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

// RetentionCleaner deletes audit records older than the policy allows
type RetentionCleaner interface {
	Cleanup(ctx context.Context, policy audit.RetentionPolicy) (int64, error)
}

// ProjectionRefresh proactively refreshes hot projections
func ProjectionRefresh(spec string, r Refresher, logger logrus.FieldLogger) Job {
	return Job{
		Name: JobProjectionRefresh,
		Spec: spec,
		Run: func(ctx context.Context) error {
			n, err := r.Refresh(ctx)
			if n > 0 {
				logger.WithField("refreshed", n).Debug("Refreshed stale projections")
			}
			return err
		},
	}
}

// DelegationExpiry sweeps active delegations whose end date has passed
func DelegationExpiry(spec string, e Expirer, logger logrus.FieldLogger) Job {
	return Job{
		Name: JobDelegationExpiry,
		Spec: spec,
		Run: func(ctx context.Context) error {
			n, err := e.ExpireDue(ctx)
			if n > 0 {
				logger.WithField("expired", n).Info("Expired delegations")
			}
			return err
		},
	}
}

// AuditRetention applies the retention policy to the audit store
func AuditRetention(spec string, c RetentionCleaner, policy audit.RetentionPolicy, logger logrus.FieldLogger) Job {
	return Job{
		Name: JobAuditRetention,
		Spec: spec,
		Run: func(ctx context.Context) error {
			n, err := c.Cleanup(ctx, policy)
			if n > 0 {
				logger.WithFields(logrus.Fields{
					"deleted":   n,
					"retention": policy.RetentionDays,
					"archived":  policy.ArchiveEnabled,
				}).Info("Applied audit retention")
			}
			return err
		},
	}
}

// DBStats publishes connection pool gauges
func DBStats(spec string, db *sql.DB, metrics *observability.Metrics) Job {
	return Job{
		Name: JobDBStats,
		Spec: spec,
		Run: func(context.Context) error {
			metrics.RecordDBStats(db.Stats())
			return nil
		},
	}
}
