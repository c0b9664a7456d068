package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// PostgresLogger stores audit records in PostgreSQL
type PostgresLogger struct {
	db       *sql.DB
	archiver Archiver
}

// NewPostgresLogger creates a new PostgreSQL audit logger. archiver may be nil.
func NewPostgresLogger(db *sql.DB, archiver Archiver) (*PostgresLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &PostgresLogger{db: db, archiver: archiver}, nil
}

// Migrations returns the schema for the audit trail
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create audit_records table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_records (
					id BIGSERIAL PRIMARY KEY,
					timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
					tenant_id BIGINT NOT NULL,
					actor_id BIGINT,
					action VARCHAR(100) NOT NULL,
					outcome VARCHAR(20) NOT NULL,
					target_type VARCHAR(50) NOT NULL DEFAULT '',
					target_id VARCHAR(255) NOT NULL DEFAULT '',
					reason TEXT NOT NULL DEFAULT '',
					request_id VARCHAR(100) NOT NULL DEFAULT '',
					metadata JSONB,
					changes JSONB
				);

				CREATE INDEX IF NOT EXISTS idx_audit_records_tenant_time ON audit_records(tenant_id, timestamp DESC);
				CREATE INDEX IF NOT EXISTS idx_audit_records_tenant_actor ON audit_records(tenant_id, actor_id);
				CREATE INDEX IF NOT EXISTS idx_audit_records_action ON audit_records(action);
			`,
		},
	}
}

// Log inserts a record
func (l *PostgresLogger) Log(ctx context.Context, record *Record) error {
	var metadataJSON, changesJSON []byte
	var err error

	if record.Metadata != nil {
		metadataJSON, err = json.Marshal(record.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	if record.Changes != nil {
		changesJSON, err = json.Marshal(record.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
	}

	query := `
		INSERT INTO audit_records (
			timestamp, tenant_id, actor_id,
			action, outcome, target_type, target_id,
			reason, request_id, metadata, changes
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10, $11
		) RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		record.Timestamp, record.TenantID, record.ActorID,
		string(record.Action), string(record.Outcome), string(record.TargetType), record.TargetID,
		record.Reason, record.RequestID, metadataJSON, changesJSON,
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	return nil
}

const recordColumns = `
	id, timestamp, tenant_id, actor_id,
	action, outcome, target_type, target_id,
	reason, request_id, metadata, changes
`

// Query returns records matching the filter, newest first
func (l *PostgresLogger) Query(ctx context.Context, filter Filter) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM audit_records WHERE tenant_id = $1`

	args := []interface{}{filter.TenantID}
	argCount := 2

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	if filter.ActorID != nil {
		query += fmt.Sprintf(" AND actor_id = $%d", argCount)
		args = append(args, *filter.ActorID)
		argCount++
	}

	if len(filter.Actions) > 0 {
		query += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		args = append(args, pq.Array(actions))
		argCount++
	}

	if filter.Outcome != nil {
		query += fmt.Sprintf(" AND outcome = $%d", argCount)
		args = append(args, string(*filter.Outcome))
		argCount++
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	records := make([]*Record, 0)
	for rows.Next() {
		record := &Record{}
		var actorID sql.NullInt64
		var action, outcome, targetType string
		var metadataJSON, changesJSON []byte

		err := rows.Scan(
			&record.ID, &record.Timestamp, &record.TenantID, &actorID,
			&action, &outcome, &targetType, &record.TargetID,
			&record.Reason, &record.RequestID, &metadataJSON, &changesJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		record.Action = Action(action)
		record.Outcome = Outcome(outcome)
		record.TargetType = TargetType(targetType)
		if actorID.Valid {
			id := actorID.Int64
			record.ActorID = &id
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		if len(changesJSON) > 0 {
			record.Changes = &ChangeDetails{}
			if err := json.Unmarshal(changesJSON, record.Changes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
			}
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}

	return records, nil
}

// Export renders the matching records in the requested format
func (l *PostgresLogger) Export(ctx context.Context, filter Filter, format ExportFormat) ([]byte, error) {
	records, err := l.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	return Render(records, format)
}

// Cleanup deletes records older than the retention period, archiving them first
// when the policy asks for it.
func (l *PostgresLogger) Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -policy.RetentionDays)

	if policy.ArchiveEnabled && l.archiver != nil {
		rows, err := l.db.QueryContext(ctx,
			`SELECT `+recordColumns+` FROM audit_records WHERE timestamp < $1 ORDER BY id`,
			cutoff,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to select expiring audit records: %w", err)
		}
		records, err := scanRecords(rows)
		rows.Close()
		if err != nil {
			return 0, err
		}
		if len(records) > 0 {
			if err := l.archiver.Archive(ctx, cutoff, records); err != nil {
				return 0, fmt.Errorf("failed to archive audit records: %w", err)
			}
		}
	}

	result, err := l.db.ExecContext(ctx, "DELETE FROM audit_records WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit records: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return rowsAffected, nil
}
