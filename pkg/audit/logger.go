package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
)

// Logger appends audit records
type Logger interface {
	Log(ctx context.Context, record *Record) error
}

// Store reads and maintains the audit trail
type Store interface {
	Query(ctx context.Context, filter Filter) ([]*Record, error)
	Export(ctx context.Context, filter Filter, format ExportFormat) ([]byte, error)
	Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error)
}

// NewRecord builds a record stamped with the current time and the request id
// carried by ctx.
func NewRecord(ctx context.Context, tenantID int64, actorID *int64, action Action, outcome Outcome) *Record {
	r := &Record{
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Action:    action,
		Outcome:   outcome,
	}
	if id, ok := contextkeys.GetRequestID(ctx); ok {
		r.RequestID = id
	}
	return r
}

// Actor returns a pointer for use as Record.ActorID
func Actor(id int64) *int64 {
	return &id
}

// NoOpLogger discards records
type NoOpLogger struct{}

// Log implements Logger
func (NoOpLogger) Log(context.Context, *Record) error { return nil }
