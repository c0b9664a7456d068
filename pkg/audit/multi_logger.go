package audit

import (
	"context"

	"github.com/sirupsen/logrus"
)

// MultiLogger writes each record to every configured logger in order
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a new multi-logger that writes to multiple destinations
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log implements Logger. Every logger is attempted; the first error is returned.
func (m *MultiLogger) Log(ctx context.Context, record *Record) error {
	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogrusLogger mirrors audit records into the structured process log
type LogrusLogger struct {
	logger logrus.FieldLogger
}

// NewLogrusLogger creates a LogrusLogger
func NewLogrusLogger(logger logrus.FieldLogger) *LogrusLogger {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogrusLogger{logger: logger}
}

// Log implements Logger
func (l *LogrusLogger) Log(_ context.Context, record *Record) error {
	fields := logrus.Fields{
		"audit_action": record.Action,
		"outcome":      record.Outcome,
		"tenant_id":    record.TenantID,
	}
	if record.ActorID != nil {
		fields["actor_id"] = *record.ActorID
	}
	if record.TargetType != "" {
		fields["target_type"] = record.TargetType
		fields["target_id"] = record.TargetID
	}
	if record.RequestID != "" {
		fields["request_id"] = record.RequestID
	}

	entry := l.logger.WithFields(fields)
	switch record.Outcome {
	case OutcomeFailure:
		entry.Warn(record.Reason)
	default:
		entry.Info(record.Reason)
	}
	return nil
}
