package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLogger keeps audit records in process. Used by tests and single-node
// development setups.
type MemoryLogger struct {
	mu      sync.RWMutex
	records []*Record
	nextID  int64
}

// NewMemoryLogger creates an empty MemoryLogger
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log implements Logger
func (l *MemoryLogger) Log(_ context.Context, record *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	record.ID = l.nextID
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	stored := *record
	l.records = append(l.records, &stored)
	return nil
}

// Records returns a copy of every stored record in insertion order
func (l *MemoryLogger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[i] = *r
	}
	return out
}

func (f Filter) matches(r *Record) bool {
	if r.TenantID != f.TenantID {
		return false
	}
	if f.StartTime != nil && r.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && r.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.ActorID != nil && (r.ActorID == nil || *r.ActorID != *f.ActorID) {
		return false
	}
	if f.Outcome != nil && r.Outcome != *f.Outcome {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == r.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Query implements Store
func (l *MemoryLogger) Query(_ context.Context, filter Filter) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	matched := make([]*Record, 0)
	for _, r := range l.records {
		if filter.matches(r) {
			c := *r
			matched = append(matched, &c)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*Record{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Export implements Store
func (l *MemoryLogger) Export(ctx context.Context, filter Filter, format ExportFormat) ([]byte, error) {
	records, err := l.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	return Render(records, format)
}

// Cleanup implements Store. Archiving is not supported in memory.
func (l *MemoryLogger) Cleanup(_ context.Context, policy RetentionPolicy) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -policy.RetentionDays)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.records[:0]
	var removed int64
	for _, r := range l.records {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	l.records = kept
	return removed, nil
}
