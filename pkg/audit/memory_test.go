package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
)

func seedMemory(t *testing.T) *MemoryLogger {
	t.Helper()
	ctx := context.Background()
	l := NewMemoryLogger()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []struct {
		tenant  int64
		actor   int64
		action  Action
		outcome Outcome
		offset  time.Duration
	}{
		{7, 1, ActionRoleCreate, OutcomeSuccess, 0},
		{7, 2, ActionRoleAssign, OutcomeSuccess, time.Hour},
		{7, 1, ActionAccessDenied, OutcomeDenied, 2 * time.Hour},
		{8, 1, ActionRoleCreate, OutcomeSuccess, 3 * time.Hour},
	}
	for _, e := range entries {
		r := NewRecord(ctx, e.tenant, Actor(e.actor), e.action, e.outcome)
		r.Timestamp = base.Add(e.offset)
		require.NoError(t, l.Log(ctx, r))
	}
	return l
}

func TestMemoryLogger_Query(t *testing.T) {
	l := seedMemory(t)
	ctx := context.Background()

	t.Run("tenant isolation and ordering", func(t *testing.T) {
		records, err := l.Query(ctx, Filter{TenantID: 7})
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, ActionAccessDenied, records[0].Action)
		assert.Equal(t, ActionRoleCreate, records[2].Action)
	})

	t.Run("actor filter", func(t *testing.T) {
		actor := int64(1)
		records, err := l.Query(ctx, Filter{TenantID: 7, ActorID: &actor})
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("action and outcome filters", func(t *testing.T) {
		denied := OutcomeDenied
		records, err := l.Query(ctx, Filter{TenantID: 7, Actions: []Action{ActionAccessDenied, ActionRoleAssign}, Outcome: &denied})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, ActionAccessDenied, records[0].Action)
	})

	t.Run("date range", func(t *testing.T) {
		start := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
		end := time.Date(2026, 3, 1, 13, 30, 0, 0, time.UTC)
		records, err := l.Query(ctx, Filter{TenantID: 7, StartTime: &start, EndTime: &end})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, ActionRoleAssign, records[0].Action)
	})

	t.Run("pagination", func(t *testing.T) {
		records, err := l.Query(ctx, Filter{TenantID: 7, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, ActionRoleAssign, records[0].Action)

		records, err = l.Query(ctx, Filter{TenantID: 7, Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestMemoryLogger_Export(t *testing.T) {
	l := seedMemory(t)
	ctx := context.Background()

	t.Run("json", func(t *testing.T) {
		data, err := l.Export(ctx, Filter{TenantID: 7}, ExportFormatJSON)
		require.NoError(t, err)
		var decoded []Record
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Len(t, decoded, 3)
	})

	t.Run("ndjson", func(t *testing.T) {
		data, err := l.Export(ctx, Filter{TenantID: 7}, ExportFormatNDJSON)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		assert.Len(t, lines, 3)
	})

	t.Run("csv", func(t *testing.T) {
		data, err := l.Export(ctx, Filter{TenantID: 8}, ExportFormatCSV)
		require.NoError(t, err)
		rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "Action", rows[0][4])
		assert.Equal(t, "role.create", rows[1][4])
	})
}

func TestMemoryLogger_Cleanup(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLogger()

	old := NewRecord(ctx, 7, nil, ActionRoleCreate, OutcomeSuccess)
	old.Timestamp = time.Now().AddDate(0, 0, -100)
	require.NoError(t, l.Log(ctx, old))
	require.NoError(t, l.Log(ctx, NewRecord(ctx, 7, nil, ActionRoleCreate, OutcomeSuccess)))

	n, err := l.Cleanup(ctx, RetentionPolicy{RetentionDays: 90})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, l.Records(), 1)
}

func TestNewRecord_CarriesRequestID(t *testing.T) {
	ctx := contextkeys.WithRequestID(context.Background(), "req-9")
	r := NewRecord(ctx, 1, nil, ActionFeatureGrant, OutcomeSuccess)
	assert.Equal(t, "req-9", r.RequestID)
	assert.Nil(t, r.ActorID)
}

func TestParseExportFormat(t *testing.T) {
	assert.Equal(t, ExportFormatCSV, ParseExportFormat("csv"))
	assert.Equal(t, ExportFormatNDJSON, ParseExportFormat("ndjson"))
	assert.Equal(t, ExportFormatJSON, ParseExportFormat("xml"))
	assert.Equal(t, "text/csv", ContentType(ExportFormatCSV))
}

type failingLogger struct{ err error }

func (f failingLogger) Log(context.Context, *Record) error { return f.err }

func TestMultiLogger(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryLogger()
	boom := errors.New("boom")

	m := NewMultiLogger(failingLogger{boom}, mem)
	err := m.Log(ctx, NewRecord(ctx, 1, nil, ActionRoleCreate, OutcomeSuccess))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, mem.Records(), 1, "later loggers still receive the record")
}

func TestLogrusLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := NewLogrusLogger(logger)

	r := NewRecord(context.Background(), 7, Actor(3), ActionAccessFailure, OutcomeFailure)
	r.Reason = "StoreUnavailable"
	require.NoError(t, l.Log(context.Background(), r))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "StoreUnavailable", entry.Message)
	assert.Equal(t, int64(3), entry.Data["actor_id"])
}
