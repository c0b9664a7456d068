package epoch

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()

	stamp, err := c.Current(ctx, 7, 42)
	require.NoError(t, err)
	assert.Equal(t, Stamp{}, stamp)

	c.BumpGlobal()
	c.BumpTenant(7)
	c.BumpTenant(7)
	c.Bump(7, 42)
	c.Bump(8, 42)

	stamp, err = c.Current(ctx, 7, 42)
	require.NoError(t, err)
	assert.Equal(t, Stamp{Global: 1, Tenant: 2, User: 1}, stamp)

	t.Run("tenants are isolated", func(t *testing.T) {
		other, err := c.Current(ctx, 9, 42)
		require.NoError(t, err)
		assert.Equal(t, Stamp{Global: 1}, other)
	})
}

func TestStampString(t *testing.T) {
	assert.Equal(t, "1.2.3", Stamp{Global: 1, Tenant: 2, User: 3}.String())
}

func TestStampCovers(t *testing.T) {
	base := Stamp{Global: 1, Tenant: 4, User: 2}
	assert.True(t, base.Covers(base))
	assert.True(t, Stamp{Global: 1, Tenant: 5, User: 2}.Covers(base))
	assert.False(t, Stamp{Global: 2, Tenant: 3, User: 9}.Covers(base))
}

func TestPostgresSource_Current(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	t.Run("maps rows onto counters", func(t *testing.T) {
		mock.ExpectQuery("SELECT tenant_id, user_id, epoch FROM access_epochs").
			WithArgs(int64(7), int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "user_id", "epoch"}).
				AddRow(0, 0, 3).
				AddRow(7, 0, 11).
				AddRow(7, 42, 5))

		stamp, err := NewPostgresSource(db).Current(context.Background(), 7, 42)
		require.NoError(t, err)
		assert.Equal(t, Stamp{Global: 3, Tenant: 11, User: 5}, stamp)
	})

	t.Run("missing rows read as zero", func(t *testing.T) {
		mock.ExpectQuery("SELECT tenant_id, user_id, epoch FROM access_epochs").
			WithArgs(int64(7), int64(43)).
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "user_id", "epoch"}).AddRow(0, 0, 3))

		stamp, err := NewPostgresSource(db).Current(context.Background(), 7, 43)
		require.NoError(t, err)
		assert.Equal(t, Stamp{Global: 3}, stamp)
	})

	t.Run("propagates query errors", func(t *testing.T) {
		mock.ExpectQuery("SELECT tenant_id, user_id, epoch FROM access_epochs").
			WillReturnError(errors.New("connection refused"))

		_, err := NewPostgresSource(db).Current(context.Background(), 7, 42)
		assert.Error(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBump(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO access_epochs").
		WithArgs(int64(7), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, BumpTenant(context.Background(), db, 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}
