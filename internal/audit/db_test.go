package audit_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-gatepass/internal/audit"
	"ms-gatepass/internal/logger"
	"ms-gatepass/internal/models"
)

func setupAuditDB(t *testing.T) *audit.DB {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:?cache=shared")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { bunDB.Close() })

	return audit.NewDB(bunDB, logger.NewLogger(), 90, 30)
}

func verifyRecord(uid string, createdAt time.Time) *models.AuditRecord {
	return &models.AuditRecord{
		ActionType: models.AuditActionVerifyPass,
		UserID:     "gate-operator-1",
		Role:       "SCANNER",
		UID:        uid,
		Result:     models.AuditResultSuccess,
		CreatedAt:  createdAt,
	}
}

func TestTableNameFor(t *testing.T) {
	date := time.Date(2026, 8, 29, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, "audit_logs_2026_08_29", audit.TableNameFor(date))
}

// The first write of a day creates its partition; later writes reuse it.
func TestInsertCreatesDayPartitionLazily(t *testing.T) {
	d := setupAuditDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, d.Insert(ctx, verifyRecord("AUD001", now)))
	require.NoError(t, d.Insert(ctx, verifyRecord("AUD001", now)))

	count, err := d.Bun.NewSelect().
		Table("sqlite_master").
		Where("type = 'table'").
		Where("name = ?", audit.TableNameFor(now)).
		Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	records, err := d.HistoryByUID(ctx, "AUD001", 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

// History spans partitions: records written on different days all come back,
// newest first, with missing days skipped silently.
func TestHistorySpansMultipleDays(t *testing.T) {
	d := setupAuditDB(t)
	ctx := context.Background()
	now := time.Now()

	// Days 0, 1 and 3 have records; day 2 has no partition at all
	for _, daysAgo := range []int{0, 1, 3} {
		require.NoError(t, d.Insert(ctx, verifyRecord("AUD002", now.AddDate(0, 0, -daysAgo))))
	}

	records, err := d.HistoryByUID(ctx, "AUD002", 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i := 1; i < len(records); i++ {
		assert.False(t, records[i].CreatedAt.After(records[i-1].CreatedAt), "history must be newest first")
	}
}

func TestHistoryFiltersByUID(t *testing.T) {
	d := setupAuditDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, d.Insert(ctx, verifyRecord("AUD003", now)))
	require.NoError(t, d.Insert(ctx, verifyRecord("OTHER1", now)))

	records, err := d.HistoryByUID(ctx, "AUD003", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "AUD003", records[0].UID)
}

func TestHistoryHonorsLimit(t *testing.T) {
	d := setupAuditDB(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Insert(ctx, verifyRecord("AUD004", now.Add(-time.Duration(i)*time.Minute))))
	}

	records, err := d.HistoryByUID(ctx, "AUD004", 3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

// The recent window is shorter than the full history window: a record older
// than the recent window only shows up in full history.
func TestRecentWindowExcludesOldRecords(t *testing.T) {
	d := setupAuditDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, d.Insert(ctx, verifyRecord("AUD005", now)))
	require.NoError(t, d.Insert(ctx, verifyRecord("AUD005", now.AddDate(0, 0, -45))))

	recent, err := d.RecentByUID(ctx, "AUD005", 0)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	full, err := d.HistoryByUID(ctx, "AUD005", 0)
	require.NoError(t, err)
	assert.Len(t, full, 2)
}
