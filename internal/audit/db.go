package audit

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-gatepass/internal/logger"
	"ms-gatepass/internal/models"
)

const tablePrefix = "audit_logs_"

// partitionPattern validates resolved table names once, centrally. Nothing
// else in the package interpolates identifiers.
var partitionPattern = regexp.MustCompile(`^audit_logs_\d{4}_\d{2}_\d{2}$`)

// DB is the day-partitioned audit log: one append-only table per calendar
// day, created lazily on first write, scanned backward for history reads.
type DB struct {
	Bun               *bun.DB
	Logger            *logger.Logger
	HistoryWindowDays int
	RecentWindowDays  int
}

func NewDB(bunDB *bun.DB, log *logger.Logger, historyWindowDays, recentWindowDays int) *DB {
	return &DB{
		Bun:               bunDB,
		Logger:            log,
		HistoryWindowDays: historyWindowDays,
		RecentWindowDays:  recentWindowDays,
	}
}

// TableNameFor derives the partition table name for a date.
func TableNameFor(date time.Time) string {
	return tablePrefix + date.Format("2006_01_02")
}

func resolveTable(date time.Time) (string, error) {
	name := TableNameFor(date)
	if !partitionPattern.MatchString(name) {
		return "", fmt.Errorf("invalid audit partition name %q", name)
	}
	return name, nil
}

func (d *DB) ensureTable(ctx context.Context, name string) error {
	_, err := d.Bun.NewCreateTable().
		Model((*models.AuditRecord)(nil)).
		ModelTableExpr("?", bun.Ident(name)).
		IfNotExists().
		Exec(ctx)
	return err
}

func (d *DB) tableExists(ctx context.Context, name string) (bool, error) {
	switch d.Bun.Dialect().Name() {
	case dialect.SQLite:
		count, err := d.Bun.NewSelect().
			Table("sqlite_master").
			Where("type = 'table'").
			Where("name = ?", name).
			Count(ctx)
		return count > 0, err
	default:
		count, err := d.Bun.NewSelect().
			Table("information_schema.tables").
			Where("table_name = ?", name).
			Count(ctx)
		return count > 0, err
	}
}

// Insert appends one record to the partition for its creation date, creating
// the day's table if this is the first write of the day. The caller must not
// return success to the client before this returns.
func (d *DB) Insert(ctx context.Context, record *models.AuditRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	name, err := resolveTable(record.CreatedAt)
	if err != nil {
		return err
	}
	if err := d.ensureTable(ctx, name); err != nil {
		return fmt.Errorf("ensure audit table %s: %w", name, err)
	}
	_, err = d.Bun.NewInsert().
		Model(record).
		ModelTableExpr("? AS audit_record", bun.Ident(name)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert audit record into %s: %w", name, err)
	}
	return nil
}

// HistoryByUID walks backward across the full history window collecting
// records for one UID, newest first, stopping early once limit is reached.
func (d *DB) HistoryByUID(ctx context.Context, uid string, limit int) ([]models.AuditRecord, error) {
	return d.scanByUID(ctx, uid, limit, d.HistoryWindowDays)
}

// RecentByUID is the short-window variant used for recent-activity queries.
func (d *DB) RecentByUID(ctx context.Context, uid string, limit int) ([]models.AuditRecord, error) {
	return d.scanByUID(ctx, uid, limit, d.RecentWindowDays)
}

func (d *DB) scanByUID(ctx context.Context, uid string, limit, windowDays int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var results []models.AuditRecord
	today := time.Now()

	for i := 0; i < windowDays && len(results) < limit; i++ {
		day := today.AddDate(0, 0, -i)
		name, err := resolveTable(day)
		if err != nil {
			return nil, err
		}

		exists, err := d.tableExists(ctx, name)
		if err != nil {
			// A failed existence check degrades to fewer rows, not a failed query
			d.Logger.LogDatabase("SCAN", name, fmt.Sprintf("existence check failed, skipping day: %v", err))
			continue
		}
		if !exists {
			continue
		}

		var dayRecords []models.AuditRecord
		err = d.Bun.NewSelect().
			Model(&dayRecords).
			ModelTableExpr("? AS audit_record", bun.Ident(name)).
			Where("uid = ?", uid).
			OrderExpr("created_at DESC").
			Limit(limit - len(results)).
			Scan(ctx)
		if err != nil {
			d.Logger.LogDatabase("SCAN", name, fmt.Sprintf("day query failed, skipping: %v", err))
			continue
		}
		results = append(results, dayRecords...)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
