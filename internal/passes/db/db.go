package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-gatepass/internal/models"
)

type DB struct {
	Bun *bun.DB
}

var ErrPassNotFound = errors.New("pass not found")

// FindByUID returns the pass for a tag UID, soft-deleted rows included.
// Callers decide how to treat status=deleted.
func (d *DB) FindByUID(ctx context.Context, uid string) (*models.Pass, error) {
	var pass models.Pass
	err := d.Bun.NewSelect().
		Model(&pass).
		Where("uid = ?", uid).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPassNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pass, nil
}

func (d *DB) FindByID(ctx context.Context, passID string) (*models.Pass, error) {
	var pass models.Pass
	err := d.Bun.NewSelect().
		Model(&pass).
		Where("pass_id = ?", passID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPassNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pass, nil
}

func (d *DB) Create(ctx context.Context, pass models.Pass) error {
	_, err := d.Bun.NewInsert().Model(&pass).Exec(ctx)
	return err
}

// CreateBatch inserts all passes in one statement. The bulk pipeline has
// already filtered duplicates, so a conflict here is a real error.
func (d *DB) CreateBatch(ctx context.Context, passes []models.Pass) error {
	if len(passes) == 0 {
		return nil
	}
	_, err := d.Bun.NewInsert().Model(&passes).Exec(ctx)
	return err
}

func (d *DB) UpdateStatus(ctx context.Context, passID, status string) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.Pass)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("pass_id = ?", passID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateUsage commits a verification mutation: used_count, status and
// last_used_at move together in one statement.
func (d *DB) UpdateUsage(ctx context.Context, passID string, usedCount int, status string, lastUsedAt time.Time) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.Pass)(nil)).
		Set("used_count = ?", usedCount).
		Set("status = ?", status).
		Set("last_used_at = ?", lastUsedAt).
		Set("updated_at = ?", time.Now()).
		Where("pass_id = ?", passID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (d *DB) SetUsedCount(ctx context.Context, passID string, usedCount int) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.Pass)(nil)).
		Set("used_count = ?", usedCount).
		Set("updated_at = ?", time.Now()).
		Where("pass_id = ?", passID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SoftDelete marks a pass deleted. The row is never physically removed so the
// audit trail stays joinable.
func (d *DB) SoftDelete(ctx context.Context, passID string) error {
	now := time.Now()
	res, err := d.Bun.NewUpdate().
		Model((*models.Pass)(nil)).
		Set("status = ?", models.PassStatusDeleted).
		Set("deleted_at = ?", now).
		Set("updated_at = ?", now).
		Where("pass_id = ?", passID).
		Where("status != ?", models.PassStatusDeleted).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ExistingUIDs returns which of the given UIDs already have a pass row,
// soft-deleted rows included (a deleted UID is still taken).
func (d *DB) ExistingUIDs(ctx context.Context, uids []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(uids) == 0 {
		return existing, nil
	}
	var found []string
	err := d.Bun.NewSelect().
		Model((*models.Pass)(nil)).
		Column("uid").
		Where("uid IN (?)", bun.In(uids)).
		Scan(ctx, &found)
	if err != nil {
		return nil, err
	}
	for _, uid := range found {
		existing[uid] = true
	}
	return existing, nil
}

func (d *DB) ExistsByUID(ctx context.Context, uid string) (bool, error) {
	return d.Bun.NewSelect().
		Model((*models.Pass)(nil)).
		Where("uid = ?", uid).
		Exists(ctx)
}

// ActivePasses returns every pass the cache should mirror in its active
// projection (status active or used; blocked and deleted are excluded).
func (d *DB) ActivePasses(ctx context.Context) ([]models.Pass, error) {
	var passes []models.Pass
	err := d.Bun.NewSelect().
		Model(&passes).
		Where("status IN (?)", bun.In([]string{models.PassStatusActive, models.PassStatusUsed})).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return passes, nil
}

// BlockedUIDs returns the UIDs of all blocked passes for the cache's
// blocked-membership set.
func (d *DB) BlockedUIDs(ctx context.Context) ([]string, error) {
	var uids []string
	err := d.Bun.NewSelect().
		Model((*models.Pass)(nil)).
		Column("uid").
		Where("status = ?", models.PassStatusBlocked).
		Scan(ctx, &uids)
	if err != nil {
		return nil, err
	}
	return uids, nil
}

// CategoryExists checks the read-only category directory.
func (d *DB) CategoryExists(ctx context.Context, key string) (bool, error) {
	return d.Bun.NewSelect().
		Model((*models.Category)(nil)).
		Where("key = ?", key).
		Exists(ctx)
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("no rows updated: %w", ErrPassNotFound)
	}
	return nil
}
