package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"ms-gatepass/internal/logger"
	"ms-gatepass/internal/models"
)

const (
	// ActiveHashKey holds the active-pass projection: field=uid, value=JSON CacheEntry.
	ActiveHashKey = "pass:active"
	// BlockedSetKey holds blocked-pass membership.
	BlockedSetKey = "pass:blocked"
)

// Cache mirrors active passes and blocked membership in Redis. It is a
// derived index over the pass store, never a source of truth: on any
// divergence the store wins and the cache entry is corrected.
type Cache struct {
	Client *redis.Client
	Logger *logger.Logger
}

func NewCache(client *redis.Client, log *logger.Logger) *Cache {
	return &Cache{Client: client, Logger: log}
}

// RebuildSource is the slice of the pass store the cache needs to repopulate
// itself from scratch.
type RebuildSource interface {
	ActivePasses(ctx context.Context) ([]models.Pass, error)
	BlockedUIDs(ctx context.Context) ([]string, error)
}

func (c *Cache) AddActive(ctx context.Context, uid string, entry models.CacheEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return c.Client.HSet(ctx, ActiveHashKey, uid, payload).Err()
}

func (c *Cache) RemoveActive(ctx context.Context, uid string) error {
	return c.Client.HDel(ctx, ActiveHashKey, uid).Err()
}

// GetActive returns the cached projection for a UID, or nil on a miss.
func (c *Cache) GetActive(ctx context.Context, uid string) (*models.CacheEntry, error) {
	payload, err := c.Client.HGet(ctx, ActiveHashKey, uid).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		// A corrupt entry is treated as a miss so the store repopulates it
		c.Logger.LogCache("GET", uid, fmt.Sprintf("corrupt cache entry dropped: %v", err))
		_ = c.Client.HDel(ctx, ActiveHashKey, uid).Err()
		return nil, nil
	}
	return &entry, nil
}

func (c *Cache) AddBlocked(ctx context.Context, uid string) error {
	return c.Client.SAdd(ctx, BlockedSetKey, uid).Err()
}

func (c *Cache) RemoveBlocked(ctx context.Context, uid string) error {
	return c.Client.SRem(ctx, BlockedSetKey, uid).Err()
}

func (c *Cache) IsBlocked(ctx context.Context, uid string) (bool, error) {
	return c.Client.SIsMember(ctx, BlockedSetKey, uid).Result()
}

// RebuildAll wipes and repopulates both projections from the store in one
// pass. Used after administrative bulk mutations to eliminate accumulated
// divergence.
func (c *Cache) RebuildAll(ctx context.Context, source RebuildSource) (models.CacheStats, error) {
	var stats models.CacheStats

	passes, err := source.ActivePasses(ctx)
	if err != nil {
		return stats, fmt.Errorf("load active passes: %w", err)
	}
	blocked, err := source.BlockedUIDs(ctx)
	if err != nil {
		return stats, fmt.Errorf("load blocked uids: %w", err)
	}

	if err := c.ClearAll(ctx); err != nil {
		return stats, err
	}

	pipe := c.Client.Pipeline()
	for _, pass := range passes {
		entry := models.CacheEntryFromPass(&pass)
		payload, err := json.Marshal(entry)
		if err != nil {
			return stats, fmt.Errorf("marshal cache entry for %s: %w", pass.UID, err)
		}
		pipe.HSet(ctx, ActiveHashKey, pass.UID, payload)
	}
	if len(blocked) > 0 {
		members := make([]interface{}, len(blocked))
		for i, uid := range blocked {
			members[i] = uid
		}
		pipe.SAdd(ctx, BlockedSetKey, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return stats, fmt.Errorf("rebuild pipeline: %w", err)
	}

	stats.ActiveCount = int64(len(passes))
	stats.BlockedCount = int64(len(blocked))
	c.Logger.LogCache("REBUILD", ActiveHashKey,
		fmt.Sprintf("repopulated %d active, %d blocked", stats.ActiveCount, stats.BlockedCount))
	return stats, nil
}

func (c *Cache) ClearAll(ctx context.Context) error {
	return c.Client.Del(ctx, ActiveHashKey, BlockedSetKey).Err()
}

func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var stats models.CacheStats
	active, err := c.Client.HLen(ctx, ActiveHashKey).Result()
	if err != nil {
		return stats, err
	}
	blocked, err := c.Client.SCard(ctx, BlockedSetKey).Result()
	if err != nil {
		return stats, err
	}
	stats.ActiveCount = active
	stats.BlockedCount = blocked
	return stats, nil
}

// CheckConsistency compares the cached projection for one UID against the
// authoritative store row and repairs the cache toward the store. Pass a nil
// row for UIDs the store does not know (or has soft-deleted).
func (c *Cache) CheckConsistency(ctx context.Context, uid string, pass *models.Pass) (models.ConsistencyReport, error) {
	report := models.ConsistencyReport{UID: uid, Consistent: true}

	entry, err := c.GetActive(ctx, uid)
	if err != nil {
		return report, err
	}
	blocked, err := c.IsBlocked(ctx, uid)
	if err != nil {
		return report, err
	}

	if pass == nil || pass.Status == models.PassStatusDeleted {
		if entry != nil || blocked {
			report.Consistent = false
			report.Detail = "cache holds a pass the store does not"
			if err := c.RemoveActive(ctx, uid); err != nil {
				return report, err
			}
			if err := c.RemoveBlocked(ctx, uid); err != nil {
				return report, err
			}
			report.Repaired = true
		}
		return report, nil
	}

	wantBlocked := pass.Status == models.PassStatusBlocked
	wantEntry := models.CacheEntryFromPass(pass)

	if blocked != wantBlocked {
		report.Consistent = false
		report.Detail = "blocked membership disagrees with store status"
	}
	if !wantBlocked {
		if entry == nil || !entriesEqual(*entry, wantEntry) {
			report.Consistent = false
			if report.Detail == "" {
				report.Detail = "active projection disagrees with store row"
			}
		}
	} else if entry != nil {
		report.Consistent = false
		report.Detail = "blocked pass still present in active projection"
	}

	if report.Consistent {
		return report, nil
	}

	// Store wins: rewrite both projections for this UID
	if wantBlocked {
		if err := c.RemoveActive(ctx, uid); err != nil {
			return report, err
		}
		if err := c.AddBlocked(ctx, uid); err != nil {
			return report, err
		}
	} else {
		if err := c.RemoveBlocked(ctx, uid); err != nil {
			return report, err
		}
		if err := c.AddActive(ctx, uid, wantEntry); err != nil {
			return report, err
		}
	}
	report.Repaired = true
	c.Logger.LogCache("REPAIR", uid, report.Detail)
	return report, nil
}

func entriesEqual(a, b models.CacheEntry) bool {
	if a.PassID != b.PassID || a.Status != b.Status || a.PassType != b.PassType ||
		a.Category != b.Category || a.PeopleAllowed != b.PeopleAllowed {
		return false
	}
	if (a.MaxUses == nil) != (b.MaxUses == nil) {
		return false
	}
	return a.MaxUses == nil || *a.MaxUses == *b.MaxUses
}
