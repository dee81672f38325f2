package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"ms-gatepass/internal/logger"
	"ms-gatepass/internal/models"
	"ms-gatepass/internal/passes/cache"
)

// startRedis spins up a throwaway Redis container shared by the subtests of
// one integration test.
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Redis integration test in short mode")
	}

	ctx := context.Background()
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:latest",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { _ = redisContainer.Terminate(ctx) })

	host, err := redisContainer.Host(ctx)
	require.NoError(t, err)
	port, err := redisContainer.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type staticSource struct {
	passes  []models.Pass
	blocked []string
}

func (s staticSource) ActivePasses(ctx context.Context) ([]models.Pass, error) {
	return s.passes, nil
}

func (s staticSource) BlockedUIDs(ctx context.Context) ([]string, error) {
	return s.blocked, nil
}

func activePass(uid string) models.Pass {
	ten := 10
	return models.Pass{
		PassID:        "pass-" + uid,
		UID:           uid,
		PassType:      models.PassTypeSession,
		Category:      "general",
		PeopleAllowed: 2,
		MaxUses:       &ten,
		Status:        models.PassStatusActive,
	}
}

func TestLockIntegration(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	lock := cache.NewLock(client)

	token, acquired, err := lock.TryAcquire(ctx, "LCK001", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotEmpty(t, token)

	// A second acquire while held must fail without blocking
	_, acquired, err = lock.TryAcquire(ctx, "LCK001", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)

	// Release with the wrong token is a no-op
	require.NoError(t, lock.Release(ctx, "LCK001", "stale-token"))
	_, acquired, err = lock.TryAcquire(ctx, "LCK001", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired, "wrong-token release must not free the lock")

	require.NoError(t, lock.Release(ctx, "LCK001", token))
	token2, acquired, err := lock.TryAcquire(ctx, "LCK001", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "lock must be free after owner release")

	require.NoError(t, lock.Extend(ctx, "LCK001", token2, time.Minute))
	assert.Error(t, lock.Extend(ctx, "LCK001", "stale-token", time.Minute))

	require.NoError(t, lock.ForceRelease(ctx, "LCK001"))
	_, acquired, err = lock.TryAcquire(ctx, "LCK001", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestLockExpiry(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	lock := cache.NewLock(client)

	_, acquired, err := lock.TryAcquire(ctx, "EXP001", 500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(700 * time.Millisecond)

	_, acquired, err = lock.TryAcquire(ctx, "EXP001", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "expired lock must be re-acquirable")
}

func TestCacheIntegration(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	c := cache.NewCache(client, logger.NewLogger())

	pass := activePass("CHE001")
	require.NoError(t, c.AddActive(ctx, pass.UID, models.CacheEntryFromPass(&pass)))

	entry, err := c.GetActive(ctx, "CHE001")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, pass.PassID, entry.PassID)
	assert.Equal(t, models.PassStatusActive, entry.Status)

	miss, err := c.GetActive(ctx, "NOPE01")
	require.NoError(t, err)
	assert.Nil(t, miss)

	// A corrupt entry reads as a miss and is dropped
	require.NoError(t, client.HSet(ctx, cache.ActiveHashKey, "BAD001", "{not json").Err())
	entry, err = c.GetActive(ctx, "BAD001")
	require.NoError(t, err)
	assert.Nil(t, entry)
	exists, err := client.HExists(ctx, cache.ActiveHashKey, "BAD001").Result()
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.AddBlocked(ctx, "BLK001"))
	blocked, err := c.IsBlocked(ctx, "BLK001")
	require.NoError(t, err)
	assert.True(t, blocked)
	require.NoError(t, c.RemoveBlocked(ctx, "BLK001"))
	blocked, err = c.IsBlocked(ctx, "BLK001")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestCacheRebuildAndStats(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	c := cache.NewCache(client, logger.NewLogger())

	// Pre-existing junk that the rebuild must wipe
	require.NoError(t, c.AddActive(ctx, "GHOST1", models.CacheEntry{PassID: "pass-GHOST1", Status: models.PassStatusActive}))
	require.NoError(t, c.AddBlocked(ctx, "GHOST2"))

	source := staticSource{
		passes:  []models.Pass{activePass("RBD001"), activePass("RBD002")},
		blocked: []string{"RBD003"},
	}
	stats, err := c.RebuildAll(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ActiveCount)
	assert.Equal(t, int64(1), stats.BlockedCount)

	entry, err := c.GetActive(ctx, "GHOST1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	live, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats, live)
}

func TestCacheConsistencyRepair(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	c := cache.NewCache(client, logger.NewLogger())

	// Cached as active, but the store says blocked
	pass := activePass("CON001")
	require.NoError(t, c.AddActive(ctx, pass.UID, models.CacheEntryFromPass(&pass)))
	pass.Status = models.PassStatusBlocked

	report, err := c.CheckConsistency(ctx, pass.UID, &pass)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.True(t, report.Repaired)

	entry, err := c.GetActive(ctx, pass.UID)
	require.NoError(t, err)
	assert.Nil(t, entry)
	blocked, err := c.IsBlocked(ctx, pass.UID)
	require.NoError(t, err)
	assert.True(t, blocked)

	// A second check sees a consistent cache
	report, err = c.CheckConsistency(ctx, pass.UID, &pass)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.False(t, report.Repaired)
}

func TestPromptTokenIntegration(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	prompts := cache.NewPromptStore(client)

	issued, err := prompts.Issue(ctx, "PRM001", 5, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, issued.Token)

	// Peek does not consume
	peeked, err := prompts.Peek(ctx, issued.Token)
	require.NoError(t, err)
	require.NotNil(t, peeked)
	assert.Equal(t, "PRM001", peeked.UID)
	assert.Equal(t, 5, peeked.RemainingUses)

	consumed, err := prompts.Consume(ctx, issued.Token)
	require.NoError(t, err)
	assert.True(t, consumed)

	// Second consume loses the DEL race by definition
	consumed, err = prompts.Consume(ctx, issued.Token)
	require.NoError(t, err)
	assert.False(t, consumed)

	peeked, err = prompts.Peek(ctx, issued.Token)
	require.NoError(t, err)
	assert.Nil(t, peeked)
}

func TestPromptTokenExpiry(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	prompts := cache.NewPromptStore(client)

	issued, err := prompts.Issue(ctx, "PRM002", 3, 500*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(700 * time.Millisecond)

	peeked, err := prompts.Peek(ctx, issued.Token)
	require.NoError(t, err)
	assert.Nil(t, peeked, "expired token must read as unknown")
}
