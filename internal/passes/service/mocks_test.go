package service_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"ms-gatepass/internal/models"
	"ms-gatepass/internal/passes/db"
	"ms-gatepass/internal/passes/service"
)

// mockStore is an in-memory PassStore in the spirit of the bun-backed layer.
type mockStore struct {
	mu         sync.Mutex
	passes     map[string]*models.Pass // keyed by uid
	categories map[string]bool
	failOn     string
	err        error
}

func newMockStore() *mockStore {
	return &mockStore{
		passes:     make(map[string]*models.Pass),
		categories: map[string]bool{"general": true, "vip": true},
	}
}

func (m *mockStore) fail(op string) error {
	if m.failOn == op {
		if m.err != nil {
			return m.err
		}
		return errors.New("store failure")
	}
	return nil
}

func (m *mockStore) put(pass models.Pass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passes[pass.UID] = &pass
}

func (m *mockStore) get(uid string) *models.Pass {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.passes[uid]; ok {
		cp := *p
		return &cp
	}
	return nil
}

func (m *mockStore) FindByUID(ctx context.Context, uid string) (*models.Pass, error) {
	if err := m.fail("FindByUID"); err != nil {
		return nil, err
	}
	if p := m.get(uid); p != nil {
		return p, nil
	}
	return nil, db.ErrPassNotFound
}

func (m *mockStore) FindByID(ctx context.Context, passID string) (*models.Pass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.passes {
		if p.PassID == passID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, db.ErrPassNotFound
}

func (m *mockStore) Create(ctx context.Context, pass models.Pass) error {
	if err := m.fail("Create"); err != nil {
		return err
	}
	m.put(pass)
	return nil
}

func (m *mockStore) CreateBatch(ctx context.Context, passes []models.Pass) error {
	if err := m.fail("CreateBatch"); err != nil {
		return err
	}
	for _, p := range passes {
		m.put(p)
	}
	return nil
}

func (m *mockStore) UpdateStatus(ctx context.Context, passID, status string) error {
	if err := m.fail("UpdateStatus"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.passes {
		if p.PassID == passID {
			p.Status = status
			return nil
		}
	}
	return db.ErrPassNotFound
}

func (m *mockStore) UpdateUsage(ctx context.Context, passID string, usedCount int, status string, lastUsedAt time.Time) error {
	if err := m.fail("UpdateUsage"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.passes {
		if p.PassID == passID {
			p.UsedCount = usedCount
			p.Status = status
			t := lastUsedAt
			p.LastUsedAt = &t
			return nil
		}
	}
	return db.ErrPassNotFound
}

func (m *mockStore) SetUsedCount(ctx context.Context, passID string, usedCount int) error {
	if err := m.fail("SetUsedCount"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.passes {
		if p.PassID == passID {
			p.UsedCount = usedCount
			return nil
		}
	}
	return db.ErrPassNotFound
}

func (m *mockStore) SoftDelete(ctx context.Context, passID string) error {
	if err := m.fail("SoftDelete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.passes {
		if p.PassID == passID && p.Status != models.PassStatusDeleted {
			now := time.Now()
			p.Status = models.PassStatusDeleted
			p.DeletedAt = &now
			return nil
		}
	}
	return db.ErrPassNotFound
}

func (m *mockStore) ExistingUIDs(ctx context.Context, uids []string) (map[string]bool, error) {
	if err := m.fail("ExistingUIDs"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := make(map[string]bool)
	for _, uid := range uids {
		if _, ok := m.passes[uid]; ok {
			existing[uid] = true
		}
	}
	return existing, nil
}

func (m *mockStore) ActivePasses(ctx context.Context) ([]models.Pass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Pass
	for _, p := range m.passes {
		if p.Status == models.PassStatusActive || p.Status == models.PassStatusUsed {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *mockStore) BlockedUIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for uid, p := range m.passes {
		if p.Status == models.PassStatusBlocked {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (m *mockStore) CategoryExists(ctx context.Context, key string) (bool, error) {
	if err := m.fail("CategoryExists"); err != nil {
		return false, err
	}
	return m.categories[key], nil
}

// mockCache mirrors the Redis cache with plain maps. Setting failAll
// simulates a cache outage: every call errors.
type mockCache struct {
	mu      sync.Mutex
	active  map[string]models.CacheEntry
	blocked map[string]bool
	failAll bool
}

func newMockCache() *mockCache {
	return &mockCache{
		active:  make(map[string]models.CacheEntry),
		blocked: make(map[string]bool),
	}
}

var errCacheDown = errors.New("cache unavailable")

func (m *mockCache) AddActive(ctx context.Context, uid string, entry models.CacheEntry) error {
	if m.failAll {
		return errCacheDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[uid] = entry
	return nil
}

func (m *mockCache) RemoveActive(ctx context.Context, uid string) error {
	if m.failAll {
		return errCacheDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, uid)
	return nil
}

func (m *mockCache) GetActive(ctx context.Context, uid string) (*models.CacheEntry, error) {
	if m.failAll {
		return nil, errCacheDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.active[uid]; ok {
		return &entry, nil
	}
	return nil, nil
}

func (m *mockCache) AddBlocked(ctx context.Context, uid string) error {
	if m.failAll {
		return errCacheDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[uid] = true
	return nil
}

func (m *mockCache) RemoveBlocked(ctx context.Context, uid string) error {
	if m.failAll {
		return errCacheDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, uid)
	return nil
}

func (m *mockCache) IsBlocked(ctx context.Context, uid string) (bool, error) {
	if m.failAll {
		return false, errCacheDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[uid], nil
}

func (m *mockCache) RebuildAll(ctx context.Context, source service.RebuildSource) (models.CacheStats, error) {
	if m.failAll {
		return models.CacheStats{}, errCacheDown
	}
	passes, err := source.ActivePasses(ctx)
	if err != nil {
		return models.CacheStats{}, err
	}
	blocked, err := source.BlockedUIDs(ctx)
	if err != nil {
		return models.CacheStats{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = make(map[string]models.CacheEntry)
	m.blocked = make(map[string]bool)
	for _, p := range passes {
		m.active[p.UID] = models.CacheEntryFromPass(&p)
	}
	for _, uid := range blocked {
		m.blocked[uid] = true
	}
	return models.CacheStats{ActiveCount: int64(len(m.active)), BlockedCount: int64(len(m.blocked))}, nil
}

func (m *mockCache) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = make(map[string]models.CacheEntry)
	m.blocked = make(map[string]bool)
	return nil
}

func (m *mockCache) Stats(ctx context.Context) (models.CacheStats, error) {
	if m.failAll {
		return models.CacheStats{}, errCacheDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.CacheStats{ActiveCount: int64(len(m.active)), BlockedCount: int64(len(m.blocked))}, nil
}

func (m *mockCache) CheckConsistency(ctx context.Context, uid string, pass *models.Pass) (models.ConsistencyReport, error) {
	report := models.ConsistencyReport{UID: uid, Consistent: true}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, cached := m.active[uid]
	if pass == nil || pass.Status == models.PassStatusDeleted {
		if cached || m.blocked[uid] {
			report.Consistent = false
			delete(m.active, uid)
			delete(m.blocked, uid)
			report.Repaired = true
		}
		return report, nil
	}
	wantBlocked := pass.Status == models.PassStatusBlocked
	if m.blocked[uid] != wantBlocked || cached == wantBlocked {
		report.Consistent = false
		if wantBlocked {
			delete(m.active, uid)
			m.blocked[uid] = true
		} else {
			delete(m.blocked, uid)
			m.active[uid] = models.CacheEntryFromPass(pass)
		}
		report.Repaired = true
	}
	return report, nil
}

// mockLock enforces real mutual exclusion so concurrency tests exercise the
// same at-most-one guarantee SetNX gives in production.
type mockLock struct {
	mu    sync.Mutex
	held  map[string]string
	fails bool
}

func newMockLock() *mockLock {
	return &mockLock{held: make(map[string]string)}
}

func (m *mockLock) TryAcquire(ctx context.Context, uid string, ttl time.Duration) (string, bool, error) {
	if m.fails {
		return "", false, errors.New("lock backend unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.held[uid]; exists {
		return "", false, nil
	}
	token := uuid.NewString()
	m.held[uid] = token
	return token, true, nil
}

func (m *mockLock) Release(ctx context.Context, uid, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[uid] == token {
		delete(m.held, uid)
	}
	return nil
}

func (m *mockLock) ForceRelease(ctx context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, uid)
	return nil
}

type mockPrompts struct {
	mu     sync.Mutex
	tokens map[string]models.PromptToken
}

func newMockPrompts() *mockPrompts {
	return &mockPrompts{tokens: make(map[string]models.PromptToken)}
}

func (m *mockPrompts) Issue(ctx context.Context, uid string, remainingUses int, ttl time.Duration) (*models.PromptToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	token := models.PromptToken{
		Token:         uuid.NewString(),
		UID:           uid,
		RemainingUses: remainingUses,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
	}
	m.tokens[token.Token] = token
	return &token, nil
}

func (m *mockPrompts) Peek(ctx context.Context, token string) (*models.PromptToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pt, ok := m.tokens[token]; ok && time.Now().Before(pt.ExpiresAt) {
		return &pt, nil
	}
	return nil, nil
}

func (m *mockPrompts) Consume(ctx context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token]; ok {
		delete(m.tokens, token)
		return true, nil
	}
	return false, nil
}

type mockAudit struct {
	mu      sync.Mutex
	records []models.AuditRecord
}

func (m *mockAudit) Record(ctx context.Context, record *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	m.records = append(m.records, *record)
	return nil
}

func (m *mockAudit) byAction(action string) []models.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditRecord
	for _, r := range m.records {
		if r.ActionType == action {
			out = append(out, r)
		}
	}
	return out
}
