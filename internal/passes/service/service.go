package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-gatepass/internal/config"
	"ms-gatepass/internal/logger"
	"ms-gatepass/internal/models"
	"ms-gatepass/internal/passes/cache"
	"ms-gatepass/internal/passes/db"
)

// Sentinel errors surfaced by the service layer. Busy and infrastructure
// conditions are retryable; the rest are terminal for the attempt.
var (
	ErrNotFound         = errors.New("pass not found")
	ErrBusy             = errors.New("verification already in flight for this uid")
	ErrInvalidOperation = errors.New("invalid operation for current pass status")
	ErrDuplicateUID     = errors.New("uid already exists")
	ErrInfrastructure   = errors.New("infrastructure unavailable")
)

// PassStore is the durable, authoritative pass record store.
type PassStore interface {
	FindByUID(ctx context.Context, uid string) (*models.Pass, error)
	FindByID(ctx context.Context, passID string) (*models.Pass, error)
	Create(ctx context.Context, pass models.Pass) error
	CreateBatch(ctx context.Context, passes []models.Pass) error
	UpdateStatus(ctx context.Context, passID, status string) error
	UpdateUsage(ctx context.Context, passID string, usedCount int, status string, lastUsedAt time.Time) error
	SetUsedCount(ctx context.Context, passID string, usedCount int) error
	SoftDelete(ctx context.Context, passID string) error
	ExistingUIDs(ctx context.Context, uids []string) (map[string]bool, error)
	ActivePasses(ctx context.Context) ([]models.Pass, error)
	BlockedUIDs(ctx context.Context) ([]string, error)
	CategoryExists(ctx context.Context, key string) (bool, error)
}

// RebuildSource mirrors cache.RebuildSource so fakes can stand in for the
// store during tests.
type RebuildSource = cache.RebuildSource

// PassCache is the derived fast index over the store. All methods may fail
// without failing verification: the engine degrades to store reads.
type PassCache interface {
	AddActive(ctx context.Context, uid string, entry models.CacheEntry) error
	RemoveActive(ctx context.Context, uid string) error
	GetActive(ctx context.Context, uid string) (*models.CacheEntry, error)
	AddBlocked(ctx context.Context, uid string) error
	RemoveBlocked(ctx context.Context, uid string) error
	IsBlocked(ctx context.Context, uid string) (bool, error)
	RebuildAll(ctx context.Context, source RebuildSource) (models.CacheStats, error)
	ClearAll(ctx context.Context) error
	Stats(ctx context.Context) (models.CacheStats, error)
	CheckConsistency(ctx context.Context, uid string, pass *models.Pass) (models.ConsistencyReport, error)
}

// VerifyLock is the per-UID mutual exclusion token.
type VerifyLock interface {
	TryAcquire(ctx context.Context, uid string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, uid, token string) error
	ForceRelease(ctx context.Context, uid string) error
}

// PromptTokens manages the session-pass confirmation tokens.
type PromptTokens interface {
	Issue(ctx context.Context, uid string, remainingUses int, ttl time.Duration) (*models.PromptToken, error)
	Peek(ctx context.Context, token string) (*models.PromptToken, error)
	Consume(ctx context.Context, token string) (bool, error)
}

// Auditor durably records a decision before the caller returns.
type Auditor interface {
	Record(ctx context.Context, record *models.AuditRecord) error
}

type Service struct {
	Store   PassStore
	Cache   PassCache
	Lock    VerifyLock
	Prompts PromptTokens
	Audit   Auditor
	Logger  *logger.Logger
	Config  config.VerificationConfig

	// Optional lifecycle event fan-out (Kafka); nil disables it.
	Events       EventPublisher
	BlockedTopic string
}

func NewService(store PassStore, cache PassCache, lock VerifyLock, prompts PromptTokens, audit Auditor, log *logger.Logger, cfg config.VerificationConfig) *Service {
	return &Service{
		Store:   store,
		Cache:   cache,
		Lock:    lock,
		Prompts: prompts,
		Audit:   audit,
		Logger:  log,
		Config:  cfg,
	}
}

// Verify decides whether the pass behind a scanned UID is admitted, denied,
// or needs the multi-use confirmation. At most one verification per UID is in
// flight at a time; concurrent scans get a retryable busy status.
func (s *Service) Verify(ctx context.Context, uid string, actor models.Actor) models.VerificationResult {
	start := time.Now()

	lockToken, acquired, err := s.Lock.TryAcquire(ctx, uid, s.Config.LockTTL)
	if err != nil {
		s.Logger.Error("VERIFY", fmt.Sprintf("lock acquire failed for %s: %v", uid, err))
		return s.result(models.VerifyStatusError, "verification temporarily unavailable", start)
	}
	if !acquired {
		s.Logger.LogVerify(uid, models.VerifyStatusBusy, "concurrent scan in flight")
		return s.result(models.VerifyStatusBusy, "another scan for this pass is in progress, retry shortly", start)
	}
	// Release on every path; the TTL covers a crashed holder
	defer func() {
		if err := s.Lock.Release(context.Background(), uid, lockToken); err != nil {
			s.Logger.Error("VERIFY", fmt.Sprintf("lock release failed for %s: %v", uid, err))
		}
	}()

	// Blocked check: cache first, store on cache failure. Availability is
	// favored over fail-closed here; the fallback is logged as a security
	// event and a store failure on top still denies with an error status.
	blocked, err := s.Cache.IsBlocked(ctx, uid)
	if err != nil {
		s.Logger.LogSecurity("BLOCKED_CHECK_FALLBACK", fmt.Sprintf("cache unavailable for %s, using store: %v", uid, err))
		pass, serr := s.Store.FindByUID(ctx, uid)
		if serr != nil && !errors.Is(serr, db.ErrPassNotFound) {
			s.auditVerify(ctx, uid, nil, actor, models.AuditResultError, "blocked check failed against cache and store")
			return s.result(models.VerifyStatusError, "verification temporarily unavailable", start)
		}
		blocked = pass != nil && pass.Status == models.PassStatusBlocked
	}
	if blocked {
		s.auditVerify(ctx, uid, nil, actor, models.AuditResultFailure, "pass is blocked")
		res := s.result(models.VerifyStatusBlocked, "pass is blocked", start)
		return res
	}

	// Fast denial from the cached projection when possible
	entry, err := s.Cache.GetActive(ctx, uid)
	if err != nil {
		s.Logger.LogCache("GET", uid, fmt.Sprintf("cache read failed, degrading to store: %v", err))
		entry = nil
	}
	if entry != nil && entry.Status == models.PassStatusUsed {
		s.auditVerify(ctx, uid, nil, actor, models.AuditResultFailure, "pass already fully used")
		return s.result(models.VerifyStatusUsed, "pass has already been used", start)
	}

	// The store row is authoritative for every mutation decision
	pass, err := s.Store.FindByUID(ctx, uid)
	if errors.Is(err, db.ErrPassNotFound) {
		s.auditVerify(ctx, uid, nil, actor, models.AuditResultFailure, "unknown uid")
		return s.result(models.VerifyStatusNotFound, "no pass registered for this tag", start)
	}
	if err != nil {
		s.auditVerify(ctx, uid, nil, actor, models.AuditResultError, fmt.Sprintf("store read failed: %v", err))
		return s.result(models.VerifyStatusError, "verification temporarily unavailable", start)
	}

	switch pass.Status {
	case models.PassStatusDeleted:
		s.auditVerify(ctx, uid, pass, actor, models.AuditResultFailure, "pass deleted")
		return s.result(models.VerifyStatusNotFound, "no pass registered for this tag", start)
	case models.PassStatusBlocked:
		// Cache said not blocked; store wins, repair membership
		if err := s.Cache.AddBlocked(ctx, uid); err != nil {
			s.Logger.LogCache("REPAIR", uid, fmt.Sprintf("failed to restore blocked membership: %v", err))
		}
		s.auditVerify(ctx, uid, pass, actor, models.AuditResultFailure, "pass is blocked")
		return s.result(models.VerifyStatusBlocked, "pass is blocked", start)
	}

	// Lazy repopulate after a cache miss
	if entry == nil {
		if err := s.Cache.AddActive(ctx, uid, models.CacheEntryFromPass(pass)); err != nil {
			s.Logger.LogCache("SET", uid, fmt.Sprintf("lazy repopulate failed: %v", err))
		}
	}

	if pass.Status == models.PassStatusUsed || pass.Exhausted() {
		s.auditVerify(ctx, uid, pass, actor, models.AuditResultFailure, "pass already fully used")
		res := s.result(models.VerifyStatusUsed, "pass has already been used", start)
		res.LastUsedAt = pass.LastUsedAt
		return res
	}

	// Re-scanned session pass with uses left: defer the mutation to the
	// two-phase confirmation so staff can pick the head count
	if pass.PassType == models.PassTypeSession && pass.UsedCount > 0 {
		remaining := pass.RemainingUses()
		prompt, err := s.Prompts.Issue(ctx, uid, remaining, s.Config.PromptTTL)
		if err != nil {
			s.auditVerify(ctx, uid, pass, actor, models.AuditResultError, fmt.Sprintf("prompt issue failed: %v", err))
			return s.result(models.VerifyStatusError, "verification temporarily unavailable", start)
		}
		s.Logger.LogVerify(uid, models.VerifyStatusPromptMulti, fmt.Sprintf("%d uses remaining", remaining))
		res := s.result(models.VerifyStatusPromptMulti, "confirm how many people are entering", start)
		res.PromptToken = prompt.Token
		res.RemainingUses = &remaining
		res.LastUsedAt = pass.LastUsedAt
		res.Pass = pass
		return res
	}

	// Admit: one scan consumes one use
	now := time.Now()
	newCount := pass.UsedCount + 1
	newStatus := models.PassStatusActive
	if pass.MaxUses != nil && newCount >= *pass.MaxUses {
		newStatus = models.PassStatusUsed
	}

	if err := s.Store.UpdateUsage(ctx, pass.PassID, newCount, newStatus, now); err != nil {
		s.auditVerify(ctx, uid, pass, actor, models.AuditResultError, fmt.Sprintf("usage update failed: %v", err))
		return s.result(models.VerifyStatusError, "verification temporarily unavailable", start)
	}

	pass.UsedCount = newCount
	pass.Status = newStatus
	pass.LastUsedAt = &now

	if err := s.Cache.AddActive(ctx, uid, models.CacheEntryFromPass(pass)); err != nil {
		// Store already committed; the cache self-heals on the next read
		s.Logger.LogCache("SET", uid, fmt.Sprintf("write-through failed after admit: %v", err))
	}

	remaining := pass.RemainingUses()
	record := s.verifyRecord(uid, pass, actor, models.AuditResultSuccess, "admitted")
	record.ScannedAt = &now
	if remaining >= 0 {
		record.RemainingUses = &remaining
	}
	if err := s.Audit.Record(ctx, record); err != nil {
		s.Logger.Error("AUDIT", fmt.Sprintf("failed to record admission for %s: %v", uid, err))
	}

	s.Logger.LogVerify(uid, models.VerifyStatusValid, fmt.Sprintf("admitted, used_count=%d", newCount))
	res := s.result(models.VerifyStatusValid, "pass accepted", start)
	res.Pass = pass
	if remaining >= 0 {
		res.RemainingUses = &remaining
	}
	return res
}

// ConsumePrompt completes phase two of the session-pass flow: it re-acquires
// the per-UID lock, re-reads the store, and consumes selectedCount uses. The
// token is invalidated only once the count validates, and DEL semantics make
// it single-use even across racing consumers.
func (s *Service) ConsumePrompt(ctx context.Context, token string, selectedCount int, actor models.Actor) models.VerificationResult {
	start := time.Now()

	prompt, err := s.Prompts.Peek(ctx, token)
	if err != nil {
		s.Logger.Error("PROMPT", fmt.Sprintf("token read failed: %v", err))
		return s.result(models.VerifyStatusError, "confirmation temporarily unavailable", start)
	}
	if prompt == nil {
		return s.result(models.VerifyStatusInvalidToken, "confirmation token is invalid or expired", start)
	}
	uid := prompt.UID

	lockToken, acquired, err := s.Lock.TryAcquire(ctx, uid, s.Config.LockTTL)
	if err != nil {
		return s.result(models.VerifyStatusError, "confirmation temporarily unavailable", start)
	}
	if !acquired {
		return s.result(models.VerifyStatusBusy, "another scan for this pass is in progress, retry shortly", start)
	}
	defer func() {
		if err := s.Lock.Release(context.Background(), uid, lockToken); err != nil {
			s.Logger.Error("PROMPT", fmt.Sprintf("lock release failed for %s: %v", uid, err))
		}
	}()

	pass, err := s.Store.FindByUID(ctx, uid)
	if errors.Is(err, db.ErrPassNotFound) {
		return s.result(models.VerifyStatusNotFound, "no pass registered for this tag", start)
	}
	if err != nil {
		return s.result(models.VerifyStatusError, "confirmation temporarily unavailable", start)
	}
	switch pass.Status {
	case models.PassStatusDeleted:
		return s.result(models.VerifyStatusNotFound, "no pass registered for this tag", start)
	case models.PassStatusBlocked:
		s.auditConsume(ctx, pass, actor, models.AuditResultFailure, 0, "pass is blocked")
		return s.result(models.VerifyStatusBlocked, "pass is blocked", start)
	}

	// Count validates against the store's current remaining uses, never the
	// snapshot carried by the token
	remaining := pass.RemainingUses()
	if selectedCount < 1 || (remaining >= 0 && selectedCount > remaining) {
		s.auditConsume(ctx, pass, actor, models.AuditResultFailure, selectedCount, "selected count out of range")
		res := s.result(models.VerifyStatusInvalidCount, "selected count exceeds remaining uses", start)
		if remaining >= 0 {
			res.RemainingUses = &remaining
		}
		return res
	}

	consumed, err := s.Prompts.Consume(ctx, token)
	if err != nil {
		return s.result(models.VerifyStatusError, "confirmation temporarily unavailable", start)
	}
	if !consumed {
		return s.result(models.VerifyStatusInvalidToken, "confirmation token was already used", start)
	}

	now := time.Now()
	newCount := pass.UsedCount + selectedCount
	newStatus := models.PassStatusActive
	if pass.MaxUses != nil && newCount >= *pass.MaxUses {
		newStatus = models.PassStatusUsed
	}

	if err := s.Store.UpdateUsage(ctx, pass.PassID, newCount, newStatus, now); err != nil {
		s.auditConsume(ctx, pass, actor, models.AuditResultError, selectedCount, fmt.Sprintf("usage update failed: %v", err))
		return s.result(models.VerifyStatusError, "confirmation temporarily unavailable", start)
	}

	pass.UsedCount = newCount
	pass.Status = newStatus
	pass.LastUsedAt = &now

	if err := s.Cache.AddActive(ctx, uid, models.CacheEntryFromPass(pass)); err != nil {
		s.Logger.LogCache("SET", uid, fmt.Sprintf("write-through failed after consume: %v", err))
	}

	newRemaining := pass.RemainingUses()
	record := s.verifyRecord(uid, pass, actor, models.AuditResultSuccess, "session uses consumed")
	record.ActionType = models.AuditActionSessionConsume
	record.ScannedAt = &now
	record.ConsumedCount = &selectedCount
	if newRemaining >= 0 {
		record.RemainingUses = &newRemaining
	}
	if err := s.Audit.Record(ctx, record); err != nil {
		s.Logger.Error("AUDIT", fmt.Sprintf("failed to record session consume for %s: %v", uid, err))
	}

	s.Logger.LogVerify(uid, models.VerifyStatusValid, fmt.Sprintf("session consumed %d, used_count=%d", selectedCount, newCount))
	res := s.result(models.VerifyStatusValid, "pass accepted", start)
	res.Pass = pass
	if newRemaining >= 0 {
		res.RemainingUses = &newRemaining
	}
	return res
}

func (s *Service) result(status, message string, start time.Time) models.VerificationResult {
	return models.VerificationResult{
		Status:         status,
		Message:        message,
		ProcessingTime: time.Since(start).String(),
	}
}

func (s *Service) verifyRecord(uid string, pass *models.Pass, actor models.Actor, result, detail string) *models.AuditRecord {
	record := &models.AuditRecord{
		ActionType: models.AuditActionVerifyPass,
		UserID:     actor.UserID,
		Role:       actor.Role,
		UID:        uid,
		ScannedBy:  actor.UserID,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
		Result:     result,
		Details:    detail,
	}
	if pass != nil {
		record.PassID = pass.PassID
		record.Category = pass.Category
		record.PassType = pass.PassType
	}
	return record
}

func (s *Service) auditVerify(ctx context.Context, uid string, pass *models.Pass, actor models.Actor, result, detail string) {
	record := s.verifyRecord(uid, pass, actor, result, detail)
	if result == models.AuditResultError {
		record.ErrorMessage = detail
	}
	if err := s.Audit.Record(ctx, record); err != nil {
		s.Logger.Error("AUDIT", fmt.Sprintf("failed to record verification for %s: %v", uid, err))
	}
}

func (s *Service) auditConsume(ctx context.Context, pass *models.Pass, actor models.Actor, result string, count int, detail string) {
	record := s.verifyRecord(pass.UID, pass, actor, result, detail)
	record.ActionType = models.AuditActionSessionConsume
	if count > 0 {
		record.ConsumedCount = &count
	}
	if result == models.AuditResultError {
		record.ErrorMessage = detail
	}
	if err := s.Audit.Record(ctx, record); err != nil {
		s.Logger.Error("AUDIT", fmt.Sprintf("failed to record session consume for %s: %v", pass.UID, err))
	}
}
