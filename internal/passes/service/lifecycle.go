package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-gatepass/internal/models"
	"ms-gatepass/internal/passes/db"
)

// EventPublisher fans lifecycle events out to listeners; nil disables it.
type EventPublisher interface {
	Publish(topic, key string, value []byte) error
}

// GetPass returns the authoritative pass row for a UID. Soft-deleted passes
// are reported as not found.
func (s *Service) GetPass(ctx context.Context, uid string) (*models.Pass, error) {
	pass, err := s.Store.FindByUID(ctx, uid)
	if errors.Is(err, db.ErrPassNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pass.Status == models.PassStatusDeleted {
		return nil, ErrNotFound
	}
	return pass, nil
}

// Block transitions an active or used pass to blocked. Admin operation.
func (s *Service) Block(ctx context.Context, uid string, actor models.Actor) (*models.Pass, error) {
	pass, err := s.loadForLifecycle(ctx, uid)
	if err != nil {
		return nil, err
	}
	if pass.Status == models.PassStatusBlocked {
		s.auditLifecycle(ctx, models.AuditActionBlockPass, pass, actor, models.AuditResultFailure, "pass already blocked")
		return nil, ErrInvalidOperation
	}

	if err := s.Store.UpdateStatus(ctx, pass.PassID, models.PassStatusBlocked); err != nil {
		s.auditLifecycle(ctx, models.AuditActionBlockPass, pass, actor, models.AuditResultError, err.Error())
		return nil, err
	}
	pass.Status = models.PassStatusBlocked

	if err := s.Cache.RemoveActive(ctx, uid); err != nil {
		s.Logger.LogCache("DEL", uid, fmt.Sprintf("failed to drop active entry on block: %v", err))
	}
	if err := s.Cache.AddBlocked(ctx, uid); err != nil {
		s.Logger.LogCache("SADD", uid, fmt.Sprintf("failed to add blocked membership: %v", err))
	}

	s.auditLifecycle(ctx, models.AuditActionBlockPass, pass, actor, models.AuditResultSuccess, "pass blocked")
	s.publishBlocked(pass, actor)
	return pass, nil
}

// Unblock returns a blocked pass to active.
func (s *Service) Unblock(ctx context.Context, uid string, actor models.Actor) (*models.Pass, error) {
	pass, err := s.loadForLifecycle(ctx, uid)
	if err != nil {
		return nil, err
	}
	if pass.Status != models.PassStatusBlocked {
		s.auditLifecycle(ctx, models.AuditActionUnblockPass, pass, actor, models.AuditResultFailure, "pass is not blocked")
		return nil, ErrInvalidOperation
	}

	newStatus := models.PassStatusActive
	if pass.Exhausted() {
		newStatus = models.PassStatusUsed
	}
	if err := s.Store.UpdateStatus(ctx, pass.PassID, newStatus); err != nil {
		s.auditLifecycle(ctx, models.AuditActionUnblockPass, pass, actor, models.AuditResultError, err.Error())
		return nil, err
	}
	pass.Status = newStatus

	if err := s.Cache.RemoveBlocked(ctx, uid); err != nil {
		s.Logger.LogCache("SREM", uid, fmt.Sprintf("failed to drop blocked membership: %v", err))
	}
	if err := s.Cache.AddActive(ctx, uid, models.CacheEntryFromPass(pass)); err != nil {
		s.Logger.LogCache("SET", uid, fmt.Sprintf("failed to restore active entry on unblock: %v", err))
	}

	s.auditLifecycle(ctx, models.AuditActionUnblockPass, pass, actor, models.AuditResultSuccess, "pass unblocked")
	return pass, nil
}

// Reset zeroes the usage counter. Allowed only for passes that are used,
// fully consumed, or blocked; a blocked pass keeps its blocked status so
// counters can be reset without unblocking.
func (s *Service) Reset(ctx context.Context, uid string, actor models.Actor) (*models.Pass, error) {
	pass, err := s.loadForLifecycle(ctx, uid)
	if err != nil {
		return nil, err
	}

	resettable := pass.Status == models.PassStatusUsed || pass.Status == models.PassStatusBlocked || pass.Exhausted()
	if !resettable {
		s.auditLifecycle(ctx, models.AuditActionResetSinglePass, pass, actor, models.AuditResultFailure, "pass has remaining uses and is not blocked")
		return nil, ErrInvalidOperation
	}

	if err := s.Store.SetUsedCount(ctx, pass.PassID, 0); err != nil {
		s.auditLifecycle(ctx, models.AuditActionResetSinglePass, pass, actor, models.AuditResultError, err.Error())
		return nil, err
	}
	pass.UsedCount = 0

	if pass.Status == models.PassStatusUsed {
		if err := s.Store.UpdateStatus(ctx, pass.PassID, models.PassStatusActive); err != nil {
			s.auditLifecycle(ctx, models.AuditActionResetSinglePass, pass, actor, models.AuditResultError, err.Error())
			return nil, err
		}
		pass.Status = models.PassStatusActive
	}

	if pass.Status != models.PassStatusBlocked {
		if err := s.Cache.AddActive(ctx, uid, models.CacheEntryFromPass(pass)); err != nil {
			s.Logger.LogCache("SET", uid, fmt.Sprintf("failed to refresh active entry on reset: %v", err))
		}
	}

	s.auditLifecycle(ctx, models.AuditActionResetSinglePass, pass, actor, models.AuditResultSuccess, "usage counter reset")
	return pass, nil
}

// Delete soft-deletes a pass. Irreversible; cache entries are removed and a
// stale verification lock is force-released so it cannot outlive the pass.
func (s *Service) Delete(ctx context.Context, uid string, actor models.Actor) error {
	pass, err := s.loadForLifecycle(ctx, uid)
	if err != nil {
		return err
	}

	if err := s.Store.SoftDelete(ctx, pass.PassID); err != nil {
		s.auditLifecycle(ctx, models.AuditActionDeletePass, pass, actor, models.AuditResultError, err.Error())
		return err
	}

	if err := s.Cache.RemoveActive(ctx, uid); err != nil {
		s.Logger.LogCache("DEL", uid, fmt.Sprintf("failed to drop active entry on delete: %v", err))
	}
	if err := s.Cache.RemoveBlocked(ctx, uid); err != nil {
		s.Logger.LogCache("SREM", uid, fmt.Sprintf("failed to drop blocked membership on delete: %v", err))
	}
	if err := s.Lock.ForceRelease(ctx, uid); err != nil {
		s.Logger.Error("LOCK", fmt.Sprintf("failed to force-release lock for deleted pass %s: %v", uid, err))
	}

	pass.Status = models.PassStatusDeleted
	s.auditLifecycle(ctx, models.AuditActionDeletePass, pass, actor, models.AuditResultSuccess, "pass deleted")
	return nil
}

// RebuildCache repopulates both cache projections from the store.
func (s *Service) RebuildCache(ctx context.Context, actor models.Actor) (models.CacheStats, error) {
	stats, err := s.Cache.RebuildAll(ctx, s.Store)
	record := &models.AuditRecord{
		ActionType: models.AuditActionCacheRebuild,
		UserID:     actor.UserID,
		Role:       actor.Role,
		Result:     models.AuditResultSuccess,
	}
	if err != nil {
		record.Result = models.AuditResultError
		record.ErrorMessage = err.Error()
	} else {
		detail, _ := json.Marshal(stats)
		record.Details = string(detail)
	}
	if auditErr := s.Audit.Record(ctx, record); auditErr != nil {
		s.Logger.Error("AUDIT", fmt.Sprintf("failed to record cache rebuild: %v", auditErr))
	}
	return stats, err
}

// CheckConsistency compares cache and store for one UID and repairs the
// cache toward the store.
func (s *Service) CheckConsistency(ctx context.Context, uid string) (models.ConsistencyReport, error) {
	pass, err := s.Store.FindByUID(ctx, uid)
	if err != nil && !errors.Is(err, db.ErrPassNotFound) {
		return models.ConsistencyReport{UID: uid}, err
	}
	return s.Cache.CheckConsistency(ctx, uid, pass)
}

func (s *Service) loadForLifecycle(ctx context.Context, uid string) (*models.Pass, error) {
	pass, err := s.Store.FindByUID(ctx, uid)
	if errors.Is(err, db.ErrPassNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pass.Status == models.PassStatusDeleted {
		return nil, ErrNotFound
	}
	return pass, nil
}

func (s *Service) auditLifecycle(ctx context.Context, action string, pass *models.Pass, actor models.Actor, result, detail string) {
	record := &models.AuditRecord{
		ActionType: action,
		UserID:     actor.UserID,
		Role:       actor.Role,
		PassID:     pass.PassID,
		UID:        pass.UID,
		Category:   pass.Category,
		PassType:   pass.PassType,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
		Result:     result,
		Details:    detail,
	}
	if result == models.AuditResultError {
		record.ErrorMessage = detail
	}
	if err := s.Audit.Record(ctx, record); err != nil {
		s.Logger.Error("AUDIT", fmt.Sprintf("failed to record %s for %s: %v", action, pass.UID, err))
	}
}

func (s *Service) publishBlocked(pass *models.Pass, actor models.Actor) {
	if s.Events == nil || s.BlockedTopic == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"uid":        pass.UID,
		"pass_id":    pass.PassID,
		"blocked_by": actor.UserID,
		"blocked_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	go func() {
		if err := s.Events.Publish(s.BlockedTopic, pass.UID, payload); err != nil {
			s.Logger.LogKafka("PUBLISH", s.BlockedTopic, fmt.Sprintf("blocked event emit failed: %v", err))
		}
	}()
}
