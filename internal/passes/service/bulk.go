package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"ms-gatepass/internal/models"
)

// NFC tag UIDs arrive as hex-ish strings, optionally colon separated.
var uidPattern = regexp.MustCompile(`^[A-Za-z0-9:-]{4,32}$`)

// CreateBulk validates and inserts many passes sharing one type/category
// configuration. Partial failure is first-class: the result always carries
// created/duplicate counts and a per-UID error list instead of failing the
// whole batch for one bad UID.
func (s *Service) CreateBulk(ctx context.Context, req models.BulkCreateRequest, actor models.Actor) (models.BulkCreationResult, error) {
	result := models.BulkCreationResult{
		Total:          len(req.UIDs),
		Errors:         []models.BulkItemError{},
		SuccessfulUIDs: []string{},
		DuplicateUIDs:  []string{},
	}

	if err := s.validateBulkRequest(ctx, req); err != nil {
		// A store failure during validation is an infrastructure error, not a
		// bad request
		auditResult := models.AuditResultFailure
		if errors.Is(err, ErrInfrastructure) {
			auditResult = models.AuditResultError
		}
		s.auditBulk(ctx, req, actor, result, auditResult, err.Error())
		return result, err
	}

	// In-batch dedup, first occurrence wins
	seen := make(map[string]bool, len(req.UIDs))
	var unique []string
	for _, uid := range req.UIDs {
		if seen[uid] {
			result.Duplicates++
			result.DuplicateUIDs = append(result.DuplicateUIDs, uid)
			continue
		}
		seen[uid] = true
		unique = append(unique, uid)
	}

	// Per-UID validation
	var candidates []string
	for _, uid := range unique {
		if !uidPattern.MatchString(uid) {
			result.Errors = append(result.Errors, models.BulkItemError{UID: uid, Reason: "invalid uid format"})
			continue
		}
		candidates = append(candidates, uid)
	}

	// Existence check against the store in one query
	existing, err := s.Store.ExistingUIDs(ctx, candidates)
	if err != nil {
		s.auditBulk(ctx, req, actor, result, models.AuditResultError, fmt.Sprintf("existence check failed: %v", err))
		return result, fmt.Errorf("check existing uids: %w", err)
	}

	now := time.Now()
	var passes []models.Pass
	for _, uid := range candidates {
		if existing[uid] {
			result.Duplicates++
			result.DuplicateUIDs = append(result.DuplicateUIDs, uid)
			continue
		}
		passes = append(passes, models.Pass{
			PassID:        uuid.NewString(),
			UID:           uid,
			PassType:      req.PassType,
			Category:      req.Category,
			PeopleAllowed: req.PeopleAllowed,
			MaxUses:       req.MaxUses,
			UsedCount:     0,
			Status:        models.PassStatusActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	// One batched insert for everything that survived validation
	if err := s.Store.CreateBatch(ctx, passes); err != nil {
		s.auditBulk(ctx, req, actor, result, models.AuditResultError, fmt.Sprintf("batch insert failed: %v", err))
		return result, fmt.Errorf("batch insert: %w", err)
	}

	for i := range passes {
		pass := &passes[i]
		result.Created++
		result.SuccessfulUIDs = append(result.SuccessfulUIDs, pass.UID)
		if err := s.Cache.AddActive(ctx, pass.UID, models.CacheEntryFromPass(pass)); err != nil {
			s.Logger.LogCache("SET", pass.UID, fmt.Sprintf("write-through failed after bulk create: %v", err))
		}
	}

	s.auditBulk(ctx, req, actor, result, models.AuditResultSuccess, "")
	s.Logger.Info("BULK", fmt.Sprintf("bulk create: %d total, %d created, %d duplicates, %d errors",
		result.Total, result.Created, result.Duplicates, len(result.Errors)))
	return result, nil
}

// CreatePass creates one pass; the single-create path used outside of NFC
// streaming mode.
func (s *Service) CreatePass(ctx context.Context, uid, passType, category string, peopleAllowed int, maxUses *int, actor models.Actor) (*models.Pass, error) {
	req := models.BulkCreateRequest{
		UIDs:          []string{uid},
		PassType:      passType,
		Category:      category,
		PeopleAllowed: peopleAllowed,
		MaxUses:       maxUses,
	}
	if err := s.validateBulkRequest(ctx, req); err != nil {
		return nil, err
	}
	if !uidPattern.MatchString(uid) {
		return nil, fmt.Errorf("invalid uid format")
	}

	exists, err := s.Store.ExistingUIDs(ctx, []string{uid})
	if err != nil {
		return nil, err
	}
	if exists[uid] {
		return nil, ErrDuplicateUID
	}

	now := time.Now()
	pass := models.Pass{
		PassID:        uuid.NewString(),
		UID:           uid,
		PassType:      passType,
		Category:      category,
		PeopleAllowed: peopleAllowed,
		MaxUses:       maxUses,
		Status:        models.PassStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.Create(ctx, pass); err != nil {
		return nil, err
	}
	if err := s.Cache.AddActive(ctx, uid, models.CacheEntryFromPass(&pass)); err != nil {
		s.Logger.LogCache("SET", uid, fmt.Sprintf("write-through failed after create: %v", err))
	}

	s.auditLifecycle(ctx, models.AuditActionCreatePass, &pass, actor, models.AuditResultSuccess, "pass created")
	return &pass, nil
}

func (s *Service) validateBulkRequest(ctx context.Context, req models.BulkCreateRequest) error {
	if len(req.UIDs) == 0 {
		return fmt.Errorf("no uids provided")
	}
	if !models.ValidPassType(req.PassType) {
		return fmt.Errorf("invalid pass type %q", req.PassType)
	}
	if req.PeopleAllowed < 1 || req.PeopleAllowed > s.Config.MaxPeopleAllowed {
		return fmt.Errorf("people_allowed must be between 1 and %d", s.Config.MaxPeopleAllowed)
	}
	if req.MaxUses != nil && *req.MaxUses < 1 {
		return fmt.Errorf("max_uses must be positive when set")
	}
	exists, err := s.Store.CategoryExists(ctx, req.Category)
	if err != nil {
		return fmt.Errorf("category lookup: %w: %v", ErrInfrastructure, err)
	}
	if !exists {
		return fmt.Errorf("unknown category %q", req.Category)
	}
	return nil
}

func (s *Service) auditBulk(ctx context.Context, req models.BulkCreateRequest, actor models.Actor, result models.BulkCreationResult, auditResult, errMsg string) {
	detail, _ := json.Marshal(result)
	record := &models.AuditRecord{
		ActionType:   models.AuditActionBulkCreatePass,
		UserID:       actor.UserID,
		Role:         actor.Role,
		Category:     req.Category,
		PassType:     req.PassType,
		IPAddress:    actor.IPAddress,
		UserAgent:    actor.UserAgent,
		Details:      string(detail),
		Result:       auditResult,
		ErrorMessage: errMsg,
	}
	if err := s.Audit.Record(ctx, record); err != nil {
		s.Logger.Error("AUDIT", fmt.Sprintf("failed to record bulk creation: %v", err))
	}
}
