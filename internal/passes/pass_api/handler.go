package pass_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ms-gatepass/internal/audit"
	"ms-gatepass/internal/auth"
	"ms-gatepass/internal/logger"
	"ms-gatepass/internal/models"
	"ms-gatepass/internal/passes/service"
)

type Handler struct {
	PassService *service.Service
	AuditDB     *audit.DB
	Logger      *logger.Logger
}

func NewHandler(passService *service.Service, auditDB *audit.DB, log *logger.Logger) *Handler {
	return &Handler{
		PassService: passService,
		AuditDB:     auditDB,
		Logger:      log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/gate", func(r chi.Router) {
		r.Post("/verify", h.VerifyPass)
		r.Post("/verify/confirm", h.ConfirmPrompt)
	})
	r.Route("/passes", func(r chi.Router) {
		r.Post("/", h.CreatePass)
		r.Post("/bulk", h.CreateBulk)
		r.Get("/{uid}", h.GetPass)
		r.Get("/{uid}/history", h.GetHistory)
		r.Post("/{uid}/block", h.BlockPass)
		r.Post("/{uid}/unblock", h.UnblockPass)
		r.Post("/{uid}/reset", h.ResetPass)
		r.Delete("/{uid}", h.DeletePass)
	})
	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", h.CacheStats)
		r.Post("/rebuild", h.RebuildCache)
		r.Get("/consistency/{uid}", h.CheckConsistency)
	})
}

func (h *Handler) actor(r *http.Request) models.Actor {
	return models.Actor{
		UserID:    auth.UserID(r.Context()),
		Role:      auth.Role(r.Context()),
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

// VerifyPass is the hot path: a gate scanner posts a UID and gets the
// admission decision. Denials are 200s with the decision in the status
// field; only infrastructure failures map to 503.
func (h *Handler) VerifyPass(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID string `json:"uid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("API", fmt.Sprintf("VerifyPass: failed to decode request body: %v", err))
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UID == "" {
		http.Error(w, "uid is required", http.StatusBadRequest)
		return
	}

	result := h.PassService.Verify(r.Context(), req.UID, h.actor(r))
	h.Logger.LogAPI(r.Method, r.URL.Path, result.Status, result.ProcessingTime)
	h.writeResult(w, result)
}

// ConfirmPrompt completes phase two of the session-pass confirmation.
func (h *Handler) ConfirmPrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PromptToken   string `json:"prompt_token"`
		SelectedCount int    `json:"selected_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("API", fmt.Sprintf("ConfirmPrompt: failed to decode request body: %v", err))
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.PromptToken == "" {
		http.Error(w, "prompt_token is required", http.StatusBadRequest)
		return
	}

	result := h.PassService.ConsumePrompt(r.Context(), req.PromptToken, req.SelectedCount, h.actor(r))
	h.Logger.LogAPI(r.Method, r.URL.Path, result.Status, result.ProcessingTime)
	h.writeResult(w, result)
}

func (h *Handler) CreatePass(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID           string `json:"uid"`
		PassType      string `json:"pass_type"`
		Category      string `json:"category"`
		PeopleAllowed int    `json:"people_allowed"`
		MaxUses       *int   `json:"max_uses,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	pass, err := h.PassService.CreatePass(r.Context(), req.UID, req.PassType, req.Category, req.PeopleAllowed, req.MaxUses, h.actor(r))
	if err != nil {
		h.writeServiceError(w, "CreatePass", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, pass)
}

func (h *Handler) CreateBulk(w http.ResponseWriter, r *http.Request) {
	var req models.BulkCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.PassService.CreateBulk(r.Context(), req, h.actor(r))
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("CreateBulk: %v", err))
		// The result still carries the partial outcome for the client
		h.writeJSON(w, http.StatusBadRequest, result)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) GetPass(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	pass, err := h.PassService.GetPass(r.Context(), uid)
	if err != nil {
		h.writeServiceError(w, "GetPass", err)
		return
	}
	h.writeJSON(w, http.StatusOK, pass)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var (
		records []models.AuditRecord
		err     error
	)
	if r.URL.Query().Get("window") == "recent" {
		records, err = h.AuditDB.RecentByUID(r.Context(), uid, limit)
	} else {
		records, err = h.AuditDB.HistoryByUID(r.Context(), uid, limit)
	}
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetHistory: %v", err))
		http.Error(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

func (h *Handler) BlockPass(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.PassService.Block)
}

func (h *Handler) UnblockPass(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.PassService.Unblock)
}

func (h *Handler) ResetPass(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.PassService.Reset)
}

func (h *Handler) DeletePass(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if err := h.PassService.Delete(r.Context(), uid, h.actor(r)); err != nil {
		h.writeServiceError(w, "DeletePass", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.PassService.Cache.Stats(r.Context())
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("CacheStats: %v", err))
		http.Error(w, "Cache unavailable", http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) RebuildCache(w http.ResponseWriter, r *http.Request) {
	stats, err := h.PassService.RebuildCache(r.Context(), h.actor(r))
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("RebuildCache: %v", err))
		http.Error(w, "Cache rebuild failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) CheckConsistency(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	report, err := h.PassService.CheckConsistency(r.Context(), uid)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("CheckConsistency: %v", err))
		http.Error(w, "Consistency check failed", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, uid string, actor models.Actor) (*models.Pass, error)) {
	uid := chi.URLParam(r, "uid")
	pass, err := op(r.Context(), uid, h.actor(r))
	if err != nil {
		h.writeServiceError(w, r.URL.Path, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pass)
}

func (h *Handler) writeResult(w http.ResponseWriter, result models.VerificationResult) {
	status := http.StatusOK
	if result.Status == models.VerifyStatusError {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, result)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, "Pass not found", http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidOperation):
		h.writeJSON(w, http.StatusConflict, map[string]string{
			"error":   "INVALID_OPERATION",
			"message": err.Error(),
		})
	case errors.Is(err, service.ErrDuplicateUID):
		http.Error(w, "A pass with this uid already exists", http.StatusConflict)
	default:
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		http.Error(w, "Internal error: "+err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.Logger.Error("API", fmt.Sprintf("failed to encode response: %v", err))
	}
}
