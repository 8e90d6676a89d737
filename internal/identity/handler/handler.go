// Package handler exposes the identity resolution API over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"unify/internal/identity/engine"
	"unify/internal/identity/models"
	"unify/internal/identity/store"
	"unify/internal/platform/middleware"
	"unify/internal/review"
	id "unify/pkg/domain"
	dErrors "unify/pkg/domain-errors"
	"unify/pkg/requestcontext"
)

const requestTimeout = 30 * time.Second

// Service defines the identity operations the handler needs.
type Service interface {
	ResolveEvent(ctx context.Context, input engine.ResolveInput) (*engine.ResolveResult, error)
	ManualMerge(ctx context.Context, sourceID, targetID id.ProfileID, reason string) (*models.MergeLogEntry, error)
	RollbackMerge(ctx context.Context, mergeLogID id.MergeLogID, reason string) (*models.MergeLogEntry, error)
	GetProfile(ctx context.Context, profileID id.ProfileID) (*models.Profile, error)
	ListMergeLogs(ctx context.Context, filter store.MergeLogFilter) ([]models.MergeLogEntry, error)
	ListReviewCandidates(ctx context.Context, limit int) ([]review.Candidate, error)
}

// Handler handles identity resolution endpoints.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the v1 identity routes with the shared middleware chain.
func (h *Handler) Register(r chi.Router) {
	api := chi.NewRouter()
	api.Use(middleware.Recovery(h.logger))
	api.Use(middleware.RequestID)
	api.Use(middleware.Logger(h.logger))
	api.Use(middleware.Timeout(requestTimeout))
	api.Use(middleware.ContentTypeJSON)

	api.Post("/events/resolve", h.handleResolveEvent)
	api.Post("/merges", h.handleManualMerge)
	api.Get("/merges", h.handleListMergeLogs)
	api.Post("/merges/{mergeLogID}/rollback", h.handleRollbackMerge)
	api.Get("/profiles/{profileID}", h.handleGetProfile)
	api.Get("/reviews", h.handleListReviews)

	r.Mount("/v1", api)
}

type resolveEventRequest struct {
	EventID     string `json:"event_id"`
	Identifiers []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"identifiers"`
	Name       string    `json:"name"`
	Orders     int64     `json:"orders"`
	Spend      float64   `json:"spend"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (h *Handler) handleResolveEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req resolveEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	input := engine.ResolveInput{
		EventID:    req.EventID,
		Name:       req.Name,
		Orders:     req.Orders,
		Spend:      req.Spend,
		OccurredAt: req.OccurredAt,
	}
	for _, ident := range req.Identifiers {
		input.Identifiers = append(input.Identifiers, engine.RawIdentifier{
			Type:  models.IdentifierType(ident.Type),
			Value: ident.Value,
		})
	}

	res, err := h.service.ResolveEvent(ctx, input)
	if err != nil {
		h.logger.WarnContext(ctx, "resolve failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		writeError(w, err)
		return
	}

	body := resolveResponse{
		Outcome:    string(res.Outcome),
		Confidence: res.Confidence,
		Profile:    toProfileResponse(res.Profile),
	}
	if res.MergeLog != nil {
		entry := toMergeLogResponse(res.MergeLog)
		body.MergeLog = &entry
	}
	status := http.StatusOK
	if res.Outcome == engine.OutcomeCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, body)
}

type manualMergeRequest struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Reason   string `json:"reason"`
}

func (h *Handler) handleManualMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req manualMergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	sourceID, err := id.ParseProfileID(req.SourceID)
	if err != nil {
		writeError(w, err)
		return
	}
	targetID, err := id.ParseProfileID(req.TargetID)
	if err != nil {
		writeError(w, err)
		return
	}

	entry, err := h.service.ManualMerge(ctx, sourceID, targetID, req.Reason)
	if err != nil {
		h.logger.WarnContext(ctx, "manual merge failed",
			"request_id", requestcontext.RequestID(ctx),
			"source_id", req.SourceID,
			"target_id", req.TargetID,
			"error", err.Error(),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMergeLogResponse(entry))
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleRollbackMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mergeLogID, err := id.ParseMergeLogID(chi.URLParam(r, "mergeLogID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	entry, err := h.service.RollbackMerge(ctx, mergeLogID, req.Reason)
	if err != nil {
		h.logger.WarnContext(ctx, "rollback failed",
			"request_id", requestcontext.RequestID(ctx),
			"merge_log_id", mergeLogID,
			"error", err.Error(),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMergeLogResponse(entry))
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profileID, err := id.ParseProfileID(chi.URLParam(r, "profileID"))
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := h.service.GetProfile(r.Context(), profileID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(p))
}

// handleListMergeLogs supports ?profile_id=, ?merge_type=, ?rolled_back= and
// ?limit= filters.
func (h *Handler) handleListMergeLogs(w http.ResponseWriter, r *http.Request) {
	var filter store.MergeLogFilter

	if raw := r.URL.Query().Get("profile_id"); raw != "" {
		profileID, err := id.ParseProfileID(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.ProfileID = &profileID
	}
	if raw := r.URL.Query().Get("merge_type"); raw != "" {
		filter.MergeType = models.MergeType(raw)
	}
	if raw := r.URL.Query().Get("rolled_back"); raw != "" {
		rolledBack, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, dErrors.New(dErrors.CodeBadRequest, "rolled_back must be a boolean"))
			return
		}
		filter.RolledBack = &rolledBack
	}
	filter.Limit = parseLimit(r, 100)

	entries, err := h.service.ListMergeLogs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	body := make([]mergeLogResponse, 0, len(entries))
	for i := range entries {
		body = append(body, toMergeLogResponse(&entries[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"merges": body})
}

func (h *Handler) handleListReviews(w http.ResponseWriter, r *http.Request) {
	candidates, err := h.service.ListReviewCandidates(r.Context(), parseLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if candidates == nil {
		candidates = []review.Candidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
