// Package service exposes the public identity resolution operations and
// translates store sentinels into classified domain errors. It keeps
// orchestration out of handlers and the decision logic inside the engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"unify/internal/identity/engine"
	"unify/internal/identity/metrics"
	"unify/internal/identity/models"
	"unify/internal/identity/store"
	"unify/internal/review"
	"unify/pkg/requestcontext"

	id "unify/pkg/domain"
	dErrors "unify/pkg/domain-errors"
	"unify/pkg/platform/sentinel"
)

// minRollbackReason guards the audit trail: a reversal with no usable
// explanation is worse than none.
const minRollbackReason = 10

// Resolver runs the match decision pipeline for one event.
type Resolver interface {
	Resolve(ctx context.Context, input engine.ResolveInput) (*engine.ResolveResult, error)
}

// ReviewLister reads pending review candidates.
type ReviewLister interface {
	List(ctx context.Context, limit int) ([]review.Candidate, error)
}

// Service coordinates resolution, manual merges, and rollbacks.
type Service struct {
	store   store.Store
	engine  Resolver
	reviews ReviewLister
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(st store.Store, eng Resolver, reviews ReviewLister, m *metrics.Metrics, log *slog.Logger) *Service {
	return &Service{store: st, engine: eng, reviews: reviews, metrics: m, log: log}
}

// ResolveEvent runs one event through the pipeline and reports the outcome.
func (s *Service) ResolveEvent(ctx context.Context, input engine.ResolveInput) (*engine.ResolveResult, error) {
	if input.OccurredAt.IsZero() {
		input.OccurredAt = requestcontext.Now(ctx)
	}
	started := time.Now()
	res, err := s.engine.Resolve(ctx, input)
	s.metrics.ObserveResolveLatency(time.Since(started))
	if err != nil {
		return nil, classify(err)
	}
	s.metrics.IncrementOutcome(string(res.Outcome))
	if res.Outcome == engine.OutcomeAutoMerged {
		s.metrics.IncrementMerge(string(models.MergeAuto))
	}
	return res, nil
}

// ManualMerge applies an operator-decided merge. It bypasses confidence
// thresholds but follows the same store-level eligibility and locking rules
// as automatic merges.
func (s *Service) ManualMerge(ctx context.Context, sourceID, targetID id.ProfileID, reason string) (*models.MergeLogEntry, error) {
	if sourceID.IsNil() || targetID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "source and target profile ids are required")
	}
	entry, err := s.store.ApplyMerge(ctx, store.MergeParams{
		SourceID:  sourceID,
		TargetID:  targetID,
		MergeType: models.MergeManual,
		Reason:    strings.TrimSpace(reason),
		At:        requestcontext.Now(ctx),
	})
	if err != nil {
		return nil, classify(err)
	}
	s.metrics.IncrementMerge(string(models.MergeManual))
	s.log.Info("manual merge applied",
		"merge_log_id", entry.ID,
		"source_id", entry.SourceID,
		"target_id", entry.TargetID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return entry, nil
}

// RollbackMerge reverses a previously applied merge. The reason is mandatory
// and becomes part of the permanent audit record.
func (s *Service) RollbackMerge(ctx context.Context, mergeLogID id.MergeLogID, reason string) (*models.MergeLogEntry, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) < minRollbackReason {
		return nil, dErrors.Newf(dErrors.CodeValidation, "rollback reason must be at least %d characters", minRollbackReason)
	}
	if err := s.store.ApplyRollback(ctx, mergeLogID, reason, requestcontext.Now(ctx)); err != nil {
		return nil, classifyRollback(err)
	}
	s.metrics.IncrementRollback()
	s.log.Info("merge rolled back",
		"merge_log_id", mergeLogID,
		"request_id", requestcontext.RequestID(ctx),
	)
	entry, err := s.store.GetMergeLog(ctx, mergeLogID)
	if err != nil {
		return nil, classifyRollback(err)
	}
	return entry, nil
}

// GetProfile resolves a profile id through the merge chain to its active root.
func (s *Service) GetProfile(ctx context.Context, profileID id.ProfileID) (*models.Profile, error) {
	p, err := s.store.GetProfile(ctx, profileID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "profile %s not found", profileID)
		}
		return nil, classify(err)
	}
	return p, nil
}

// ListMergeLogs returns merge audit entries, most recent first.
func (s *Service) ListMergeLogs(ctx context.Context, filter store.MergeLogFilter) ([]models.MergeLogEntry, error) {
	entries, err := s.store.ListMergeLogs(ctx, filter)
	if err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

// ListReviewCandidates returns pending merge candidates awaiting a human
// decision.
func (s *Service) ListReviewCandidates(ctx context.Context, limit int) ([]review.Candidate, error) {
	if s.reviews == nil {
		return nil, nil
	}
	candidates, err := s.reviews.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing review candidates: %w", err)
	}
	return candidates, nil
}

// classify maps store sentinels onto stable domain error codes. Errors that
// already carry a code pass through unchanged.
func classify(err error) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, store.ErrInvalidMergeTarget):
		return dErrors.Wrap(err, dErrors.CodeInvalidMergeTarget, "profiles not eligible for merge")
	case errors.Is(err, store.ErrDuplicateIdentifier):
		return dErrors.Wrap(err, dErrors.CodeDuplicateIdentifier, "identifier already owned")
	case errors.Is(err, store.ErrOwnedElsewhere):
		return dErrors.Wrap(err, dErrors.CodeOwnedElsewhere, "identifier owned by a different profile")
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "not found")
	case errors.Is(err, sentinel.ErrTimeout):
		return dErrors.Wrap(err, dErrors.CodeStoreTimeout, "store operation timed out")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "identity operation failed")
	}
}

// classifyRollback distinguishes the rollback-specific sentinels before
// falling back to the shared mapping.
func classifyRollback(err error) error {
	switch {
	case errors.Is(err, store.ErrAlreadyRolledBack):
		return dErrors.Wrap(err, dErrors.CodeAlreadyRolledBack, "merge already rolled back")
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeMergeNotFound, "merge log entry not found")
	default:
		return classify(err)
	}
}
