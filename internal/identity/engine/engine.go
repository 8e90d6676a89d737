// Package engine decides what happens to an incoming event: which profile it
// belongs to, whether distinct profiles it touches should be merged, and
// whether an undecidable pair goes to human review.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"unify/internal/identity/models"
	"unify/internal/identity/normalize"
	"unify/internal/identity/similarity"
	"unify/internal/identity/store"
	"unify/internal/platform/config"
	"unify/internal/review"
	id "unify/pkg/domain"
	dErrors "unify/pkg/domain-errors"
	"unify/pkg/platform/sentinel"
)

// ReviewQueue receives pairs the engine refuses to merge automatically.
type ReviewQueue interface {
	Enqueue(ctx context.Context, c review.Candidate) error
}

// Outcome names what the engine did with an event.
type Outcome string

const (
	// OutcomeCreated: no active profile owned any identifier; a new one was made.
	OutcomeCreated Outcome = "created"
	// OutcomeMatched: exactly one profile was implicated and the event attached to it.
	OutcomeMatched Outcome = "matched"
	// OutcomeAutoMerged: confidence cleared the auto threshold and a merge was applied.
	OutcomeAutoMerged Outcome = "auto_merged"
	// OutcomeReviewQueued: confidence landed in the review band; pair queued, no merge.
	OutcomeReviewQueued Outcome = "review_queued"
	// OutcomeLowConfidence: treated as coincidental identifier reuse; no merge.
	OutcomeLowConfidence Outcome = "low_confidence"
)

// RawIdentifier is one identifier as it arrived on the event, pre-normalization.
type RawIdentifier struct {
	Type  models.IdentifierType
	Value string
}

// ResolveInput is one incoming event. EventID is optional: sources that
// assign one get idempotent replays, sources that don't count every delivery.
type ResolveInput struct {
	EventID     string
	Identifiers []RawIdentifier
	Name        string
	Orders      int64
	Spend       float64
	OccurredAt  time.Time
}

// ResolveResult reports which profile the event landed on and how.
type ResolveResult struct {
	Profile    *models.Profile
	Outcome    Outcome
	Confidence float64
	MergeLog   *models.MergeLogEntry
}

// Engine is the match decision engine. It is stateless between calls; all
// graph state lives in the store.
type Engine struct {
	store   store.Store
	reviews ReviewQueue
	cfg     config.Matching
	log     *slog.Logger
}

func New(st store.Store, reviews ReviewQueue, cfg config.Matching, log *slog.Logger) *Engine {
	return &Engine{store: st, reviews: reviews, cfg: cfg, log: log}
}

// Resolve runs the full pipeline for one event. On contention it retries the
// whole resolve-then-decide sequence with fresh reads; the decision must not
// be made against candidate profiles another writer has already moved.
func (e *Engine) Resolve(ctx context.Context, input ResolveInput) (*ResolveResult, error) {
	idents, err := normalizeInput(input)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("resolve aborted: %w", ctx.Err())
			case <-time.After(e.cfg.RetryBackoff * time.Duration(attempt)):
			}
			e.log.Debug("retrying resolve", "attempt", attempt, "cause", lastErr)
		}

		res, err := e.resolveOnce(ctx, idents, input)
		if err == nil {
			return res, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, dErrors.Wrap(lastErr, dErrors.CodeStoreTimeout, "resolve exhausted retries")
}

func normalizeInput(input ResolveInput) ([]normalize.Normalized, error) {
	if len(input.Identifiers) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "event carries no identifiers")
	}
	seen := make(map[models.IdentifierKey]struct{}, len(input.Identifiers))
	idents := make([]normalize.Normalized, 0, len(input.Identifiers))
	for _, raw := range input.Identifiers {
		n, err := normalize.Identifier(raw.Type, raw.Value)
		if err != nil {
			return nil, err
		}
		key := models.IdentifierKey{Type: n.Type, Hash: n.Hash}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		idents = append(idents, n)
	}
	return idents, nil
}

// candidate is one existing profile implicated by the event, with the event
// identifier types that resolved to it.
type candidate struct {
	profile      *models.Profile
	matchedTypes map[models.IdentifierType]struct{}
	firstHash    string
}

func (e *Engine) resolveOnce(ctx context.Context, idents []normalize.Normalized, input ResolveInput) (*ResolveResult, error) {
	candidates := make(map[string]*candidate)
	order := make([]string, 0, len(idents))
	var unowned []normalize.Normalized

	for _, n := range idents {
		p, err := e.store.FindActiveProfileByIdentifier(ctx, n.Type, n.Hash)
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			unowned = append(unowned, n)
		case err != nil:
			return nil, fmt.Errorf("resolving %s identifier: %w", n.Type, err)
		default:
			key := p.ID.String()
			c, ok := candidates[key]
			if !ok {
				c = &candidate{
					profile:      p,
					matchedTypes: make(map[models.IdentifierType]struct{}),
					firstHash:    n.Hash,
				}
				candidates[key] = c
				order = append(order, key)
			}
			c.matchedTypes[n.Type] = struct{}{}
		}
	}

	switch len(candidates) {
	case 0:
		return e.createProfile(ctx, idents, input)
	case 1:
		return e.attachToExisting(ctx, candidates[order[0]], unowned, input)
	default:
		ordered := make([]*candidate, 0, len(candidates))
		for _, key := range order {
			ordered = append(ordered, candidates[key])
		}
		return e.decidePair(ctx, ordered, unowned, idents, input)
	}
}

func (e *Engine) createProfile(ctx context.Context, idents []normalize.Normalized, input ResolveInput) (*ResolveResult, error) {
	p, err := e.store.CreateProfile(ctx, store.CreateProfileParams{
		Identifiers: idents,
		DisplayName: input.Name,
		SeenAt:      input.OccurredAt,
	})
	if err != nil {
		return nil, fmt.Errorf("creating profile: %w", err)
	}
	if err := e.recordActivity(ctx, p.ID, idents[0].Hash, input); err != nil {
		return nil, err
	}
	p, err = e.store.GetProfile(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading created profile: %w", err)
	}
	e.log.Info("profile created", "profile_id", p.ID, "identifiers", len(idents))
	return &ResolveResult{Profile: p, Outcome: OutcomeCreated}, nil
}

func (e *Engine) attachToExisting(ctx context.Context, c *candidate, unowned []normalize.Normalized, input ResolveInput) (*ResolveResult, error) {
	for _, n := range unowned {
		if _, err := e.store.AttachIdentifier(ctx, c.profile.ID, n); err != nil {
			return nil, fmt.Errorf("attaching %s identifier: %w", n.Type, err)
		}
	}
	if err := e.recordActivity(ctx, c.profile.ID, c.firstHash, input); err != nil {
		return nil, err
	}
	p, err := e.store.GetProfile(ctx, c.profile.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading profile: %w", err)
	}
	return &ResolveResult{Profile: p, Outcome: OutcomeMatched}, nil
}

// decidePair scores every implicated pair, takes the highest, and applies the
// threshold policy. Only the best pair is acted on per event; any further
// consolidation happens when later events re-implicate the survivors.
func (e *Engine) decidePair(ctx context.Context, candidates []*candidate, unowned []normalize.Normalized, idents []normalize.Normalized, input ResolveInput) (*ResolveResult, error) {
	eventTypes := make(map[models.IdentifierType]struct{}, len(idents))
	for _, n := range idents {
		eventTypes[n.Type] = struct{}{}
	}

	var bestA, bestB *candidate
	best := -1.0
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			c := e.confidence(a, b, len(eventTypes))
			if c > best {
				best, bestA, bestB = c, a, b
			}
		}
	}

	e.log.Debug("pair scored",
		"profile_a", bestA.profile.ID,
		"profile_b", bestB.profile.ID,
		"confidence", best,
	)

	switch {
	case best >= e.cfg.AutoMergeThreshold:
		return e.autoMerge(ctx, bestA, bestB, best, unowned, input)
	case best >= e.cfg.ManualReviewThreshold:
		if e.reviews != nil {
			cand := review.Candidate{
				ProfileA:   bestA.profile.ID,
				ProfileB:   bestB.profile.ID,
				Confidence: best,
				CreatedAt:  input.OccurredAt,
			}
			if err := e.reviews.Enqueue(ctx, cand); err != nil {
				return nil, fmt.Errorf("queueing review candidate: %w", err)
			}
		}
		return e.attributeWithout(ctx, candidates, unowned, input, OutcomeReviewQueued, best)
	default:
		return e.attributeWithout(ctx, candidates, unowned, input, OutcomeLowConfidence, best)
	}
}

// confidence combines identifier-type overlap with name similarity. Overlap
// counts the event identifier types that resolved to the pair against the
// distinct types the event carried; kinds of identifiers the profiles own
// beyond the event's evidence say nothing about this pair, so they do not
// dilute the score. Exact identifier matches are the reliable evidence and
// carry the larger weight.
func (e *Engine) confidence(a, b *candidate, comparedTypes int) float64 {
	matched := make(map[models.IdentifierType]struct{})
	for t := range a.matchedTypes {
		matched[t] = struct{}{}
	}
	for t := range b.matchedTypes {
		matched[t] = struct{}{}
	}

	overlap := 0.0
	if comparedTypes > 0 {
		overlap = float64(len(matched)) / float64(comparedTypes)
	}
	nameSim := similarity.Score(a.profile.DisplayName, b.profile.DisplayName)

	return e.cfg.IdentifierWeight*overlap + e.cfg.NameWeight*nameSim
}

func (e *Engine) autoMerge(ctx context.Context, a, b *candidate, confidence float64, unowned []normalize.Normalized, input ResolveInput) (*ResolveResult, error) {
	survivor, absorbed := pickSurvivor(ctx, e.store, a, b)

	entry, err := e.store.ApplyMerge(ctx, store.MergeParams{
		SourceID:   absorbed.profile.ID,
		TargetID:   survivor.profile.ID,
		MergeType:  models.MergeAuto,
		Confidence: confidence,
		At:         input.OccurredAt,
	})
	if err != nil {
		return nil, fmt.Errorf("applying auto merge: %w", err)
	}

	for _, n := range unowned {
		if _, err := e.store.AttachIdentifier(ctx, survivor.profile.ID, n); err != nil {
			return nil, fmt.Errorf("attaching %s identifier: %w", n.Type, err)
		}
	}
	if err := e.recordActivity(ctx, survivor.profile.ID, survivor.firstHash, input); err != nil {
		return nil, err
	}

	p, err := e.store.GetProfile(ctx, survivor.profile.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading survivor: %w", err)
	}
	e.log.Info("auto merge applied",
		"merge_log_id", entry.ID,
		"source_id", entry.SourceID,
		"target_id", entry.TargetID,
		"confidence", confidence,
	)
	return &ResolveResult{Profile: p, Outcome: OutcomeAutoMerged, Confidence: confidence, MergeLog: entry}, nil
}

// attributeWithout handles the no-merge branches: the event goes to the most
// recently active candidate, and any brand-new identifiers attach there.
func (e *Engine) attributeWithout(ctx context.Context, candidates []*candidate, unowned []normalize.Normalized, input ResolveInput, outcome Outcome, confidence float64) (*ResolveResult, error) {
	chosen := candidates[0]
	for _, c := range candidates[1:] {
		if c.profile.LastSeenAt.After(chosen.profile.LastSeenAt) {
			chosen = c
		}
	}

	for _, n := range unowned {
		if _, err := e.store.AttachIdentifier(ctx, chosen.profile.ID, n); err != nil {
			return nil, fmt.Errorf("attaching %s identifier: %w", n.Type, err)
		}
	}
	if err := e.recordActivity(ctx, chosen.profile.ID, chosen.firstHash, input); err != nil {
		return nil, err
	}

	p, err := e.store.GetProfile(ctx, chosen.profile.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading profile: %w", err)
	}
	return &ResolveResult{Profile: p, Outcome: outcome, Confidence: confidence}, nil
}

// pickSurvivor prefers the profile with more identifiers; on a tie the one
// seen first keeps its id, so long-lived profiles stay stable.
func pickSurvivor(ctx context.Context, st store.Store, a, b *candidate) (survivor, absorbed *candidate) {
	countA := identifierCount(ctx, st, a)
	countB := identifierCount(ctx, st, b)
	switch {
	case countA > countB:
		return a, b
	case countB > countA:
		return b, a
	case a.profile.FirstSeenAt.After(b.profile.FirstSeenAt):
		return b, a
	default:
		return a, b
	}
}

func identifierCount(ctx context.Context, st store.Store, c *candidate) int {
	owned, err := st.ListIdentifiers(ctx, c.profile.ID)
	if err != nil {
		return 0
	}
	return len(owned)
}

// recordActivity attributes the event's metrics to the profile through the
// identifier that matched it, so rollback re-derivation can follow ownership.
func (e *Engine) recordActivity(ctx context.Context, profileID id.ProfileID, hash string, input ResolveInput) error {
	owned, err := e.store.ListIdentifiers(ctx, profileID)
	if err != nil {
		return fmt.Errorf("listing identifiers for attribution: %w", err)
	}
	var identID id.IdentifierID
	for _, ident := range owned {
		if ident.Hash == hash {
			identID = ident.ID
			break
		}
	}
	if identID.IsNil() && len(owned) > 0 {
		// The matched identifier moved mid-pipeline (concurrent merge or
		// attach); fall back to any identifier the profile still owns.
		identID = owned[0].ID
	}
	err = e.store.RecordActivity(ctx, store.RecordActivityParams{
		ProfileID:    profileID,
		IdentifierID: identID,
		EventID:      input.EventID,
		DisplayName:  input.Name,
		Orders:       input.Orders,
		Spend:        input.Spend,
		OccurredAt:   input.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("recording activity: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	return errors.Is(err, sentinel.ErrTimeout) ||
		dErrors.Retryable(err) ||
		errors.Is(err, store.ErrDuplicateIdentifier) ||
		errors.Is(err, store.ErrOwnedElsewhere) ||
		errors.Is(err, store.ErrInvalidMergeTarget)
}
