// Package store persists the identity graph: profiles, identifier ownership,
// merge lineage, and the activity history rollbacks are re-derived from.
package store

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"unify/internal/identity/models"
	"unify/internal/identity/normalize"
	id "unify/pkg/domain"
)

// Store-specific sentinel facts. Services translate these into classified
// domain errors; they are never surfaced raw.
var (
	// ErrDuplicateIdentifier: CreateProfile found an identifier already owned
	// by another active profile. Caller must re-resolve instead.
	ErrDuplicateIdentifier = errors.New("identifier already owned by an active profile")
	// ErrOwnedElsewhere: AttachIdentifier found the identifier owned by a
	// different active profile. Caller must route to merge logic.
	ErrOwnedElsewhere = errors.New("identifier owned by a different active profile")
	// ErrInvalidMergeTarget: one or both profiles are missing, merged, or the
	// same profile.
	ErrInvalidMergeTarget = errors.New("profiles not eligible for merge")
	// ErrAlreadyRolledBack: the merge log entry was reversed before.
	ErrAlreadyRolledBack = errors.New("merge already rolled back")
)

// maxChainDepth bounds merged_into traversal. The chain is a forest, so any
// longer walk indicates corruption rather than a deep lineage.
const maxChainDepth = 64

// CreateProfileParams seeds a new profile with its initial identifiers.
type CreateProfileParams struct {
	Identifiers []normalize.Normalized
	DisplayName string
	SeenAt      time.Time
}

// RecordActivityParams attributes one event's metrics to a profile. EventID,
// when set, is the event's identity: a replay with the same id is dropped
// instead of counted twice.
type RecordActivityParams struct {
	ProfileID    id.ProfileID
	IdentifierID id.IdentifierID
	EventID      string
	DisplayName  string
	Orders       int64
	Spend        float64
	OccurredAt   time.Time
}

// MergeParams describes a decided merge to apply.
type MergeParams struct {
	SourceID   id.ProfileID
	TargetID   id.ProfileID
	MergeType  models.MergeType
	Confidence float64
	Reason     string
	At         time.Time
}

// MergeLogFilter narrows ListMergeLogs. Zero values match everything.
type MergeLogFilter struct {
	ProfileID  *id.ProfileID
	MergeType  models.MergeType
	RolledBack *bool
	Limit      int
}

// Store is the single authoritative holder of profile, identifier, and merge
// state. Every mutating operation is all-or-nothing.
type Store interface {
	// FindActiveProfileByIdentifier resolves an identifier to its active
	// owner, following merged_into pointers to the terminal root.
	// Returns sentinel.ErrNotFound when no active profile owns it.
	FindActiveProfileByIdentifier(ctx context.Context, idType models.IdentifierType, hash string) (*models.Profile, error)

	// GetProfile resolves any profile id through the merge chain to the
	// active root.
	GetProfile(ctx context.Context, profileID id.ProfileID) (*models.Profile, error)

	// CreateProfile creates a profile owning the given identifiers.
	// Fails with ErrDuplicateIdentifier if any is already actively owned.
	CreateProfile(ctx context.Context, params CreateProfileParams) (*models.Profile, error)

	// AttachIdentifier links an identifier to the profile. No-op when already
	// attached there; ErrOwnedElsewhere when another active profile owns it.
	AttachIdentifier(ctx context.Context, profileID id.ProfileID, ident normalize.Normalized) (*models.Identifier, error)

	// ListIdentifiers returns the identifiers currently owned by the profile.
	ListIdentifiers(ctx context.Context, profileID id.ProfileID) ([]models.Identifier, error)

	// RecordActivity appends an activity row and folds its metrics into the
	// owning profile. A non-empty EventID already on record makes the call a
	// no-op, so replayed events never double-count.
	RecordActivity(ctx context.Context, params RecordActivityParams) error

	// ApplyMerge atomically folds source into target: reassigns identifiers
	// (dropping duplicates target already owns), sums metrics, folds
	// timestamps, marks source merged, and writes the merge log entry with
	// the set of identifier ids actually moved.
	ApplyMerge(ctx context.Context, params MergeParams) (*models.MergeLogEntry, error)

	// ApplyRollback reverses a merge using the recorded moved-identifier set
	// and re-derives affected metrics from activity history.
	ApplyRollback(ctx context.Context, mergeLogID id.MergeLogID, reason string, at time.Time) error

	// GetMergeLog fetches one merge log entry.
	GetMergeLog(ctx context.Context, mergeLogID id.MergeLogID) (*models.MergeLogEntry, error)

	// ListMergeLogs returns entries most recent first.
	ListMergeLogs(ctx context.Context, filter MergeLogFilter) ([]models.MergeLogEntry, error)
}

// OrderedPair returns the two profile ids in ascending byte order. Both
// stores acquire profile locks in this order so concurrent merges over
// overlapping pairs cannot deadlock.
func OrderedPair(a, b id.ProfileID) (id.ProfileID, id.ProfileID) {
	ua, ub := uuid.UUID(a), uuid.UUID(b)
	if bytes.Compare(ua[:], ub[:]) <= 0 {
		return a, b
	}
	return b, a
}
