// Package domain defines the typed identifiers shared across the identity
// core. Wrapping uuid.UUID in distinct types keeps profile, identifier, and
// merge-log ids from being swapped at call sites; the compiler enforces it.
package domain

import (
	"github.com/google/uuid"

	dErrors "unify/pkg/domain-errors"
)

type (
	// ProfileID identifies a customer profile.
	ProfileID uuid.UUID
	// IdentifierID identifies a single identifier row.
	IdentifierID uuid.UUID
	// MergeLogID identifies a merge audit entry.
	MergeLogID uuid.UUID
	// ActivityID identifies one attributed event's activity record.
	ActivityID uuid.UUID
)

func NewProfileID() ProfileID       { return ProfileID(uuid.New()) }
func NewIdentifierID() IdentifierID { return IdentifierID(uuid.New()) }
func NewMergeLogID() MergeLogID     { return MergeLogID(uuid.New()) }
func NewActivityID() ActivityID     { return ActivityID(uuid.New()) }

func (id ProfileID) String() string    { return uuid.UUID(id).String() }
func (id IdentifierID) String() string { return uuid.UUID(id).String() }
func (id MergeLogID) String() string   { return uuid.UUID(id).String() }
func (id ActivityID) String() string   { return uuid.UUID(id).String() }

func (id ProfileID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id IdentifierID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id MergeLogID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id ActivityID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }

// The wrapper types re-expose uuid's text encoding so they serialize as
// canonical UUID strings in JSON bodies and queue payloads.

func (id ProfileID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id IdentifierID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id MergeLogID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id ActivityID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }

func (id *ProfileID) UnmarshalText(b []byte) error    { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *IdentifierID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *MergeLogID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ActivityID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }

// parseUUID enforces the shared invariant: ids must be valid, non-nil UUIDs.
func parseUUID(raw, kind string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeValidation, "%s id is required", kind)
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeValidation, "%s id is not a valid UUID", kind)
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeValidation, "%s id must not be nil", kind)
	}
	return parsed, nil
}

// ParseProfileID validates raw at a trust boundary and returns a typed id.
func ParseProfileID(raw string) (ProfileID, error) {
	parsed, err := parseUUID(raw, "profile")
	return ProfileID(parsed), err
}

// ParseMergeLogID validates raw at a trust boundary and returns a typed id.
func ParseMergeLogID(raw string) (MergeLogID, error) {
	parsed, err := parseUUID(raw, "merge log")
	return MergeLogID(parsed), err
}
