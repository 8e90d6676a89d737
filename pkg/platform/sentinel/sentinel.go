package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into classified domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in the store
// - ErrConflict: a uniqueness constraint would be violated
// - ErrInvalidState: entity in the wrong state for the requested operation
// - ErrTimeout: the store could not complete within its transaction deadline
// - ErrUnavailable: backing resource temporarily unreachable
//
// For input validation failures, use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrTimeout      = errors.New("timeout")
	ErrUnavailable  = errors.New("unavailable")
)
