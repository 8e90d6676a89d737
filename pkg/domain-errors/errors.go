// Package domainerrors provides code-classified errors for the identity core.
//
// Services return these so transport layers can map failures to HTTP statuses
// without string matching, and so callers can distinguish retryable store
// contention from terminal input errors.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and the HTTP layer.
type Code string

const (
	CodeInvalidIdentifier   Code = "invalid_identifier"
	CodeDuplicateIdentifier Code = "duplicate_identifier"
	CodeOwnedElsewhere      Code = "identifier_owned_elsewhere"
	CodeInvalidMergeTarget  Code = "invalid_merge_target"
	CodeMergeNotFound       Code = "merge_not_found"
	CodeAlreadyRolledBack   Code = "already_rolled_back"
	CodeStoreTimeout        Code = "store_timeout"

	CodeValidation Code = "validation"
	CodeBadRequest Code = "bad_request"
	CodeNotFound   Code = "not_found"
	CodeConflict   Code = "conflict"
	CodeInternal   Code = "internal"
)

// Error carries a classification code alongside the message and, optionally,
// a wrapped cause.
type Error struct {
	code Code
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Code returns the classification of the error.
func (e *Error) Code() Code { return e.code }

// New creates a classified error with no underlying cause.
func New(code Code, msg string) error {
	return &Error{code: code, msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message. Returns nil if err is nil.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, msg: msg, err: err}
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	for errors.As(err, &de) {
		if de.code == code {
			return true
		}
		err = de.err
		if err == nil {
			return false
		}
	}
	return false
}

// Is is an alias for HasCode kept for call-site readability.
func Is(err error, code Code) bool { return HasCode(err, code) }

// CodeOf returns the outermost code in the chain, or CodeInternal for
// unclassified errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.code
	}
	return CodeInternal
}

// Retryable reports whether the error represents transient store contention
// that a caller may retry with fresh reads.
func Retryable(err error) bool {
	return HasCode(err, CodeStoreTimeout)
}

// ToHTTPStatus maps a classification code onto an HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeInvalidIdentifier, CodeValidation, CodeBadRequest:
		return http.StatusBadRequest
	case CodeNotFound, CodeMergeNotFound:
		return http.StatusNotFound
	case CodeDuplicateIdentifier, CodeOwnedElsewhere, CodeInvalidMergeTarget, CodeAlreadyRolledBack, CodeConflict:
		return http.StatusConflict
	case CodeStoreTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
