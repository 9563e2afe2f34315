// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package aegiserr defines the engine's error taxonomy. Each category
// carries a stable machine-readable code so transports (stream frames,
// REST responses) can map failures without string matching.
//
// Callers use errors.As to extract the structured information:
//
//	var coordErr *aegiserr.Error
//	if errors.As(err, &coordErr) {
//	    if coordErr.Kind == aegiserr.KindStaleData { ... }
//	}
package aegiserr

import (
	"errors"
	"fmt"
)

// Kind is the error category from the coordination engine's taxonomy.
type Kind string

const (
	// KindAuthentication covers bad or expired session tokens. The
	// connection is refused.
	KindAuthentication Kind = "AUTHENTICATION"

	// KindValidation covers malformed samples and unknown agents or
	// sites. Returned synchronously to the originating connection.
	KindValidation Kind = "VALIDATION"

	// KindStaleData covers out-of-order samples. Dropped with a debug
	// log; not surfaced to the client as a failure.
	KindStaleData Kind = "STALE_DATA"

	// KindRouting covers rooms with no known recipients. Logged, never
	// fatal.
	KindRouting Kind = "ROUTING"

	// KindPersistence covers audit sink write failures. Retried with
	// backoff; never blocks the live path.
	KindPersistence Kind = "PERSISTENCE"

	// KindStateConflict covers transitions on a terminal alert. The
	// engine treats these as idempotent no-ops; the Kind exists for
	// internal accounting, callers receive the existing state.
	KindStateConflict Kind = "STATE_CONFLICT"
)

// Error is a categorized engine error.
type Error struct {
	Kind    Kind
	Message string
	// Wrapped is the underlying cause, if any.
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New creates a categorized error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a categorized error around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var coordErr *Error
	if errors.As(err, &coordErr) {
		return coordErr.Kind == kind
	}
	return false
}
