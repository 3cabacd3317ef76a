package session

import "errors"

// Error kinds shared across the coordinator. Callers classify failures
// with errors.Is; everything here is recoverable except where noted by
// the caller.
var (
	// ErrNotFound indicates an unknown session ID. Dependent components
	// treat this as recoverable: log and no-op.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidState indicates an operation that is illegal for the
	// session's current lifecycle status.
	ErrInvalidState = errors.New("invalid session state")

	// ErrValidation indicates a rejected inbound event with missing or
	// malformed required fields. No state is mutated.
	ErrValidation = errors.New("validation failed")
)
