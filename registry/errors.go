package registry

import "errors"

// Sentinel errors for registry operations.
var (
	// ErrNotFound is returned for absent builds and for tenant mismatches
	// alike, so callers cannot distinguish "absent" from "forbidden".
	ErrNotFound = errors.New("build not found")

	// ErrTerminal is returned when a mutation is not valid for a build in a
	// terminal state.
	ErrTerminal = errors.New("build is in a terminal state")

	// ErrInvalidTransition is returned for a disallowed status transition.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrGateNotPending is returned when deciding a gate that is not pending.
	ErrGateNotPending = errors.New("approval gate is not pending")

	// ErrJournalClosed is returned when appending to a closed journal.
	ErrJournalClosed = errors.New("journal is closed")
)
