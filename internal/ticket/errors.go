package ticket

import "errors"

var (
	// ErrNotFound is returned when a ticket does not exist.
	ErrNotFound = errors.New("ticket not found")

	// ErrConflict is returned by a compare-and-set transition whose expected
	// state or attempt no longer matches the stored record.
	ErrConflict = errors.New("ticket state conflict")

	// ErrUnknownTaskKind is returned for kinds outside the closed enumeration
	// or without a registered processor.
	ErrUnknownTaskKind = errors.New("unknown task kind")

	// ErrInvalidInput wraps input validation failures.
	ErrInvalidInput = errors.New("invalid ticket input")

	// ErrInvalidReprocessTarget is returned when reprocess is requested for a
	// ticket that is not FAILED.
	ErrInvalidReprocessTarget = errors.New("ticket is not in a reprocessable state")

	// ErrNotTerminal is returned when deleting a ticket that may still run.
	ErrNotTerminal = errors.New("ticket is not terminal")
)

// ErrIllegalTransition is returned when a transition is not an edge of the
// lifecycle graph.
var ErrIllegalTransition = errors.New("illegal state transition")
