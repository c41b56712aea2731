// Package store defines the ticket persistence contract shared by the sqlite
// and postgres adapters.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alekspetrov/ticketd/internal/ticket"
)

// Store persists tickets and their execution attempts.
//
// CASTransition is the only way a ticket's state changes after creation. It
// applies the change only if the stored state and attempt counter still match
// the expected values, returning ticket.ErrConflict otherwise.
type Store interface {
	Create(ctx context.Context, t *ticket.Ticket) error
	Load(ctx context.Context, id string) (*ticket.Ticket, error)
	CASTransition(ctx context.Context, id string, from ticket.State, attempt int, to ticket.State, u Update) (*ticket.Ticket, error)
	UpdateDetails(ctx context.Context, id string, d Details) (*ticket.Ticket, error)
	List(ctx context.Context, f ListFilter) ([]*ticket.Ticket, int, error)
	ListStale(ctx context.Context, state ticket.State, updatedBefore time.Time) ([]*ticket.Ticket, error)
	Delete(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, a *ticket.Attempt) error
	ListAttempts(ctx context.Context, ticketID string) ([]*ticket.Attempt, error)
	PurgeCompleted(ctx context.Context, before time.Time, dryRun bool) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Update lists the fields written together with a state change. Zero values
// leave the stored column untouched.
type Update struct {
	Result      json.RawMessage
	Error       *ticket.Failure
	ModelUsed   string
	TokensUsed  int64
	StartedAt   *time.Time
	CompletedAt *time.Time

	// IncrementAttempt bumps attempt_count by one.
	IncrementAttempt bool

	// ClearOutcome resets result, error and completed_at.
	ClearOutcome bool
}

// Details lists the descriptive fields an owner may edit. Nil fields are
// left untouched. Edits do not move updated_at, which tracks lifecycle
// changes for the watchdog and retention.
type Details struct {
	Title       *string
	Description *string
	Priority    *ticket.Priority
}

// Empty reports whether d changes nothing.
func (d Details) Empty() bool {
	return d.Title == nil && d.Description == nil && d.Priority == nil
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	Owner  string
	State  ticket.State
	Kind   ticket.Kind
	Limit  int
	Offset int
}

// DefaultListLimit applies when ListFilter.Limit is zero.
const DefaultListLimit = 50

// MaxListLimit caps ListFilter.Limit.
const MaxListLimit = 500

// EffectiveLimit returns the page size List should use.
func (f ListFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}

// CheckTransition validates a CAS request before it reaches the database.
func CheckTransition(from, to ticket.State) error {
	if !ticket.CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// TransitionError reports a request for an edge outside the lifecycle graph.
type TransitionError struct {
	From, To ticket.State
}

func (e *TransitionError) Error() string {
	return "illegal transition " + string(e.From) + " -> " + string(e.To)
}

func (e *TransitionError) Unwrap() error { return ticket.ErrIllegalTransition }
