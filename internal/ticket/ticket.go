// Package ticket defines the ticket record, its lifecycle states and the
// failure and event types shared by the orchestrator, processors and hub.
package ticket

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is a lifecycle state of a ticket.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// States returns every lifecycle state.
func States() []State {
	return []State{StatePending, StateProcessing, StateCompleted, StateFailed}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no processing will happen without an explicit reprocess.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ParseState parses a state name as stored or sent over the API.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown ticket state %q", v)
	}
	return s, nil
}

// Kind is the task kind of a ticket. The set is closed.
type Kind string

const (
	KindPRReview      Kind = "pr_review"
	KindDocAnalysis   Kind = "doc_analysis"
	KindReportWriting Kind = "report_writing"
	KindDataQuery     Kind = "data_query"
	KindCustom        Kind = "custom"
)

// Kinds returns every supported task kind.
func Kinds() []Kind {
	return []Kind{KindPRReview, KindDocAnalysis, KindReportWriting, KindDataQuery, KindCustom}
}

// Valid reports whether k belongs to the closed kind enumeration.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Priority is an informational ordering hint carried with the ticket.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority parses a priority, defaulting empty values to medium.
func ParsePriority(v string) (Priority, error) {
	switch p := Priority(v); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q", v)
}

// Ticket is a unit of requested work.
type Ticket struct {
	ID           string          `json:"id"`
	Owner        string          `json:"owner"`
	Kind         Kind            `json:"kind"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Priority     Priority        `json:"priority"`
	Input        json.RawMessage `json:"input"`
	State        State           `json:"state"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *Failure        `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	ModelUsed    string          `json:"model_used,omitempty"`
	TokensUsed   int64           `json:"tokens_used,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the ticket.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.Input = cloneRaw(t.Input)
	c.Result = cloneRaw(t.Result)
	if t.Error != nil {
		f := *t.Error
		c.Error = &f
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
