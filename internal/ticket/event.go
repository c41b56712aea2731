package ticket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is emitted once per state transition.
type Event struct {
	ID           string          `json:"id" cbor:"id"`
	TicketID     string          `json:"ticket_id" cbor:"ticket_id"`
	Owner        string          `json:"owner" cbor:"owner"`
	Kind         Kind            `json:"kind" cbor:"kind"`
	Title        string          `json:"title,omitempty" cbor:"title,omitempty"`
	State        State           `json:"state" cbor:"state"`
	AttemptCount int             `json:"attempt_count" cbor:"attempt_count"`
	Result       json.RawMessage `json:"result,omitempty" cbor:"result,omitempty"`
	Error        string          `json:"error,omitempty" cbor:"error,omitempty"`
	ErrorCode    FailureCode     `json:"error_code,omitempty" cbor:"error_code,omitempty"`
	Retryable    bool            `json:"retryable,omitempty" cbor:"retryable,omitempty"`
	Timestamp    time.Time       `json:"timestamp" cbor:"timestamp"`
}

// NewEvent snapshots t as it stands after a transition.
func NewEvent(t *Ticket) *Event {
	e := &Event{
		ID:           uuid.NewString(),
		TicketID:     t.ID,
		Owner:        t.Owner,
		Kind:         t.Kind,
		Title:        t.Title,
		State:        t.State,
		AttemptCount: t.AttemptCount,
		Timestamp:    time.Now().UTC(),
	}
	if t.State == StateCompleted {
		e.Result = cloneRaw(t.Result)
	}
	if t.State == StateFailed && t.Error != nil {
		e.Error = t.Error.Reason
		e.ErrorCode = t.Error.Code
		e.Retryable = t.Error.Retryable
	}
	return e
}
