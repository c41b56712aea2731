package webhooks

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/ticketd/internal/ticket"
)

// Event represents a webhook event payload.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      *TicketData `json:"data"`
}

// TicketData is the ticket snapshot carried by every event.
type TicketData struct {
	TicketID     string             `json:"ticket_id"`
	Owner        string             `json:"owner"`
	Kind         ticket.Kind        `json:"kind"`
	Title        string             `json:"title,omitempty"`
	State        ticket.State       `json:"state"`
	AttemptCount int                `json:"attempt_count"`
	Result       json.RawMessage    `json:"result,omitempty"`
	Error        string             `json:"error,omitempty"`
	ErrorCode    ticket.FailureCode `json:"error_code,omitempty"`
	Retryable    bool               `json:"retryable,omitempty"`
}

// NewEvent converts a ticket event to its webhook form. The delivery id is
// the ticket event id, so receivers can deduplicate retries.
func NewEvent(e *ticket.Event) *Event {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &Event{
		ID:        "evt_" + id,
		Type:      EventTypeFor(e.State),
		Timestamp: ts,
		Data: &TicketData{
			TicketID:     e.TicketID,
			Owner:        e.Owner,
			Kind:         e.Kind,
			Title:        e.Title,
			State:        e.State,
			AttemptCount: e.AttemptCount,
			Result:       e.Result,
			Error:        e.Error,
			ErrorCode:    e.ErrorCode,
			Retryable:    e.Retryable,
		},
	}
}
