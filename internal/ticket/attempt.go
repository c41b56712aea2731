package ticket

import "time"

// Outcome is the result of a single execution attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// Attempt records one execution of a ticket for auditing.
type Attempt struct {
	ID        string        `json:"id"`
	TicketID  string        `json:"ticket_id"`
	Number    int           `json:"number"`
	WorkerID  string        `json:"worker_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   Outcome       `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
}
