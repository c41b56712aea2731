// Package webhooks delivers ticket lifecycle events to external HTTP
// endpoints, signed with HMAC-SHA256 and retried with exponential backoff.
package webhooks

import (
	"time"

	"github.com/alekspetrov/ticketd/internal/ticket"
)

// EventType is the webhook name of a ticket state change.
type EventType string

const (
	EventTicketPending    EventType = "ticket.pending"
	EventTicketProcessing EventType = "ticket.processing"
	EventTicketCompleted  EventType = "ticket.completed"
	EventTicketFailed     EventType = "ticket.failed"
)

// AllEventTypes returns all supported event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventTicketPending,
		EventTicketProcessing,
		EventTicketCompleted,
		EventTicketFailed,
	}
}

// EventTypeFor maps a ticket state to its event type.
func EventTypeFor(s ticket.State) EventType {
	return EventType("ticket." + string(s))
}

// Config holds configuration for outbound webhooks.
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Endpoints []*EndpointConfig `yaml:"endpoints"`
	Defaults  *EndpointDefaults `yaml:"defaults,omitempty"`
	// QueueSize bounds events waiting for delivery. Events beyond it are
	// dropped and logged.
	QueueSize int `yaml:"queue_size,omitempty"`
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	ID   string `yaml:"id,omitempty"`
	Name string `yaml:"name"`
	URL  string `yaml:"url"`

	// Secret signs payloads. Environment references like $WEBHOOK_SECRET
	// are expanded when the config is loaded.
	Secret string `yaml:"secret"`

	// Events this endpoint receives; empty means all.
	Events []EventType `yaml:"events,omitempty"`

	// Owners restricts delivery to tickets of these owners; empty means all.
	Owners []string `yaml:"owners,omitempty"`

	Enabled bool              `yaml:"enabled"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Retry   *RetryConfig      `yaml:"retry,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// EndpointDefaults holds default values for webhook endpoints.
type EndpointDefaults struct {
	Timeout time.Duration `yaml:"timeout"`
	Retry   *RetryConfig  `yaml:"retry,omitempty"`
}

// RetryConfig defines retry behavior for failed webhook deliveries.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   false,
		Endpoints: []*EndpointConfig{},
		Defaults: &EndpointDefaults{
			Timeout: 30 * time.Second,
			Retry:   DefaultRetryConfig(),
		},
		QueueSize: 256,
	}
}

// DefaultRetryConfig returns default retry settings.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// SubscribesTo reports whether the endpoint wants events of this type.
func (e *EndpointConfig) SubscribesTo(eventType EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, et := range e.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// WantsOwner reports whether the endpoint wants tickets of owner.
func (e *EndpointConfig) WantsOwner(owner string) bool {
	if len(e.Owners) == 0 {
		return true
	}
	for _, o := range e.Owners {
		if o == owner {
			return true
		}
	}
	return false
}

// GetTimeout returns the effective timeout for this endpoint.
func (e *EndpointConfig) GetTimeout(defaults *EndpointDefaults) time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	if defaults != nil && defaults.Timeout > 0 {
		return defaults.Timeout
	}
	return 30 * time.Second
}

// GetRetry returns the effective retry config for this endpoint.
func (e *EndpointConfig) GetRetry(defaults *EndpointDefaults) *RetryConfig {
	if e.Retry != nil {
		return e.Retry
	}
	if defaults != nil && defaults.Retry != nil {
		return defaults.Retry
	}
	return DefaultRetryConfig()
}
