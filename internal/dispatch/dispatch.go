// Package dispatch maps ticket kinds to the processors that execute them.
// The table is built once at startup and is read-only afterwards.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/alekspetrov/ticketd/internal/ticket"
)

// Processor executes tickets of one kind.
type Processor interface {
	// Kind is the single ticket kind this processor handles.
	Kind() ticket.Kind
	// Validate checks a submission's input before the ticket is created.
	Validate(input json.RawMessage) error
	// Execute performs the work. It must not mutate t; the orchestrator
	// persists the returned result.
	Execute(ctx context.Context, t *ticket.Ticket) (*Result, error)
}

// Result is a processor's successful output.
type Result struct {
	Payload    json.RawMessage
	ModelUsed  string
	TokensUsed int64
}

// NewResult marshals v as the result payload.
func NewResult(v any, model string, tokens int64) (*Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Result{Payload: data, ModelUsed: model, TokensUsed: tokens}, nil
}

// Registry is the static kind -> processor table.
type Registry struct {
	processors map[ticket.Kind]Processor
}

// NewRegistry builds the table. A kind outside the enumeration or claimed by
// two processors is a configuration error.
func NewRegistry(processors ...Processor) (*Registry, error) {
	r := &Registry{processors: make(map[ticket.Kind]Processor, len(processors))}
	for _, p := range processors {
		kind := p.Kind()
		if !kind.Valid() {
			return nil, fmt.Errorf("processor %T declares unknown kind %q", p, kind)
		}
		if existing, ok := r.processors[kind]; ok {
			return nil, fmt.Errorf("kind %q registered twice (%T and %T)", kind, existing, p)
		}
		r.processors[kind] = p
	}
	return r, nil
}

// Resolve returns the processor for kind.
func (r *Registry) Resolve(kind ticket.Kind) (Processor, error) {
	p, ok := r.processors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ticket.ErrUnknownTaskKind, kind)
	}
	return p, nil
}

// Validate resolves kind and checks input against its processor.
func (r *Registry) Validate(kind ticket.Kind, input json.RawMessage) error {
	p, err := r.Resolve(kind)
	if err != nil {
		return err
	}
	if err := p.Validate(input); err != nil {
		return fmt.Errorf("%w: %v", ticket.ErrInvalidInput, err)
	}
	return nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []ticket.Kind {
	kinds := make([]ticket.Kind, 0, len(r.processors))
	for k := range r.processors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
