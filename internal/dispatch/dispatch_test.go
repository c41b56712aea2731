package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alekspetrov/ticketd/internal/ticket"
)

type stubProcessor struct {
	kind    ticket.Kind
	invalid bool
}

func (s *stubProcessor) Kind() ticket.Kind { return s.kind }

func (s *stubProcessor) Validate(json.RawMessage) error {
	if s.invalid {
		return errors.New("missing field")
	}
	return nil
}

func (s *stubProcessor) Execute(context.Context, *ticket.Ticket) (*Result, error) {
	return NewResult(map[string]string{"ok": "yes"}, "", 0)
}

func TestRegistryResolve(t *testing.T) {
	r, err := NewRegistry(&stubProcessor{kind: ticket.KindCustom}, &stubProcessor{kind: ticket.KindDataQuery})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	p, err := r.Resolve(ticket.KindCustom)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Kind() != ticket.KindCustom {
		t.Errorf("resolved %s", p.Kind())
	}

	if _, err := r.Resolve(ticket.KindPRReview); !errors.Is(err, ticket.ErrUnknownTaskKind) {
		t.Errorf("unregistered kind error = %v", err)
	}
	if _, err := r.Resolve("translation"); !errors.Is(err, ticket.ErrUnknownTaskKind) {
		t.Errorf("unknown kind error = %v", err)
	}

	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != ticket.KindCustom || kinds[1] != ticket.KindDataQuery {
		t.Errorf("Kinds = %v", kinds)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(&stubProcessor{kind: ticket.KindCustom}, &stubProcessor{kind: ticket.KindCustom})
	if err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRegistryRejectsUnknownKind(t *testing.T) {
	if _, err := NewRegistry(&stubProcessor{kind: "translation"}); err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestRegistryValidate(t *testing.T) {
	r, _ := NewRegistry(&stubProcessor{kind: ticket.KindCustom, invalid: true})

	err := r.Validate(ticket.KindCustom, json.RawMessage(`{}`))
	if !errors.Is(err, ticket.ErrInvalidInput) {
		t.Errorf("Validate = %v, want ErrInvalidInput", err)
	}
	err = r.Validate(ticket.KindReportWriting, json.RawMessage(`{}`))
	if !errors.Is(err, ticket.ErrUnknownTaskKind) {
		t.Errorf("Validate = %v, want ErrUnknownTaskKind", err)
	}
}

func TestNewResult(t *testing.T) {
	res, err := NewResult(map[string]int{"rows": 3}, "gpt-4", 12)
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Payload) != `{"rows":3}` || res.ModelUsed != "gpt-4" || res.TokensUsed != 12 {
		t.Errorf("result = %+v", res)
	}
}
