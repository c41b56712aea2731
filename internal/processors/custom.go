package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/alekspetrov/ticketd/internal/clients/ai"
	"github.com/alekspetrov/ticketd/internal/dispatch"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

type customInput struct {
	TaskDescription string `json:"task_description"`
	Instructions    string `json:"instructions"`
	Context         string `json:"context"`
}

// Custom runs a free-form task description through the AI.
type Custom struct {
	ai Completer
}

// NewCustom returns the custom task processor.
func NewCustom(c Completer) *Custom {
	return &Custom{ai: c}
}

func (p *Custom) Kind() ticket.Kind { return ticket.KindCustom }

func (p *Custom) Validate(raw json.RawMessage) error {
	in, err := decodeInput[customInput](raw)
	if err != nil {
		return err
	}
	if strings.TrimSpace(in.TaskDescription) == "" {
		return errors.New("task_description is required")
	}
	return nil
}

func (p *Custom) Execute(ctx context.Context, t *ticket.Ticket) (*dispatch.Result, error) {
	in, err := decodeInput[customInput](t.Input)
	if err != nil {
		return nil, inputFailure(err)
	}

	prompt := fmt.Sprintf("Custom task request:\n\nTask description: %s\nInstructions: %s\nContext: %s\n",
		in.TaskDescription, in.Instructions, in.Context)

	resp, err := complete(ctx, p.ai, ai.Request{Prompt: prompt})
	if err != nil {
		return nil, err
	}

	return dispatch.NewResult(map[string]any{
		"task_result": resp.Content,
		"tokens_used": resp.TotalTokens,
		"model_used":  resp.Model,
	}, resp.Model, resp.TotalTokens)
}
