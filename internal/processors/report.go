package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/alekspetrov/ticketd/internal/clients/ai"
	"github.com/alekspetrov/ticketd/internal/dispatch"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

type reportInput struct {
	Topic          string `json:"topic"`
	PaperType      string `json:"paper_type"`
	Requirements   string `json:"requirements"`
	TargetAudience string `json:"target_audience"`
	Length         string `json:"length"`
	Instructions   string `json:"instructions"`
}

const reportSystemPrompt = `You are an expert writer. Produce clear, well-structured Markdown with headed sections, written for the stated audience in a professional tone.`

// Report writes a structured document on a topic and renders it to HTML.
type Report struct {
	ai       Completer
	markdown goldmark.Markdown
}

// NewReport returns the report writing processor.
func NewReport(c Completer) *Report {
	return &Report{
		ai:       c,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

func (p *Report) Kind() ticket.Kind { return ticket.KindReportWriting }

func (p *Report) Validate(raw json.RawMessage) error {
	in, err := decodeInput[reportInput](raw)
	if err != nil {
		return err
	}
	if strings.TrimSpace(in.Topic) == "" {
		return errors.New("topic is required")
	}
	return nil
}

func (p *Report) Execute(ctx context.Context, t *ticket.Ticket) (*dispatch.Result, error) {
	in, err := decodeInput[reportInput](t.Input)
	if err != nil {
		return nil, inputFailure(err)
	}

	prompt := fmt.Sprintf(`Please write a %s on the following topic:

Topic: %s
Requirements: %s
Target audience: %s
Length: %s

Additional instructions: %s
`,
		orDefault(in.PaperType, "report"), in.Topic, in.Requirements,
		orDefault(in.TargetAudience, "General"), orDefault(in.Length, "Medium"), in.Instructions)

	resp, err := complete(ctx, p.ai, ai.Request{System: reportSystemPrompt, Prompt: prompt, MaxTokens: 4000})
	if err != nil {
		return nil, err
	}

	var html bytes.Buffer
	if err := p.markdown.Convert([]byte(resp.Content), &html); err != nil {
		return nil, ticket.Wrap(ticket.CodeInternal, false, fmt.Errorf("render report: %w", err))
	}

	return dispatch.NewResult(map[string]any{
		"paper_type":    orDefault(in.PaperType, "report"),
		"paper_content": resp.Content,
		"paper_html":    html.String(),
		"tokens_used":   resp.TotalTokens,
		"model_used":    resp.Model,
	}, resp.Model, resp.TotalTokens)
}
