// Package processors implements one dispatch.Processor per ticket kind.
// Processors only compute results; they never touch ticket storage.
package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/alekspetrov/ticketd/internal/clients"
	"github.com/alekspetrov/ticketd/internal/clients/ai"
	"github.com/alekspetrov/ticketd/internal/clients/dataplatform"
	"github.com/alekspetrov/ticketd/internal/clients/extract"
	"github.com/alekspetrov/ticketd/internal/clients/github"
	"github.com/alekspetrov/ticketd/internal/dispatch"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

// Completer produces AI chat completions.
type Completer interface {
	Complete(ctx context.Context, req ai.Request) (*ai.Completion, error)
}

// PullRequestFetcher loads a pull request with its diff and comments.
type PullRequestFetcher interface {
	FetchPullRequest(ctx context.Context, prURL string) (*github.PullRequest, error)
}

// TextExtractor turns a stored file reference into text.
type TextExtractor interface {
	ExtractText(ctx context.Context, ref string) (*extract.Document, error)
}

// DataQuerier answers natural-language data questions.
type DataQuerier interface {
	Query(ctx context.Context, question string) (*dataplatform.Answer, error)
}

// Deps are the collaborators processors are built from.
type Deps struct {
	AI           Completer
	GitHub       PullRequestFetcher
	Files        TextExtractor
	DataPlatform DataQuerier
	MaxDiffBytes int
}

// All returns a processor for every ticket kind.
func All(d Deps) []dispatch.Processor {
	return []dispatch.Processor{
		NewPRReview(d.AI, d.GitHub, d.MaxDiffBytes),
		NewDocAnalysis(d.AI, d.Files),
		NewReport(d.AI),
		NewDataQuery(d.DataPlatform),
		NewCustom(d.AI),
	}
}

// decodeInput unmarshals a ticket's input into T.
func decodeInput[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, errors.New("input is empty")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("input is not a valid object: %w", err)
	}
	return v, nil
}

// inputFailure reports input that passed submission checks but cannot be
// used, e.g. tickets created before a validation rule existed.
func inputFailure(err error) *ticket.Failure {
	return ticket.Wrap(ticket.CodeInvalidInput, false, err)
}

// complete calls the AI and normalizes its errors.
func complete(ctx context.Context, c Completer, req ai.Request) (*ai.Completion, error) {
	if c == nil {
		return nil, ticket.NewFailure(ticket.CodeUpstreamAI, false, "AI completion is not configured")
	}
	resp, err := c.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ticket.Wrap(ticket.CodeUpstreamAI, clients.IsTransient(err) || errors.Is(err, ai.ErrEmptyCompletion), err)
	}
	return resp, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n...[truncated]"
}
