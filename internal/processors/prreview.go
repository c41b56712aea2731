package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/alekspetrov/ticketd/internal/clients"
	"github.com/alekspetrov/ticketd/internal/clients/ai"
	"github.com/alekspetrov/ticketd/internal/clients/github"
	"github.com/alekspetrov/ticketd/internal/dispatch"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

const defaultMaxDiffBytes = 60000

type prReviewInput struct {
	PRURL                  string `json:"pr_url"`
	AdditionalInstructions string `json:"additional_instructions"`
}

// ReviewIssue is one problem the reviewer found.
type ReviewIssue struct {
	Severity    string `json:"severity"`
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
	Description string `json:"description"`
}

type reviewReply struct {
	Summary     string        `json:"summary"`
	Issues      []ReviewIssue `json:"issues"`
	Suggestions []string      `json:"suggestions"`
}

const prReviewSystemPrompt = `You are an expert code reviewer. Analyze pull requests for code quality, bugs, security, performance and best practices, and give specific, actionable feedback.

Respond with a single JSON object and nothing else:
{"summary": "...", "issues": [{"severity": "high|medium|low", "file": "path", "line": 0, "description": "..."}], "suggestions": ["..."]}`

// PRReview reviews a GitHub pull request with the AI.
type PRReview struct {
	ai           Completer
	github       PullRequestFetcher
	maxDiffBytes int
}

// NewPRReview returns the pull request review processor.
func NewPRReview(c Completer, gh PullRequestFetcher, maxDiffBytes int) *PRReview {
	if maxDiffBytes <= 0 {
		maxDiffBytes = defaultMaxDiffBytes
	}
	return &PRReview{ai: c, github: gh, maxDiffBytes: maxDiffBytes}
}

func (p *PRReview) Kind() ticket.Kind { return ticket.KindPRReview }

func (p *PRReview) Validate(raw json.RawMessage) error {
	in, err := decodeInput[prReviewInput](raw)
	if err != nil {
		return err
	}
	if strings.TrimSpace(in.PRURL) == "" {
		return errors.New("pr_url is required")
	}
	_, err = github.ParsePullRequestURL(in.PRURL)
	return err
}

func (p *PRReview) Execute(ctx context.Context, t *ticket.Ticket) (*dispatch.Result, error) {
	in, err := decodeInput[prReviewInput](t.Input)
	if err != nil {
		return nil, inputFailure(err)
	}
	if p.github == nil {
		return nil, ticket.NewFailure(ticket.CodeUpstreamFetch, false, "GitHub client is not configured")
	}

	pr, err := p.github.FetchPullRequest(ctx, in.PRURL)
	if err != nil {
		return nil, fetchFailure(ctx, err)
	}

	resp, err := complete(ctx, p.ai, ai.Request{
		System: prReviewSystemPrompt,
		Prompt: p.prompt(pr, in.AdditionalInstructions),
	})
	if err != nil {
		return nil, err
	}

	reply, err := parseReview(resp.Content)
	if err != nil {
		return nil, ticket.Wrap(ticket.CodeUpstreamAI, true, fmt.Errorf("unparseable review response: %w", err))
	}
	if reply.Issues == nil {
		reply.Issues = []ReviewIssue{}
	}
	if reply.Suggestions == nil {
		reply.Suggestions = []string{}
	}

	return dispatch.NewResult(map[string]any{
		"pr_url":          in.PRURL,
		"title":           pr.Title,
		"summary":         reply.Summary,
		"issues":          reply.Issues,
		"suggestions":     reply.Suggestions,
		"review_analysis": resp.Content,
		"tokens_used":     resp.TotalTokens,
		"model_used":      resp.Model,
	}, resp.Model, resp.TotalTokens)
}

func (p *PRReview) prompt(pr *github.PullRequest, instructions string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Please review the following GitHub Pull Request.\n\nTitle: %s\nAuthor: %s\n", pr.Title, pr.User.Login)
	fmt.Fprintf(&b, "Stats: %d files changed, +%d -%d\n\n", pr.ChangedFiles, pr.Additions, pr.Deletions)
	fmt.Fprintf(&b, "Description:\n%s\n\n", orDefault(pr.Body, "(none)"))
	fmt.Fprintf(&b, "Changes:\n```diff\n%s\n```\n", truncate(pr.Diff, p.maxDiffBytes))
	if len(pr.Comments) > 0 {
		b.WriteString("\nExisting review comments:\n")
		for _, c := range pr.Comments {
			fmt.Fprintf(&b, "- %s on %s: %s\n", c.User.Login, c.Path, c.Body)
		}
	}
	if strings.TrimSpace(instructions) != "" {
		fmt.Fprintf(&b, "\nAdditional context: %s\n", instructions)
	}
	return b.String()
}

// parseReview extracts the JSON object from a model reply, tolerating code
// fences and surrounding prose.
func parseReview(content string) (*reviewReply, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in reply")
	}
	var r reviewReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &r); err != nil {
		return nil, err
	}
	if strings.TrimSpace(r.Summary) == "" {
		return nil, errors.New("reply has no summary")
	}
	return &r, nil
}

// fetchFailure classifies source control errors. Bad references and 4xx
// answers will not improve on retry.
func fetchFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, github.ErrInvalidPullRequestURL) {
		return ticket.Wrap(ticket.CodeUpstreamFetch, false, err)
	}
	switch clients.StatusCode(err) {
	case 404:
		return ticket.NewFailure(ticket.CodeUpstreamFetch, false, "pull request not found or not accessible")
	case 401, 403:
		return ticket.NewFailure(ticket.CodeUpstreamFetch, false, "access denied, check GitHub token permissions")
	}
	return ticket.Wrap(ticket.CodeUpstreamFetch, clients.IsTransient(err), err)
}
