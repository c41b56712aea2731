// Package github fetches pull request details for review tickets.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alekspetrov/ticketd/internal/clients"
)

const githubAPIURL = "https://api.github.com"

// ErrInvalidPullRequestURL is returned for URLs that are not GitHub PR links.
var ErrInvalidPullRequestURL = errors.New("invalid GitHub pull request URL")

var prURLPattern = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+)/pull/(\d+)/?$`)

// PullRequestRef identifies a pull request.
type PullRequestRef struct {
	Owner  string
	Repo   string
	Number int
}

func (r PullRequestRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// ParsePullRequestURL extracts owner, repo and number from a PR URL such as
// https://github.com/owner/repo/pull/123.
func ParsePullRequestURL(raw string) (PullRequestRef, error) {
	m := prURLPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return PullRequestRef{}, fmt.Errorf("%w: %q", ErrInvalidPullRequestURL, raw)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil || n <= 0 {
		return PullRequestRef{}, fmt.Errorf("%w: %q", ErrInvalidPullRequestURL, raw)
	}
	return PullRequestRef{Owner: m[1], Repo: m[2], Number: n}, nil
}

// User is a GitHub account.
type User struct {
	Login string `json:"login"`
}

// ReviewComment is an inline review comment on a pull request.
type ReviewComment struct {
	User      User      `json:"user"`
	Body      string    `json:"body"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// PullRequest holds the metadata, diff and review comments of a PR.
type PullRequest struct {
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	State        string    `json:"state"`
	User         User      `json:"user"`
	Commits      int       `json:"commits"`
	Additions    int       `json:"additions"`
	Deletions    int       `json:"deletions"`
	ChangedFiles int       `json:"changed_files"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Diff     string          `json:"-"`
	Comments []ReviewComment `json:"-"`
}

// Client is a read-only GitHub REST client
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client against api.github.com.
func NewClient(token string, timeout time.Duration) *Client {
	return NewClientWithBaseURL(token, githubAPIURL, timeout)
}

// NewClientWithBaseURL creates a client with a custom base URL (GitHub
// Enterprise or tests).
func NewClientWithBaseURL(token, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchPullRequest fetches metadata, the unified diff and review comments
// for the pull request at prURL.
func (c *Client) FetchPullRequest(ctx context.Context, prURL string) (*PullRequest, error) {
	ref, err := ParsePullRequestURL(prURL)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", ref.Owner, ref.Repo, ref.Number)

	var pr PullRequest
	if err := c.getJSON(ctx, path, &pr); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}

	diff, err := c.get(ctx, path, "application/vnd.github.v3.diff")
	if err != nil {
		return nil, fmt.Errorf("fetch diff %s: %w", ref, err)
	}
	pr.Diff = string(diff)

	if err := c.getJSON(ctx, path+"/comments", &pr.Comments); err != nil {
		return nil, fmt.Errorf("fetch comments %s: %w", ref, err)
	}
	return &pr, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.get(ctx, path, "application/vnd.github+json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "ticketd")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := clients.CheckResponse("github", resp); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
