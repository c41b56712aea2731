// Package apiclient is the HTTP client the ticketd CLI uses to talk to a
// running server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alekspetrov/ticketd/internal/clients/extract"
	"github.com/alekspetrov/ticketd/internal/gateway"
	"github.com/alekspetrov/ticketd/internal/orchestrator"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

const defaultTimeout = 30 * time.Second

// Error is a non-2xx API response. It unwraps to the matching ticket error
// so callers can use errors.Is.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ticket.ErrNotFound
	case http.StatusBadRequest:
		return ticket.ErrInvalidInput
	case http.StatusConflict:
		return ticket.ErrConflict
	case http.StatusUnauthorized:
		return gateway.ErrInvalidToken
	}
	return nil
}

// Client calls the ticketd REST API on behalf of one owner.
type Client struct {
	baseURL    string
	token      string
	owner      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithOwner names the owner for servers running without authentication.
func WithOwner(owner string) Option {
	return func(c *Client) { c.owner = owner }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the server at baseURL, e.g. http://127.0.0.1:8080.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Header returns the credentials sent with every request.
func (c *Client) Header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.owner != "" {
		h.Set(gateway.OwnerHeader, c.owner)
	}
	return h
}

// WebSocketURL returns the ws:// or wss:// address of the update stream.
func (c *Client) WebSocketURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// SubmitResult is a submitted ticket. Queued is false when the server
// persisted the ticket but could not queue it yet.
type SubmitResult struct {
	Ticket *ticket.Ticket
	Queued bool
}

// Submit creates a ticket. Owner in req is ignored; the server derives it
// from the credentials.
func (c *Client) Submit(ctx context.Context, req orchestrator.SubmitRequest) (*SubmitResult, error) {
	body := map[string]any{
		"kind":        req.Kind,
		"title":       req.Title,
		"description": req.Description,
		"priority":    req.Priority,
		"input":       req.Input,
	}
	var t ticket.Ticket
	status, err := c.do(ctx, http.MethodPost, "/api/v1/tickets", body, &t)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Ticket: &t, Queued: status != http.StatusAccepted}, nil
}

// Get fetches one ticket.
func (c *Client) Get(ctx context.Context, id string) (*ticket.Ticket, error) {
	var t ticket.Ticket
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/tickets/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListOptions filters List. Zero values are omitted.
type ListOptions struct {
	State  ticket.State
	Kind   ticket.Kind
	Limit  int
	Offset int
}

// ListResult is one page of tickets.
type ListResult struct {
	Tickets []*ticket.Ticket `json:"tickets"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// List returns the caller's tickets, newest first.
func (c *Client) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	if opts.Kind != "" {
		q.Set("kind", string(opts.Kind))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/api/v1/tickets"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var res ListResult
	if _, err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Reprocess resets a FAILED ticket to PENDING and queues it again.
func (c *Client) Reprocess(ctx context.Context, id string) (*ticket.Ticket, error) {
	var t ticket.Ticket
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/tickets/"+url.PathEscape(id)+"/reprocess", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateDetails edits a ticket's title, description or priority.
func (c *Client) UpdateDetails(ctx context.Context, id string, req orchestrator.DetailsRequest) (*ticket.Ticket, error) {
	var t ticket.Ticket
	if _, err := c.do(ctx, http.MethodPatch, "/api/v1/tickets/"+url.PathEscape(id), req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Upload stores a document for doc_analysis tickets and returns its file_ref.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (*extract.StoredFile, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/files", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = c.Header()
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var stored extract.StoredFile
	if _, err := c.send(req, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// Attempts returns the execution history of a ticket, oldest first.
func (c *Client) Attempts(ctx context.Context, id string) ([]*ticket.Attempt, error) {
	var res struct {
		Attempts []*ticket.Attempt `json:"attempts"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/tickets/"+url.PathEscape(id)+"/attempts", nil, &res); err != nil {
		return nil, err
	}
	return res.Attempts, nil
}

// Delete removes a terminal ticket.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/tickets/"+url.PathEscape(id), nil, nil)
	return err
}

// Status returns the raw /api/v1/status document.
func (c *Client) Status(ctx context.Context) (map[string]json.RawMessage, error) {
	var res map[string]json.RawMessage
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = c.Header()
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

// send executes req and decodes a 2xx body into out.
func (c *Client) send(req *http.Request, out any) (int, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return resp.StatusCode, apiErr
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
