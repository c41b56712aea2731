// Package dataplatform talks to a natural-language analytics endpoint that
// translates a question to SQL, runs it and summarizes the rows.
package dataplatform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alekspetrov/ticketd/internal/clients"
)

// Stage names the phase a query failed in.
type Stage string

const (
	StageTranslation Stage = "translation"
	StageExecution   Stage = "execution"
)

// QueryError is a failure reported by the data platform itself.
type QueryError struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s failed: %s", e.Stage, e.Message)
}

// Answer is a successful query response.
type Answer struct {
	Query       string           `json:"query"`
	SQL         string           `json:"sql"`
	Rows        []map[string]any `json:"rows"`
	Summary     string           `json:"summary"`
	ExecutionMS int64            `json:"execution_ms"`
}

type queryRequest struct {
	Question string `json:"question"`
}

type queryResponse struct {
	Answer
	Error *QueryError `json:"error,omitempty"`
}

// Client posts questions to {endpoint}/v1/query.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient creates a data platform client.
func NewClient(endpoint, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Query asks question and returns the generated SQL, rows and summary. A
// platform-side failure is returned as *QueryError.
func (c *Client) Query(ctx context.Context, question string) (*Answer, error) {
	if c.endpoint == "" {
		return nil, errors.New("data platform endpoint not configured")
	}
	payload, err := json.Marshal(queryRequest{Question: question})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/query", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 422 carries a structured QueryError in the body.
	if resp.StatusCode != http.StatusUnprocessableEntity {
		if err := clients.CheckResponse("data platform", resp); err != nil {
			return nil, err
		}
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	if resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, &QueryError{Stage: StageExecution, Message: "unprocessable query"}
	}
	if out.Query == "" {
		out.Query = question
	}
	return &out.Answer, nil
}
