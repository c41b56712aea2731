// Package ai is a minimal Azure OpenAI chat completions client.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alekspetrov/ticketd/internal/clients"
)

// ErrEmptyCompletion is returned when the API answers without content.
var ErrEmptyCompletion = errors.New("empty completion")

// Request is a single-turn chat completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	// Temperature overrides the client default when set; zero is honored.
	Temperature *float64
}

// Completion is the assistant reply plus usage accounting.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Config configures the client.
type Config struct {
	Endpoint    string
	APIKey      string
	Deployment  string
	APIVersion  string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Client calls the chat completions endpoint of one Azure deployment.
type Client struct {
	cfg        Config
	url        string
	httpClient *http.Client
}

// NewClient builds a client for cfg.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		endpoint, url.PathEscape(cfg.Deployment), url.QueryEscape(cfg.APIVersion))
	return &Client{
		cfg:        cfg,
		url:        u,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Model returns the deployment name reported on results.
func (c *Client) Model() string {
	return c.cfg.Deployment
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends req and returns the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	body := chatRequest{
		MaxTokens:   req.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = c.cfg.MaxTokens
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := clients.CheckResponse("azure openai", resp); err != nil {
		return nil, err
	}

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Choices) == 0 || strings.TrimSpace(apiResp.Choices[0].Message.Content) == "" {
		return nil, ErrEmptyCompletion
	}

	model := apiResp.Model
	if model == "" {
		model = c.cfg.Deployment
	}
	return &Completion{
		Content:          apiResp.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     apiResp.Usage.PromptTokens,
		CompletionTokens: apiResp.Usage.CompletionTokens,
		TotalTokens:      apiResp.Usage.TotalTokens,
	}, nil
}
