package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/synapse-kb/synapse/internal/metrics"
	"github.com/synapse-kb/synapse/internal/observability"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "google/gemini-2.5-flash"
)

// ErrMissingAPIKey is returned when a client is constructed without a key.
var ErrMissingAPIKey = errors.New("llm: missing API key")

// Generator produces a completion for a prompt. The engine layer depends on
// this interface so tests can substitute canned responses.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Client handles communication with an OpenRouter-compatible chat API.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	callTimeout time.Duration
	maxRetries  int
	httpClient  *http.Client
	logger      *observability.Logger
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	APIKey      string
	Model       string
	BaseURL     string
	CallTimeout time.Duration
	MaxRetries  int
	Logger      *observability.Logger
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request represents the API request structure.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Response represents the API response structure.
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
	Error   *APIErr  `json:"error,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// APIErr is the error payload some gateways embed in a 200 response.
type APIErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewClient creates a chat completion client.
func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = observability.DefaultLogger()
	}

	return &Client{
		apiKey:      opts.APIKey,
		model:       opts.Model,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		callTimeout: opts.CallTimeout,
		maxRetries:  opts.MaxRetries,
		httpClient:  &http.Client{},
		logger:      opts.Logger,
	}, nil
}

// Generate sends a single-turn prompt and returns the completion text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(Request{
		Model:    c.model,
		Messages: []Message{{Role: "user", Content: prompt}},
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	metrics.AICalls.Inc()

	resp, err := c.retryWithBackoff(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("chat completion: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("chat completion: API error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("chat completion: empty choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

var _ Generator = (*Client)(nil)
