// Package llm provides the language model integration for workflow
// stages: an OpenAI-compatible chat completions client and a Service
// that frames stage reasoning and tool selection prompts. Every call
// site degrades to a deterministic fallback when no model is
// configured, so the pipeline runs end to end without credentials.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/invoiceflow/core"
	"github.com/itsneelabh/invoiceflow/telemetry"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultModel       = "gpt-4o-mini"
	defaultMaxTokens   = 1024
	defaultTemperature = float32(0.2)
	defaultTimeout     = 60 * time.Second
)

// Client implements core.AIClient against any OpenAI-compatible chat
// completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     core.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithAPIKey sets the bearer token
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		if key != "" {
			c.apiKey = key
		}
	}
}

// WithBaseURL sets the API base URL
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithModel sets the default model
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient sets the HTTP client used for API calls
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClientLogger sets the client logger
func WithClientLogger(logger core.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a chat completions client. The API key falls back
// to OPENAI_API_KEY; an empty key is allowed and surfaces as an error
// on the first call, which Service treats as "not configured".
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  os.Getenv("OPENAI_API_KEY"),
		baseURL: defaultBaseURL,
		model:   defaultModel,
		logger:  &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		hc := telemetry.NewTracedHTTPClient(nil)
		hc.Timeout = defaultTimeout
		c.httpClient = hc
	}
	if cal, ok := c.logger.(core.ComponentAwareLogger); ok {
		c.logger = cal.WithComponent("llm.client")
	}
	return c
}

// Configured reports whether the client has credentials to call out.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// GenerateResponse sends the prompt to the chat completions endpoint.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("LLM API key not configured")
	}

	options = c.applyDefaults(options)

	telemetry.SetSpanAttributes(ctx,
		attribute.String("ai.provider", "openai"),
		attribute.String("ai.model", options.Model),
		attribute.Int("ai.prompt_length", len(prompt)),
	)

	messages := []chatMessage{}
	if options.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: options.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	reqBody := chatRequest{
		Model:       options.Model,
		Messages:    messages,
		MaxTokens:   options.MaxTokens,
		Temperature: options.Temperature,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		c.logger.Error("LLM request failed", map[string]interface{}{
			"operation": "generate",
			"model":     options.Model,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := c.apiError(resp.StatusCode, body)
		telemetry.RecordSpanError(ctx, apiErr)
		c.logger.Error("LLM request failed", map[string]interface{}{
			"operation":   "generate",
			"model":       options.Model,
			"status_code": resp.StatusCode,
		})
		return nil, apiErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no response from model")
	}

	result := &core.AIResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}

	telemetry.SetSpanAttributes(ctx,
		attribute.Int("ai.prompt_tokens", result.Usage.PromptTokens),
		attribute.Int("ai.completion_tokens", result.Usage.CompletionTokens),
		attribute.Int("ai.total_tokens", result.Usage.TotalTokens),
	)
	c.logger.Debug("LLM response received", map[string]interface{}{
		"operation":    "generate",
		"model":        result.Model,
		"total_tokens": result.Usage.TotalTokens,
		"duration_ms":  time.Since(startTime).Milliseconds(),
	})

	return result, nil
}

func (c *Client) applyDefaults(options *core.AIOptions) *core.AIOptions {
	out := core.AIOptions{}
	if options != nil {
		out = *options
	}
	if out.Model == "" {
		out.Model = c.model
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultMaxTokens
	}
	if out.Temperature == 0 {
		out.Temperature = defaultTemperature
	}
	return &out
}

func (c *Client) apiError(status int, body []byte) error {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		return fmt.Errorf("LLM API error (status %d): %s", status, parsed.Error.Message)
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Errorf("LLM API error (status %d): %s", status, string(body))
}

var _ core.AIClient = (*Client)(nil)
