package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultSystemRole  = "You are a helpful assistant."
	defaultMaxTokens   = 500
	defaultTemperature = 0.7
)

// OpenAIConfig configures the chat-completions client
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Headers    map[string]string
}

// OpenAIAdapter answers prompts through an OpenAI-compatible chat-completions API
type OpenAIAdapter struct {
	config     OpenAIConfig
	httpClient *http.Client
}

// NewOpenAIAdapter creates a new OpenAI adapter
func NewOpenAIAdapter(config OpenAIConfig) *OpenAIAdapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 500 * time.Millisecond
	}

	return &OpenAIAdapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider name
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Generate performs a chat completion and returns the first choice
func (a *OpenAIAdapter) Generate(ctx context.Context, req Request) (string, error) {
	maxTokens := defaultMaxTokens
	temperature := defaultTemperature
	chatReq := &OpenAIChatRequest{
		Model: req.Model,
		Messages: []OpenAIMessage{
			{Role: "system", Content: defaultSystemRole},
			{Role: "user", Content: req.Prompt},
		},
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	}
	if req.User != "" {
		chatReq.User = &req.User
	}

	reqBody, err := json.Marshal(chatReq)
	if err != nil {
		return "", NewProviderError(a.Name(), "MARSHAL_ERROR", "Failed to marshal request", 0, false, err)
	}

	respBody, status, err := a.do(ctx, reqBody)
	if err != nil {
		return "", err
	}

	if status != http.StatusOK {
		return "", a.handleErrorResponse(status, respBody)
	}

	var chatResp OpenAIChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", NewProviderError(a.Name(), "UNMARSHAL_ERROR", "Failed to unmarshal response", status, false, err)
	}
	if len(chatResp.Choices) == 0 {
		return "", NewProviderError(a.Name(), "EMPTY_RESPONSE", "Response has no choices", status, false, nil)
	}

	return chatResp.Choices[0].Message.Content, nil
}

// do posts the body, retrying transport failures and 5xx answers
func (a *OpenAIAdapter) do(ctx context.Context, body []byte) ([]byte, int, error) {
	var lastErr error

	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(a.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, 0, NewProviderError(a.Name(), "CANCELLED", "Request cancelled", 0, false, ctx.Err())
			}
		}

		// The body reader is consumed by each attempt, so the request is rebuilt
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, 0, NewProviderError(a.Name(), "REQUEST_ERROR", "Failed to create request", 0, false, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
		for k, v := range a.config.Headers {
			httpReq.Header.Set(k, v)
		}

		httpResp, err := a.httpClient.Do(httpReq)
		if err != nil {
			lastErr = NewProviderError(a.Name(), "HTTP_ERROR", "HTTP request failed", 0, true, err)
			continue
		}

		respBody, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			lastErr = NewProviderError(a.Name(), "READ_ERROR", "Failed to read response", httpResp.StatusCode, true, err)
			continue
		}

		if httpResp.StatusCode >= 500 {
			lastErr = a.handleErrorResponse(httpResp.StatusCode, respBody)
			continue
		}
		return respBody, httpResp.StatusCode, nil
	}

	return nil, 0, lastErr
}

// handleErrorResponse handles OpenAI error responses
func (a *OpenAIAdapter) handleErrorResponse(statusCode int, body []byte) error {
	retryable := statusCode >= 500 || statusCode == http.StatusTooManyRequests

	var errResp OpenAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return NewProviderError(a.Name(), "UNKNOWN_ERROR", fmt.Sprintf("unexpected status %d", statusCode), statusCode, retryable, err)
	}

	return NewProviderError(
		a.Name(),
		errResp.Error.Type,
		errResp.Error.Message,
		statusCode,
		retryable,
		errors.New(errResp.Error.Message),
	)
}

// OpenAI-specific request/response types

type OpenAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	User        *string         `json:"user,omitempty"`
}

type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
}

type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type OpenAIErrorResponse struct {
	Error OpenAIError `json:"error"`
}

type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}
