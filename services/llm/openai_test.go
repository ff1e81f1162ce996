package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewOpenAIAdapter(t *testing.T) {
	adapter := NewOpenAIAdapter(OpenAIConfig{APIKey: "test-key"})

	if adapter == nil {
		t.Fatal("NewOpenAIAdapter() returned nil")
	}
	if adapter.Name() != "openai" {
		t.Errorf("Name() = %s, want openai", adapter.Name())
	}
	if adapter.config.BaseURL != defaultBaseURL {
		t.Errorf("BaseURL = %s, want %s", adapter.config.BaseURL, defaultBaseURL)
	}
	if adapter.config.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", adapter.config.Timeout)
	}
}

func TestOpenAIAdapter_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		body, _ := io.ReadAll(r.Body)
		var req OpenAIChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-3.5-turbo" {
			t.Errorf("model = %s", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "hello [REDACTED]" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		if req.MaxTokens == nil || *req.MaxTokens != defaultMaxTokens {
			t.Errorf("max_tokens not set")
		}
		if req.User == nil || *req.User != "alice" {
			t.Errorf("user not forwarded")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(OpenAIChatResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-3.5-turbo",
			Choices: []OpenAIChoice{{
				Message:      OpenAIMessage{Role: "assistant", Content: "Hi there"},
				FinishReason: "stop",
			}},
		})
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})
	got, err := adapter.Generate(context.Background(), Request{Model: "gpt-3.5-turbo", Prompt: "hello [REDACTED]", User: "alice"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "Hi there" {
		t.Errorf("Generate() = %q, want %q", got, "Hi there")
	}
}

func TestOpenAIAdapter_Generate_ClientError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`))
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(OpenAIConfig{APIKey: "bad", BaseURL: server.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	_, err := adapter.Generate(context.Background(), Request{Model: "gpt-4o", Prompt: "hi"})

	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if provErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d", provErr.StatusCode)
	}
	if provErr.Code != "invalid_request_error" {
		t.Errorf("Code = %s", provErr.Code)
	}
	if IsRetryable(err) {
		t.Error("401 must not be retryable")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("client errors are not retried, got %d calls", calls)
	}
}

func TestOpenAIAdapter_Generate_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			t.Error("retried request has an empty body")
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(OpenAIChatResponse{Choices: []OpenAIChoice{{Message: OpenAIMessage{Content: "ok"}}}})
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(OpenAIConfig{BaseURL: server.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	got, err := adapter.Generate(context.Background(), Request{Model: "gpt-4o", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "ok" {
		t.Errorf("Generate() = %q", got)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestOpenAIAdapter_Generate_RetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(OpenAIConfig{BaseURL: server.URL, MaxRetries: 1, RetryDelay: time.Millisecond})
	_, err := adapter.Generate(context.Background(), Request{Model: "gpt-4o", Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(err) {
		t.Error("5xx errors are retryable")
	}
}

func TestOpenAIAdapter_Generate_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(OpenAIConfig{BaseURL: server.URL})
	if _, err := adapter.Generate(context.Background(), Request{Model: "gpt-4o", Prompt: "hi"}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestOpenAIAdapter_Generate_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	adapter := NewOpenAIAdapter(OpenAIConfig{BaseURL: server.URL, MaxRetries: 5, RetryDelay: time.Hour})
	_, err := adapter.Generate(ctx, Request{Model: "gpt-4o", Prompt: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
