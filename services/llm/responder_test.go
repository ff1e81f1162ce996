package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedResponder struct {
	name string
}

func (f fixedResponder) Name() string { return f.name }

func (f fixedResponder) Generate(ctx context.Context, req Request) (string, error) {
	return f.name + ":" + req.Prompt, nil
}

func TestStatic_Generate(t *testing.T) {
	s := NewStatic()

	got, err := s.Generate(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, NotConfiguredMessage, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Generate(ctx, Request{Prompt: "hello"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRouter_Resolve(t *testing.T) {
	router := NewRouter(nil).
		Register("gpt", fixedResponder{name: "openai"}).
		Register("claude", fixedResponder{name: "anthropic"})

	assert.Equal(t, "openai", router.Resolve("GPT-4o").Name())
	assert.Equal(t, "anthropic", router.Resolve("claude-3-haiku").Name())
	assert.Equal(t, "static", router.Resolve("llama-3").Name())

	got, err := router.Generate(context.Background(), Request{Model: "gpt-3.5-turbo", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "openai:hi", got)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewProviderError("openai", "HTTP_ERROR", "failed", 0, true, nil)))
	assert.False(t, IsRetryable(NewProviderError("openai", "BAD", "failed", 400, false, nil)))
	assert.False(t, IsRetryable(errors.New("plain")))

	wrapped := NewProviderError("openai", "HTTP_ERROR", "HTTP request failed", 0, true, errors.New("dial tcp"))
	assert.Equal(t, "HTTP request failed: dial tcp", wrapped.Error())
}
