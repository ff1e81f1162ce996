// Package llm forwards screened prompts to a chat-completions model.
package llm

import (
	"context"
	"errors"
	"strings"
)

// NotConfiguredMessage is returned by the static responder
const NotConfiguredMessage = "LLM service not configured. Please set API keys in environment variables."

// Request is one prompt to answer
type Request struct {
	Model  string
	Prompt string
	User   string
}

// Responder produces the model answer for a prompt
type Responder interface {
	// Name identifies the backend in logs and metrics
	Name() string

	// Generate returns the model's answer
	Generate(ctx context.Context, req Request) (string, error)
}

// Static answers every prompt with a fixed text
type Static struct {
	Text string
}

// NewStatic creates the fallback used when no model is configured
func NewStatic() *Static {
	return &Static{Text: NotConfiguredMessage}
}

// Name returns the responder name
func (s *Static) Name() string {
	return "static"
}

// Generate returns the fixed text
func (s *Static) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.Text, nil
}

// ProviderError represents an error from a model backend
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// Router sends each request to the responder registered for its model family
type Router struct {
	routes   []route
	fallback Responder
}

type route struct {
	prefix    string
	responder Responder
}

// NewRouter creates a router answering unmatched models with fallback
func NewRouter(fallback Responder) *Router {
	if fallback == nil {
		fallback = NewStatic()
	}
	return &Router{fallback: fallback}
}

// Register routes models starting with prefix to r
func (rt *Router) Register(prefix string, r Responder) *Router {
	rt.routes = append(rt.routes, route{prefix: strings.ToLower(prefix), responder: r})
	return rt
}

// Name returns the router name
func (rt *Router) Name() string {
	return "router"
}

// Generate dispatches on the model name
func (rt *Router) Generate(ctx context.Context, req Request) (string, error) {
	return rt.Resolve(req.Model).Generate(ctx, req)
}

// Resolve returns the responder serving model
func (rt *Router) Resolve(model string) Responder {
	model = strings.ToLower(model)
	for _, r := range rt.routes {
		if strings.HasPrefix(model, r.prefix) {
			return r.responder
		}
	}
	return rt.fallback
}
