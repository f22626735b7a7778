// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned when no provider key is set.
var ErrNotConfigured = errors.New("llm provider not configured")

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("llm returned an empty reply")

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model string
	// System is the system prompt. Providers without a system slot receive it
	// as the first user message.
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
	// JSON asks the provider for a single JSON object as the reply.
	JSON bool
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey, model string) (Client, error) {
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey, model)
	default:
		return NewAnthropicClient(apiKey, model)
	}
}

type timeoutClient struct {
	Client
	timeout time.Duration
}

// WithTimeout bounds every completion of c. A non-positive timeout returns c.
func WithTimeout(c Client, timeout time.Duration) Client {
	if timeout <= 0 || c == nil {
		return c
	}
	return &timeoutClient{Client: c, timeout: timeout}
}

func (c *timeoutClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.Client.Complete(ctx, req)
}
