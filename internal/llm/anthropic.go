package llm

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/capitalize-ai/lead-scheduler/pkg/metrics"
)

const defaultAnthropicModel = "claude-3-5-haiku-20241022"

const jsonPrefill = "{"

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	if model == "" {
		model = defaultAnthropicModel
	}

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

// Complete sends a completion request.
func (c *AnthropicClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	msgs := req.Messages
	if req.System != "" {
		msgs = withSystemPrefix(req.System, msgs)
	}
	// A prefilled brace keeps the reply to a bare JSON object.
	if req.JSON {
		msgs = append(msgs[:len(msgs):len(msgs)], ChatMessage{Role: "assistant", Content: jsonPrefill})
	}

	messages := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		messages = append(messages, anthropic.MessageParam{
			Role: anthropic.F(anthropic.MessageParamRole(msg.Role)),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(msg.Content),
				},
			}),
		})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(model),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		metrics.RecordLLM(c.Name(), model, "error", time.Since(start).Seconds(), 0, 0)
		return nil, err
	}

	var content string
	if req.JSON {
		content = jsonPrefill
	}
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			content += block.Text
		}
	}

	out := &CompletionResponse{
		Content:    content,
		Model:      resp.Model,
		TokensIn:   int(resp.Usage.InputTokens),
		TokensOut:  int(resp.Usage.OutputTokens),
		StopReason: string(resp.StopReason),
		LatencyMs:  time.Since(start).Milliseconds(),
	}
	metrics.RecordLLM(c.Name(), model, "success", time.Since(start).Seconds(), out.TokensIn, out.TokensOut)
	return out, nil
}

// withSystemPrefix folds the system prompt into the first user turn. The
// conversation must start with a user turn, so one is inserted when needed.
func withSystemPrefix(system string, msgs []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs)+1)
	if len(msgs) > 0 && msgs[0].Role == "user" {
		out = append(out, ChatMessage{Role: "user", Content: system + "\n\n" + msgs[0].Content})
		return append(out, msgs[1:]...)
	}
	out = append(out, ChatMessage{Role: "user", Content: system})
	return append(out, msgs...)
}
