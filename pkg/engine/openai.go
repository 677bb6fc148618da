package engine

import (
	"context"
	"encoding/json"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/securebank-labs/bastion/pkg/httputil"
)

var errNoChoices = errors.New("completion returned no choices")

// OpenAIEngine drafts replies through the OpenAI chat-completion API
// with function calling. baseURL may point at any compatible endpoint.
type OpenAIEngine struct {
	client *openai.Client
	model  string
}

// NewOpenAIEngine creates an OpenAI-backed engine.
func NewOpenAIEngine(apiKey, model, baseURL string) *OpenAIEngine {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httputil.SlowClient()

	return &OpenAIEngine{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Draft sends the transcript and returns either final text or the
// engine's tool calls. Every backend failure comes back as
// *UpstreamError.
func (e *OpenAIEngine) Draft(ctx context.Context, req DraftRequest) (DraftResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	tools := make([]openai.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		})
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return DraftResponse{}, &UpstreamError{Provider: "openai", Err: err}
	}
	if len(resp.Choices) == 0 {
		return DraftResponse{}, &UpstreamError{Provider: "openai", Err: errNoChoices}
	}

	choice := resp.Choices[0].Message
	out := DraftResponse{Text: choice.Content}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}
