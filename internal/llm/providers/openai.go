package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/taskloop/internal/llm"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// OpenAIConfig configures the OpenAI-compatible gateway.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// OpenAIGateway implements llm.Gateway with chat completions.
type OpenAIGateway struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
}

// NewOpenAIGateway builds a gateway. APIKey is required.
func NewOpenAIGateway(config OpenAIConfig) (*OpenAIGateway, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = openai.GPT4o
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAIGateway{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
		maxTokens:    config.MaxTokens,
	}, nil
}

// Name returns "openai".
func (g *OpenAIGateway) Name() string {
	return "openai"
}

// Decide sends one chat completion request.
func (g *OpenAIGateway) Decide(ctx context.Context, req *llm.Request) (*llm.Decision, error) {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: openAIMessages(req.System, req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if g.maxTokens > 0 {
		chatReq.MaxTokens = g.maxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openAITools(req.Tools)
		if req.RequireToolCall {
			chatReq.ToolChoice = "required"
		}
	}

	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		perr := llm.NewProviderError(g.Name(), model, err)
		var apiErr *openai.APIError
		var reqErr *openai.RequestError
		switch {
		case errors.As(err, &apiErr):
			perr.WithStatus(apiErr.HTTPStatusCode)
		case errors.As(err, &reqErr):
			perr.WithStatus(reqErr.HTTPStatusCode)
		}
		return nil, perr
	}

	decision := &llm.Decision{
		Provider:     g.Name(),
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 {
		return decision, nil
	}
	msg := resp.Choices[0].Message
	decision.Text = msg.Content
	for _, call := range msg.ToolCalls {
		decision.ToolCalls = append(decision.ToolCalls, models.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: normalizeArgs(json.RawMessage(call.Function.Arguments)),
		})
	}
	return decision, nil
}

func openAIMessages(system string, messages []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return out
}

func openAITools(specs []llm.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		var schema map[string]any
		if err := json.Unmarshal(schemaOrEmpty(spec.Schema), &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}
