// Package providers binds llm.Gateway to the Anthropic, OpenAI, and Gemini
// SDKs. Every gateway forces a tool call when the request requires one.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/taskloop/internal/llm"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// AnthropicConfig configures the Claude gateway.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int

	// MaxRetries is passed to the SDK's built-in retrier. Zero disables it.
	MaxRetries int
}

// AnthropicGateway implements llm.Gateway with the Messages API.
type AnthropicGateway struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// NewAnthropicGateway builds a gateway. APIKey is required.
func NewAnthropicGateway(config AnthropicConfig) (*AnthropicGateway, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicGateway{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		maxTokens:    config.MaxTokens,
	}, nil
}

// Name returns "anthropic".
func (g *AnthropicGateway) Name() string {
	return "anthropic"
}

// Decide sends one non-streaming Messages request.
func (g *AnthropicGateway) Decide(ctx context.Context, req *llm.Request) (*llm.Decision, error) {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, llm.NewProviderError(g.Name(), model, err)
		}
		params.Tools = tools
		if req.RequireToolCall {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		}
	}

	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		perr := llm.NewProviderError(g.Name(), model, err)
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			perr.WithStatus(apiErr.StatusCode)
		}
		return nil, perr
	}

	decision := &llm.Decision{
		Provider:     g.Name(),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			decision.ToolCalls = append(decision.ToolCalls, models.ToolCall{
				ID:    toolUse.ID,
				Name:  toolUse.Name,
				Input: normalizeArgs(toolUse.Input),
			})
		}
	}
	decision.Text = text.String()
	return decision, nil
}

// anthropicMessages maps turns onto user and assistant messages. System
// turns travel as user text since the API only accepts one system prompt.
func anthropicMessages(messages []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case models.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case models.RoleSystem:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("[system] "+msg.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return out
}

func anthropicTools(specs []llm.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schemaOrEmpty(spec.Schema), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", spec.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", spec.Name)
		}
		param.OfTool.Description = anthropic.String(spec.Description)
		out = append(out, param)
	}
	return out, nil
}

func schemaOrEmpty(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return schema
}

func normalizeArgs(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}
