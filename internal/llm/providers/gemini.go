package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/taskloop/internal/llm"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// GeminiConfig configures the Gemini gateway.
type GeminiConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// GeminiGateway implements llm.Gateway with the Gen AI SDK.
type GeminiGateway struct {
	client       *genai.Client
	defaultModel string
	maxTokens    int
}

// NewGeminiGateway builds a gateway. APIKey is required.
func NewGeminiGateway(ctx context.Context, config GeminiConfig) (*GeminiGateway, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}
	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, llm.NewProviderError("gemini", config.DefaultModel, err)
	}
	return &GeminiGateway{
		client:       client,
		defaultModel: config.DefaultModel,
		maxTokens:    config.MaxTokens,
	}, nil
}

// Name returns "gemini".
func (g *GeminiGateway) Name() string {
	return "gemini"
}

// Decide sends one GenerateContent request.
func (g *GeminiGateway) Decide(ctx context.Context, req *llm.Request) (*llm.Decision, error) {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}

	resp, err := g.client.Models.GenerateContent(ctx, model, geminiContents(req.Messages), geminiConfig(req, maxTokens))
	if err != nil {
		perr := llm.NewProviderError(g.Name(), model, err)
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			perr.WithStatus(apiErr.Code)
		}
		return nil, perr
	}
	return geminiDecision(resp, model), nil
}

func geminiConfig(req *llm.Request, maxTokens int) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if maxTokens > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(maxTokens, math.MaxInt32))
	}
	if len(req.Tools) > 0 {
		config.Tools = geminiTools(req.Tools)
		if req.RequireToolCall {
			config.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{
					Mode: genai.FunctionCallingConfigModeAny,
				},
			}
		}
	}
	return config
}

func geminiContents(messages []llm.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		role := genai.RoleUser
		text := msg.Content
		switch msg.Role {
		case models.RoleAssistant:
			role = genai.RoleModel
		case models.RoleSystem:
			text = "[system] " + msg.Content
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{{Text: text}}})
	}
	return out
}

func geminiDecision(resp *genai.GenerateContentResponse, model string) *llm.Decision {
	decision := &llm.Decision{Provider: "gemini", Model: model}
	if resp == nil {
		return decision
	}
	if resp.UsageMetadata != nil {
		decision.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		decision.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return decision
	}
	var text strings.Builder
	for i, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte(`{}`)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", part.FunctionCall.Name, i)
			}
			decision.ToolCalls = append(decision.ToolCalls, models.ToolCall{
				ID:    id,
				Name:  part.FunctionCall.Name,
				Input: normalizeArgs(args),
			})
			continue
		}
		text.WriteString(part.Text)
	}
	decision.Text = text.String()
	return decision
}

func geminiTools(specs []llm.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		var schema map[string]any
		if err := json.Unmarshal(schemaOrEmpty(spec.Schema), &schema); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  geminiSchema(schema),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// geminiSchema converts a JSON Schema map to Gemini's Schema type.
func geminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}
	return schema
}
