// Package gemini embeds text with the Gemini embedContent API.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/haasonsaas/taskloop/internal/memory/embeddings"
)

const defaultModel = "gemini-embedding-001"

// Provider implements embeddings.Provider using google.golang.org/genai.
type Provider struct {
	client    *genai.Client
	model     string
	dimension int
	taskType  string
}

var _ embeddings.Provider = (*Provider)(nil)

// Config contains configuration for the Gemini provider.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int

	// TaskType defaults to SEMANTIC_SIMILARITY.
	TaskType string
}

// New creates a new Gemini embedding provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini embeddings: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.TaskType == "" {
		cfg.TaskType = "SEMANTIC_SIMILARITY"
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini embeddings: create client: %w", err)
	}
	return &Provider{
		client:    client,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		taskType:  cfg.TaskType,
	}, nil
}

func (p *Provider) Name() string  { return "gemini" }
func (p *Provider) Model() string { return p.model }

// Dimension returns the requested output length, 3072 when unset.
func (p *Provider) Dimension() int {
	if p.dimension > 0 {
		return p.dimension
	}
	return 3072
}

// Embed generates an embedding for a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	return embeddings.EmbedOne(ctx, p, text)
}

// EmbedBatch embeds all texts in one embedContent call.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := embeddings.CheckTexts(texts); err != nil {
		return nil, err
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	config := &genai.EmbedContentConfig{TaskType: p.taskType}
	if p.dimension > 0 {
		dim := int32(p.dimension)
		config.OutputDimensionality = &dim
	}

	resp, err := p.client.Models.EmbedContent(ctx, p.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini embeddings: %w", err)
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb != nil {
			out[i] = emb.Values
		}
	}
	if err := embeddings.CheckBatch(out, len(texts), p.dimension); err != nil {
		return nil, fmt.Errorf("gemini embeddings: %w", err)
	}
	return out, nil
}
