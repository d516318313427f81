// Package openai embeds text with the OpenAI embeddings endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/taskloop/internal/memory/embeddings"
)

const defaultModel = "text-embedding-3-small"

// Provider implements embeddings.Provider using OpenAI.
type Provider struct {
	client    *openai.Client
	model     string
	dimension int
}

var _ embeddings.Provider = (*Provider)(nil)

// Config contains configuration for the OpenAI provider.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	// Dimension truncates text-embedding-3 vectors server side. Zero keeps
	// the model's native length.
	Dimension int
}

// New creates a new OpenAI embedding provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai embeddings: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &Provider{
		client:    openai.NewClientWithConfig(config),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}, nil
}

func (p *Provider) Name() string  { return "openai" }
func (p *Provider) Model() string { return p.model }

// Dimension returns the configured or native vector length.
func (p *Provider) Dimension() int {
	if p.dimension > 0 {
		return p.dimension
	}
	if p.model == "text-embedding-3-large" {
		return 3072
	}
	return 1536
}

// Embed generates an embedding for a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	return embeddings.EmbedOne(ctx, p, text)
}

// EmbedBatch generates embeddings for texts in one request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := embeddings.CheckTexts(texts); err != nil {
		return nil, err
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	}
	if p.dimension > 0 {
		req.Dimensions = p.dimension
	}
	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}

	results := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(results) {
			return nil, fmt.Errorf("openai embeddings: index %d out of range", data.Index)
		}
		results[data.Index] = data.Embedding
	}
	if err := embeddings.CheckBatch(results, len(texts), p.Dimension()); err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	return results, nil
}
