// Package embeddings defines the text-to-vector providers used by the
// similarity search layer.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyText is returned when asked to embed blank text.
var ErrEmptyText = errors.New("text to embed is empty")

// Provider turns text into fixed-length vectors.
type Provider interface {
	// Name returns the provider name (openai, ollama, gemini).
	Name() string

	// Model returns the embedding model in use.
	Model() string

	// Dimension returns the length of every vector the provider emits.
	Dimension() int

	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in order; the result has one vector per text.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string `yaml:"provider" json:"provider"`
	APIKey    string `yaml:"api_key" json:"api_key"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	Model     string `yaml:"model" json:"model"`
	Dimension int    `yaml:"dimension" json:"dimension"`

	// CachePath is a SQLite file for the embedding cache. Empty disables it.
	CachePath string `yaml:"cache_path" json:"cache_path"`
}

// CheckBatch validates that a provider answered one vector of the expected
// length per input.
func CheckBatch(vectors [][]float32, inputs, dimension int) error {
	if len(vectors) != inputs {
		return fmt.Errorf("expected %d embeddings, got %d", inputs, len(vectors))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("embedding %d is empty", i)
		}
		if dimension > 0 && len(v) != dimension {
			return fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), dimension)
		}
	}
	return nil
}

// CheckTexts rejects blank inputs before any request is made.
func CheckTexts(texts []string) error {
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			return ErrEmptyText
		}
	}
	return nil
}

// EmbedOne embeds a single text through a batch call.
func EmbedOne(ctx context.Context, p Provider, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return vectors[0], nil
}
