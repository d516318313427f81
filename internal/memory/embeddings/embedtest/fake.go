// Package embedtest provides a deterministic embeddings.Provider for tests.
package embedtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/taskloop/internal/memory/embeddings"
)

// Fake maps known texts to fixed vectors. Unknown texts get Default, or an
// error when Default is nil.
type Fake struct {
	Vectors map[string][]float32
	Default []float32
	Err     error
	Dim     int

	mu    sync.Mutex
	calls []string
}

var _ embeddings.Provider = (*Fake)(nil)

func (f *Fake) Name() string  { return "fake" }
func (f *Fake) Model() string { return "fake-embedding" }

// Dimension returns Dim, or the length of Default.
func (f *Fake) Dimension() int {
	if f.Dim > 0 {
		return f.Dim
	}
	return len(f.Default)
}

func (f *Fake) Embed(ctx context.Context, text string) ([]float32, error) {
	return embeddings.EmbedOne(ctx, f, text)
}

func (f *Fake) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, texts...)
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := f.Vectors[text]; ok {
			out[i] = append([]float32(nil), v...)
			continue
		}
		if f.Default == nil {
			return nil, fmt.Errorf("no vector for %q", text)
		}
		out[i] = append([]float32(nil), f.Default...)
	}
	return out, nil
}

// Calls returns every text embedded so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
