package embeddings

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingProvider struct {
	calls  int
	inputs []string
	fail   error
}

func (p *countingProvider) Name() string   { return "counting" }
func (p *countingProvider) Model() string  { return "count-1" }
func (p *countingProvider) Dimension() int { return 2 }

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return EmbedOne(ctx, p, text)
}

func (p *countingProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.calls++
	p.inputs = append(p.inputs, texts...)
	if p.fail != nil {
		return nil, p.fail
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func openTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	cache, err := OpenCache(":memory:", ttl)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestCached_SkipsKnownTexts(t *testing.T) {
	ctx := context.Background()
	inner := &countingProvider{}
	p := WithCache(inner, openTestCache(t, 0))

	first, err := p.EmbedBatch(ctx, []string{"alpha", "be"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if first[0][0] != 5 || first[1][0] != 2 {
		t.Fatalf("vectors = %v", first)
	}

	second, err := p.EmbedBatch(ctx, []string{"be", "gamma"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if second[0][0] != 2 || second[1][0] != 5 {
		t.Fatalf("vectors = %v", second)
	}
	if inner.calls != 2 {
		t.Errorf("provider calls = %d, want 2", inner.calls)
	}
	if len(inner.inputs) != 3 || inner.inputs[2] != "gamma" {
		t.Errorf("provider saw %v, want only the uncached text on the second call", inner.inputs)
	}

	if _, err := p.Embed(ctx, "alpha"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("cached Embed reached the provider")
	}
}

func TestCached_Expiry(t *testing.T) {
	ctx := context.Background()
	cache := openTestCache(t, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }

	if err := cache.Set(ctx, "m", "text", []float32{1, 2}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok := cache.Get(ctx, "m", "text"); !ok || len(v) != 2 {
		t.Fatalf("Get = %v, %v", v, ok)
	}
	if _, ok := cache.Get(ctx, "other-model", "text"); ok {
		t.Error("entries must be keyed by model")
	}

	now = now.Add(2 * time.Hour)
	if _, ok := cache.Get(ctx, "m", "text"); ok {
		t.Error("expired entry should miss")
	}
}

func TestCached_PropagatesProviderError(t *testing.T) {
	inner := &countingProvider{fail: errors.New("quota")}
	p := WithCache(inner, openTestCache(t, 0))
	if _, err := p.EmbedBatch(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestWithCache_NilCache(t *testing.T) {
	inner := &countingProvider{}
	if got := WithCache(inner, nil); got != Provider(inner) {
		t.Error("nil cache should return the provider unchanged")
	}
}

func TestCheckBatch(t *testing.T) {
	tests := []struct {
		name    string
		vectors [][]float32
		inputs  int
		dim     int
		wantErr bool
	}{
		{name: "ok", vectors: [][]float32{{1, 2}}, inputs: 1, dim: 2},
		{name: "count mismatch", vectors: [][]float32{{1, 2}}, inputs: 2, wantErr: true},
		{name: "empty vector", vectors: [][]float32{{}}, inputs: 1, wantErr: true},
		{name: "wrong dimension", vectors: [][]float32{{1}}, inputs: 1, dim: 2, wantErr: true},
		{name: "dimension unchecked", vectors: [][]float32{{1}}, inputs: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckBatch(tt.vectors, tt.inputs, tt.dim)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckBatch() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckTexts(t *testing.T) {
	if err := CheckTexts([]string{"a", "  "}); !errors.Is(err, ErrEmptyText) {
		t.Errorf("CheckTexts = %v, want ErrEmptyText", err)
	}
	if err := CheckTexts([]string{"a"}); err != nil {
		t.Errorf("CheckTexts = %v", err)
	}
}
