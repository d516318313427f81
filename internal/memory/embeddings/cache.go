package embeddings

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/taskloop/internal/memory/vector"
)

// Cache stores vectors keyed by model and text in a SQLite file.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// OpenCache opens (and creates) the cache at path. ":memory:" keeps it in
// process. A zero ttl never expires entries.
func OpenCache(path string, ttl time.Duration) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("cache path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS embedding_cache (
			key TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			vector BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init embedding cache: %w", err)
	}
	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

// Close releases the database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns a cached vector.
func (c *Cache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	var (
		blob      []byte
		createdAt int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT vector, created_at FROM embedding_cache WHERE key = ?`,
		cacheKey(model, text)).Scan(&blob, &createdAt)
	if err != nil {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(time.Unix(createdAt, 0)) > c.ttl {
		return nil, false
	}
	v := vector.DecodeBlob(blob)
	return v, len(v) > 0
}

// Set stores a vector, replacing any previous entry.
func (c *Cache) Set(ctx context.Context, model, text string, v []float32) error {
	if c == nil || len(v) == 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (key, model, vector, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET vector = excluded.vector, created_at = excluded.created_at
	`, cacheKey(model, text), model, vector.EncodeBlob(v), c.now().Unix())
	if err != nil {
		return fmt.Errorf("write embedding cache: %w", err)
	}
	return nil
}

func cacheKey(model, text string) string {
	payload := strings.TrimSpace(model) + "\n" + strings.TrimSpace(text)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

// Cached wraps a provider so repeated texts skip the remote call.
type Cached struct {
	Provider
	cache *Cache
}

// WithCache returns p unchanged when cache is nil.
func WithCache(p Provider, cache *Cache) Provider {
	if cache == nil {
		return p
	}
	return &Cached{Provider: p, cache: cache}
}

// Embed serves text from the cache when possible.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	return EmbedOne(ctx, c, text)
}

// EmbedBatch embeds only the texts missing from the cache, in one call.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.Provider.Model()
	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   []int
	)
	for i, text := range texts {
		if v, ok := c.cache.Get(ctx, model, text); ok {
			out[i] = v
			continue
		}
		missing = append(missing, text)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.Provider.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missing) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(missing), len(fresh))
	}
	for j, v := range fresh {
		out[slots[j]] = v
		// A cache write failure only costs a later recompute.
		_ = c.cache.Set(ctx, model, missing[j], v)
	}
	return out, nil
}
