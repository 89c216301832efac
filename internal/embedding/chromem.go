package embedding

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// Embedder turns text into a vector.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// NewOllamaEmbedder returns an Embedder backed by an Ollama embedding model.
// baseURL is the Ollama API root, e.g. http://localhost:11434/api.
func NewOllamaEmbedder(model, baseURL string) Embedder {
	return Embedder(chromem.NewEmbeddingFuncOllama(model, baseURL))
}

// ChromemIndex implements Index on an in-memory chromem-go collection.
type ChromemIndex struct {
	collection *chromem.Collection
	cache      *Cache
	logger     *zap.Logger
}

// NewChromemIndex creates a chromem-go collection named collection whose
// embeddings come from embed, memoized through cache (which may be nil).
func NewChromemIndex(collection string, embed Embedder, cache *Cache, logger *zap.Logger) (*ChromemIndex, error) {
	if embed == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	idx := &ChromemIndex{cache: cache, logger: logger}

	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection(collection, nil, idx.embeddingFunc(embed))
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", collection, err)
	}
	idx.collection = col

	logger.Debug("chromem index initialized", zap.String("collection", collection))
	return idx, nil
}

// embeddingFunc wraps embed with the query cache.
func (c *ChromemIndex) embeddingFunc(embed Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		if v, ok := c.cache.Get(text); ok {
			return v, nil
		}
		v, err := embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.cache.Set(text, v)
		return v, nil
	}
}

// Add embeds text and stores it under id, replacing any previous document.
func (c *ChromemIndex) Add(ctx context.Context, id, text string, metadata map[string]string) error {
	doc := chromem.Document{
		ID:       id,
		Content:  text,
		Metadata: copyMetadata(metadata),
	}
	if err := c.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document %s: %w", id, err)
	}
	return nil
}

// Search returns up to topK nearest documents. topK is clamped to the
// collection size because chromem rejects larger result counts.
func (c *ChromemIndex) Search(ctx context.Context, text string, topK int) ([]Match, error) {
	count := c.collection.Count()
	if topK <= 0 || count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := c.collection.Query(ctx, text, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < 0 {
			sim = 0
		}
		if sim > 1 {
			sim = 1
		}
		matches = append(matches, Match{
			ID:         r.ID,
			Text:       r.Content,
			Metadata:   r.Metadata,
			Similarity: sim,
		})
	}

	c.logger.Debug("chromem search",
		zap.Int("requested", topK),
		zap.Int("returned", len(matches)),
	)
	return matches, nil
}

// Remove deletes the document with the given id.
func (c *ChromemIndex) Remove(ctx context.Context, id string) error {
	if err := c.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (c *ChromemIndex) Count() int {
	return c.collection.Count()
}
