// Package embedding provides the similarity index used by memory retrieval
// and skill matching: a chromem-go vector index backed by Ollama embeddings,
// and a keyword index used when no embedding model is configured.
package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/harrison/taskpilot/internal/config"
)

// Match is a single search hit.
type Match struct {
	ID         string
	Text       string
	Metadata   map[string]string
	Similarity float64 // In [0,1], higher is closer
}

// Index stores texts by id and answers nearest-neighbour queries.
// Implementations must be safe for concurrent use.
type Index interface {
	Add(ctx context.Context, id, text string, metadata map[string]string) error
	Search(ctx context.Context, text string, topK int) ([]Match, error)
	Remove(ctx context.Context, id string) error
}

// NewIndex builds the index selected by cfg. A disabled embedding section
// yields a KeywordIndex. collection overrides cfg.Collection when non-empty
// so callers can keep memory and skills apart.
func NewIndex(cfg config.EmbeddingConfig, collection string, logger *zap.Logger) (Index, error) {
	if !cfg.Enabled {
		return NewKeywordIndex(), nil
	}
	if collection == "" {
		collection = cfg.Collection
	}

	cache, err := NewCache(int64(cfg.CacheSize))
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	idx, err := NewChromemIndex(collection, NewOllamaEmbedder(cfg.Model, cfg.BaseURL), cache, logger)
	if err != nil {
		return nil, fmt.Errorf("create chromem index: %w", err)
	}
	return idx, nil
}
