package embedding

import (
	"context"
	"sort"
)

// FallbackIndex wraps a primary index and keeps every document the primary
// failed to add in a KeywordIndex, so a flaky embedding backend degrades
// ranking quality instead of losing records. Search merges both.
type FallbackIndex struct {
	primary Index
	shadow  *KeywordIndex
}

// NewFallbackIndex wraps primary. A nil primary is replaced by a KeywordIndex.
func NewFallbackIndex(primary Index) *FallbackIndex {
	if primary == nil {
		primary = NewKeywordIndex()
	}
	return &FallbackIndex{primary: primary, shadow: NewKeywordIndex()}
}

// Add indexes the document in the primary index. When that fails the document
// is kept in the keyword shadow and the primary error is returned; the
// document is searchable either way.
func (f *FallbackIndex) Add(ctx context.Context, id, text string, metadata map[string]string) error {
	if err := f.primary.Add(ctx, id, text, metadata); err != nil {
		f.shadow.Add(ctx, id, text, metadata)
		return err
	}
	f.shadow.Remove(ctx, id)
	return nil
}

// Search returns the best topK hits across the primary index and the shadow.
// A primary failure is returned as is so callers can choose their own fallback.
func (f *FallbackIndex) Search(ctx context.Context, text string, topK int) ([]Match, error) {
	hits, err := f.primary.Search(ctx, text, topK)
	if err != nil {
		return nil, err
	}
	if f.shadow.Count() == 0 {
		return hits, nil
	}

	extra, _ := f.shadow.Search(ctx, text, topK)
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		seen[h.ID] = true
	}
	for _, h := range extra {
		if !seen[h.ID] {
			hits = append(hits, h)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Remove deletes the document from both indexes.
func (f *FallbackIndex) Remove(ctx context.Context, id string) error {
	f.shadow.Remove(ctx, id)
	return f.primary.Remove(ctx, id)
}

// Degraded returns the number of documents only the shadow holds.
func (f *FallbackIndex) Degraded() int {
	return f.shadow.Count()
}
