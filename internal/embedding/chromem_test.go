package embedding

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskpilot/internal/config"
)

// vocabEmbedder maps known words to fixed dimensions so similarity is predictable.
type vocabEmbedder struct {
	calls atomic.Int64
	fail  bool
}

var testVocab = map[string]int{"add": 0, "numbers": 1, "weather": 2, "forecast": 3, "fetch": 4}

func (v *vocabEmbedder) embed(_ context.Context, text string) ([]float32, error) {
	v.calls.Add(1)
	if v.fail {
		return nil, errors.New("embedding backend down")
	}
	vec := make([]float32, 6)
	for _, tok := range Tokens(text) {
		if dim, ok := testVocab[tok]; ok {
			vec[dim]++
		} else {
			vec[5]++
		}
	}
	var norm float64
	for _, x := range vec {
		norm += float64(x * x)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func newTestChromem(t *testing.T, e *vocabEmbedder, cache *Cache) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex("test", e.embed, cache, nil)
	require.NoError(t, err)
	return idx
}

func TestChromemIndex_SearchRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t, &vocabEmbedder{}, nil)

	require.NoError(t, idx.Add(ctx, "e1", "add numbers", map[string]string{"kind": "episodic"}))
	require.NoError(t, idx.Add(ctx, "e2", "fetch weather forecast", nil))
	assert.Equal(t, 2, idx.Count())

	hits, err := idx.Search(ctx, "add numbers", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2, "topK is clamped to collection size")
	assert.Equal(t, "e1", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
	assert.Equal(t, "add numbers", hits[0].Text)
	assert.Equal(t, "episodic", hits[0].Metadata["kind"])
	assert.InDelta(t, 0.0, hits[1].Similarity, 1e-5)
}

func TestChromemIndex_EmptyAndRemove(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t, &vocabEmbedder{}, nil)

	hits, err := idx.Search(ctx, "add", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, idx.Add(ctx, "e1", "add numbers", nil))
	require.NoError(t, idx.Remove(ctx, "e1"))
	assert.Equal(t, 0, idx.Count())
}

func TestChromemIndex_EmbedderError(t *testing.T) {
	idx := newTestChromem(t, &vocabEmbedder{fail: true}, nil)
	err := idx.Add(context.Background(), "e1", "add numbers", nil)
	assert.Error(t, err)
}

func TestChromemIndex_CachesQueryEmbeddings(t *testing.T) {
	ctx := context.Background()
	cache, err := NewCache(128)
	require.NoError(t, err)
	defer cache.Close()

	e := &vocabEmbedder{}
	idx := newTestChromem(t, e, cache)
	require.NoError(t, idx.Add(ctx, "e1", "add numbers", nil))
	require.NoError(t, idx.Add(ctx, "e2", "fetch weather", nil))
	cache.Wait()

	before := e.calls.Load()
	_, err = idx.Search(ctx, "weather forecast", 1)
	require.NoError(t, err)
	cache.Wait()
	_, err = idx.Search(ctx, "weather forecast", 1)
	require.NoError(t, err)

	assert.Equal(t, before+1, e.calls.Load(), "second query served from cache")
	hits, _ := cache.Stats()
	assert.GreaterOrEqual(t, hits, int64(1))
}

func TestNewCache_Disabled(t *testing.T) {
	cache, err := NewCache(0)
	require.NoError(t, err)
	assert.Nil(t, cache)

	// nil cache is usable
	_, ok := cache.Get("x")
	assert.False(t, ok)
	cache.Set("x", []float32{1})
	cache.Wait()
	cache.Close()
}

func TestNewIndex_DisabledUsesKeywords(t *testing.T) {
	idx, err := NewIndex(config.EmbeddingConfig{Enabled: false}, "memory", nil)
	require.NoError(t, err)
	_, ok := idx.(*KeywordIndex)
	assert.True(t, ok)
}
