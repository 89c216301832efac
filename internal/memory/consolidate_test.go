package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskpilot/internal/llm"
	"github.com/harrison/taskpilot/internal/metrics"
	"github.com/harrison/taskpilot/internal/models"
)

// seedAged stores experiences at the current clock time and then moves the
// clock forward by age.
func seedAged(t *testing.T, store *Store, clock *fakeClock, age time.Duration, exps ...models.Experience) {
	t.Helper()
	for _, e := range exps {
		_, err := store.StoreExperience(context.Background(), e)
		require.NoError(t, err)
	}
	clock.Advance(age)
}

func semanticRecords(store *Store) []models.MemoryRecord {
	var out []models.MemoryRecord
	for _, r := range store.Records() {
		if r.Kind == models.MemorySemantic {
			out = append(out, r)
		}
	}
	return out
}

func episodicIDs(store *Store) []string {
	var out []string
	for _, r := range store.Records() {
		if r.Kind == models.MemoryEpisodic {
			out = append(out, r.ID)
		}
	}
	return out
}

func TestConsolidateCompress(t *testing.T) {
	clock := newFakeClock()
	persister := newMemPersister()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	store := newTestStore(t, testConfig(), clock, func(o *Options) {
		o.Persister = persister
		o.Metrics = m
	})
	ctx := context.Background()

	seedAged(t, store, clock, 48*time.Hour,
		experience("old-high", "add two numbers", true, 1),
		experience("old-low", "divide two numbers", false, 0.2),
	)
	_, err := store.StoreExperience(ctx, experience("recent", "subtract two numbers", true, 1))
	require.NoError(t, err)

	report, err := store.Consolidate(ctx, 24*time.Hour, models.StrategyCompress)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 1, report.SemanticCreated)
	assert.Zero(t, report.Pruned)

	assert.Equal(t, []string{"old-low", "recent"}, episodicIDs(store))

	semantic := semanticRecords(store)
	require.Len(t, semantic, 1)
	sum := semantic[0].Summary
	require.NotNil(t, sum)
	assert.Equal(t, "add two numbers -> add, multiply (succeeded, quality 1.00)", sum.Text)
	assert.Equal(t, "add two numbers", sum.Goal)
	assert.Equal(t, []string{"old-high"}, sum.SourceIDs)
	assert.Equal(t, []string{"add", "multiply"}, sum.Actions)
	assert.Equal(t, models.StrategyCompress, sum.Strategy)
	assert.Equal(t, 1.0, sum.SuccessRatio)
	assert.InDelta(t, 1.0, semantic[0].Importance, 1e-9)
	assert.Equal(t, clock.Now(), semantic[0].CreatedAt)

	assert.False(t, persister.has("old-high"))
	assert.True(t, persister.has(semantic[0].ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Consolidations.WithLabelValues("compress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MemoryRecords.WithLabelValues("semantic")))

	// the semantic record answers retrieval for its goal
	hits, err := store.RetrieveSimilar(ctx, "add two numbers", 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, semantic[0].ID, hits[0].Record.ID)
}

func TestConsolidateRescoresImportance(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, testConfig(), clock)

	seedAged(t, store, clock, 7*24*time.Hour, experience("a", "write a poem", false, 0.2))

	_, err := store.Consolidate(context.Background(), 365*24*time.Hour, models.StrategyCompress)
	require.NoError(t, err)

	rec, ok := store.Get("a")
	require.True(t, ok)
	assert.InDelta(t, 0.1+0.15, rec.Importance, 1e-9)
	assert.False(t, store.ShouldConsolidate(), "consolidation resets the interval")
}

func TestConsolidateAbstract(t *testing.T) {
	clock := newFakeClock()
	var prompts []string
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string, _ map[string]string) (string, error) {
		prompts = append(prompts, prompt)
		return "  Add first, then multiply the sum.  ", nil
	})
	store := newTestStore(t, testConfig(), clock, func(o *Options) { o.Generator = gen })

	seedAged(t, store, clock, 48*time.Hour, experience("a", "add two numbers", true, 1))

	report, err := store.Consolidate(context.Background(), 24*time.Hour, models.StrategyAbstract)
	require.NoError(t, err)
	assert.Zero(t, report.AbstractFallback)

	semantic := semanticRecords(store)
	require.Len(t, semantic, 1)
	assert.Equal(t, "Add first, then multiply the sum.", semantic[0].Summary.Text)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "add two numbers -> add, multiply")
}

func TestConsolidateAbstractFallsBackToCompress(t *testing.T) {
	tests := []struct {
		name string
		gen  llm.Generator
	}{
		{"no generator", nil},
		{"generator error", llm.GeneratorFunc(func(ctx context.Context, prompt string, _ map[string]string) (string, error) {
			return "", errors.New("model offline")
		})},
		{"blank reply", llm.GeneratorFunc(func(ctx context.Context, prompt string, _ map[string]string) (string, error) {
			return "   ", nil
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			store := newTestStore(t, testConfig(), clock, func(o *Options) { o.Generator = tt.gen })
			seedAged(t, store, clock, 48*time.Hour, experience("a", "add two numbers", true, 1))

			report, err := store.Consolidate(context.Background(), 24*time.Hour, models.StrategyAbstract)
			require.NoError(t, err)
			assert.Equal(t, 1, report.AbstractFallback)

			semantic := semanticRecords(store)
			require.Len(t, semantic, 1)
			assert.Equal(t, "add two numbers -> add, multiply (succeeded, quality 1.00)", semantic[0].Summary.Text)
			assert.Equal(t, models.StrategyAbstract, semantic[0].Summary.Strategy)
		})
	}
}

func TestConsolidateAbstractDoesNotBlockWritersDuringGeneration(t *testing.T) {
	clock := newFakeClock()
	var store *Store
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string, _ map[string]string) (string, error) {
		// a run finishing while the model is thinking
		if _, err := store.StoreExperience(ctx, experience("b", "subtract two numbers", true, 1)); err != nil {
			return "", err
		}
		_ = store.Stats()
		return "Add first, then multiply the sum.", nil
	})
	store = newTestStore(t, testConfig(), clock, func(o *Options) { o.Generator = gen })
	seedAged(t, store, clock, 48*time.Hour, experience("a", "add two numbers", true, 1))

	type outcome struct {
		report ConsolidationReport
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := store.Consolidate(context.Background(), 24*time.Hour, models.StrategyAbstract)
		done <- outcome{report, err}
	}()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, 1, out.report.Promoted)
		assert.Zero(t, out.report.AbstractFallback)
	case <-time.After(5 * time.Second):
		t.Fatal("Consolidate held the store lock across generation")
	}

	assert.Equal(t, []string{"b"}, episodicIDs(store))
	semantic := semanticRecords(store)
	require.Len(t, semantic, 1)
	assert.Equal(t, "Add first, then multiply the sum.", semantic[0].Summary.Text)
}

func TestConsolidatePrune(t *testing.T) {
	clock := newFakeClock()
	persister := newMemPersister()
	store := newTestStore(t, testConfig(), clock, func(o *Options) { o.Persister = persister })
	ctx := context.Background()

	seedAged(t, store, clock, 48*time.Hour,
		experience("old-high", "add two numbers", true, 1),       // ~0.95, protected
		experience("old-mid", "multiply two numbers", true, 0.6), // ~0.75, candidate
		experience("old-low", "divide two numbers", false, 0.2),  // ~0.35
	)
	_, err := store.StoreExperience(ctx, experience("recent", "subtract two numbers", false, 0))
	require.NoError(t, err)

	report, err := store.Consolidate(ctx, 24*time.Hour, models.StrategyPrune)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Pruned)
	assert.Zero(t, report.Promoted)
	assert.Zero(t, report.SemanticCreated)
	assert.Equal(t, []string{"old-high", "recent"}, episodicIDs(store))
	assert.Empty(t, semanticRecords(store))
	assert.False(t, persister.has("old-mid"))
	assert.False(t, persister.has("old-low"))
	assert.True(t, persister.has("recent"))
}

func TestConsolidateHierarchical(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, testConfig(), clock)

	add1 := experience("add-1", "add two numbers", true, 1)
	add2 := experience("add-2", "Add two numbers!", true, 0.8)
	mul := experience("mul", "multiply two numbers", true, 1)
	seedAged(t, store, clock, 48*time.Hour, add1, add2, mul)

	report, err := store.Consolidate(context.Background(), 24*time.Hour, models.StrategyHierarchical)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Promoted)
	assert.Equal(t, 2, report.SemanticCreated)
	assert.Empty(t, episodicIDs(store))

	semantic := semanticRecords(store)
	require.Len(t, semantic, 2)

	grouped := semantic[0].Summary
	assert.Equal(t, []string{"add-1", "add-2"}, grouped.SourceIDs)
	assert.Equal(t, []string{"add", "numbers", "two"}, grouped.Keywords)
	assert.InDelta(t, 0.9, grouped.MeanQuality, 1e-9)
	assert.True(t, strings.HasPrefix(grouped.Text, "2 related experiences:\n- "))

	single := semantic[1].Summary
	assert.Equal(t, []string{"mul"}, single.SourceIDs)
	assert.Equal(t, "multiply two numbers -> add, multiply (succeeded, quality 1.00)", single.Text)
}

func TestConsolidateEvictsSemanticOverCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.LongTermCapacity = 1
	clock := newFakeClock()
	store := newTestStore(t, cfg, clock)

	// quality 0.6 successes promote into summaries scored 0.8, below protection
	seedAged(t, store, clock, 48*time.Hour,
		experience("a", "add two numbers", true, 0.6),
		experience("b", "multiply two numbers", true, 0.6),
	)

	report, err := store.Consolidate(context.Background(), 24*time.Hour, models.StrategyCompress)
	require.NoError(t, err)
	assert.Equal(t, 2, report.SemanticCreated)
	assert.Equal(t, 1, report.EvictedSemantic)

	semantic := semanticRecords(store)
	require.Len(t, semantic, 1)
	assert.Equal(t, []string{"b"}, semantic[0].Summary.SourceIDs)
}

func TestConsolidateReturnsCapacityError(t *testing.T) {
	cfg := testConfig()
	cfg.LongTermCapacity = 1
	clock := newFakeClock()
	logger := &recordingLogger{}
	store := newTestStore(t, cfg, clock, func(o *Options) { o.Logger = logger })

	seedAged(t, store, clock, 48*time.Hour,
		experience("a", "add two numbers", true, 1),
		experience("b", "multiply two numbers", true, 1),
	)

	report, err := store.Consolidate(context.Background(), 24*time.Hour, models.StrategyCompress)
	require.Error(t, err)
	assert.True(t, IsCapacityError(err))

	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	require.Len(t, capErr.Overflows, 1)
	assert.Equal(t, Overflow{Kind: models.MemorySemantic, Count: 2, Capacity: 1, Protected: 2}, capErr.Overflows[0])
	assert.Equal(t, "memory over capacity: semantic 2/1 (2 protected)", err.Error())

	// nothing was lost
	assert.Equal(t, 2, report.SemanticCreated)
	assert.Len(t, semanticRecords(store), 2)
	require.NotEmpty(t, logger.warns)
	assert.Contains(t, logger.warns[len(logger.warns)-1], "memory over capacity")
}

func TestConsolidateRejectsUnknownStrategy(t *testing.T) {
	store := newTestStore(t, testConfig(), newFakeClock())
	_, err := store.Consolidate(context.Background(), time.Hour, models.ConsolidationStrategy("shred"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shred")
}

func TestGroupByKeywordsKeepsFirstMemberOrder(t *testing.T) {
	rec := func(id, goal string) models.MemoryRecord {
		e := experience(id, goal, true, 1)
		return models.MemoryRecord{ID: id, Kind: models.MemoryEpisodic, Experience: &e}
	}
	groups := groupByKeywords([]models.MemoryRecord{
		rec("1", "multiply numbers"),
		rec("2", "add numbers"),
		rec("3", "numbers multiply"),
	})
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"1", "3"}, ids(groups[0]))
	assert.Equal(t, []string{"2"}, ids(groups[1]))
}
