package skills

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskpilot/internal/embedding"
	"github.com/harrison/taskpilot/internal/learning"
	"github.com/harrison/taskpilot/internal/metrics"
	"github.com/harrison/taskpilot/internal/models"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingLogger struct {
	mu    sync.Mutex
	infos []string
	warns []string
}

func (l *recordingLogger) LogInfo(message string) {
	l.mu.Lock()
	l.infos = append(l.infos, message)
	l.mu.Unlock()
}

func (l *recordingLogger) LogWarn(message string) {
	l.mu.Lock()
	l.warns = append(l.warns, message)
	l.mu.Unlock()
}

// brokenIndex indexes nothing and fails every search.
type brokenIndex struct{}

func (brokenIndex) Add(ctx context.Context, id, text string, metadata map[string]string) error {
	return nil
}

func (brokenIndex) Search(ctx context.Context, text string, topK int) ([]embedding.Match, error) {
	return nil, errors.New("index offline")
}

func (brokenIndex) Remove(ctx context.Context, id string) error { return nil }

// refusingIndex cannot reach its embedding backend for writes and finds nothing.
type refusingIndex struct{}

func (refusingIndex) Add(ctx context.Context, id, text string, metadata map[string]string) error {
	return errors.New("dial tcp 127.0.0.1:11434: connect: connection refused")
}

func (refusingIndex) Search(ctx context.Context, text string, topK int) ([]embedding.Match, error) {
	return nil, nil
}

func (refusingIndex) Remove(ctx context.Context, id string) error { return nil }

func newTestRegistry(t *testing.T, opts ...func(*Options)) *Registry {
	t.Helper()
	o := Options{Config: skillsConfig(), Now: func() time.Time { return baseTime }}
	for _, fn := range opts {
		fn(&o)
	}
	return NewRegistry(o)
}

func testSkill(name, description string, rate float64, usage int) models.Skill {
	return models.Skill{
		Name:        name,
		Description: description,
		ParameterizedSteps: []models.PlanStep{
			{ID: "step1", Action: "add", Parameters: map[string]any{"a": "{{param_1}}", "b": "{{param_2}}"}, ExpectedOutputKey: "sum", Required: true},
			{ID: "step2", Action: "multiply", Parameters: map[string]any{"a": "$ref:sum", "b": "{{param_3}}"}, ExpectedOutputKey: "product", Required: true},
		},
		Parameters:  []string{"param_1", "param_2", "param_3"},
		Defaults:    map[string]any{"param_1": 7.0, "param_2": 5.0, "param_3": 2.0},
		SuccessRate: rate,
		UsageCount:  usage,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)

	stored, merged, err := r.Register(context.Background(), testSkill("skill_add_multiply", "add then multiply", 0.9, 0))
	require.NoError(t, err)
	assert.False(t, merged)
	assert.Equal(t, baseTime, stored.CreatedAt)

	got, ok := r.Get("skill_add_multiply")
	require.True(t, ok)
	assert.Equal(t, 0.9, got.SuccessRate)
	assert.Equal(t, 1, r.Len())

	// callers cannot reach the registry's copy
	got.ParameterizedSteps[0].Action = "divide"
	again, _ := r.Get("skill_add_multiply")
	assert.Equal(t, "add", again.ParameterizedSteps[0].Action)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegisterValidates(t *testing.T) {
	r := newTestRegistry(t)

	_, _, err := r.Register(context.Background(), models.Skill{Name: " "})
	assert.Error(t, err)

	_, _, err = r.Register(context.Background(), models.Skill{Name: "empty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no steps")
}

func TestRegisterMergesOnCollision(t *testing.T) {
	tests := []struct {
		name      string
		existing  models.Skill
		incoming  models.Skill
		wantRate  float64
		wantUsage int
	}{
		{
			name:      "usage weighted",
			existing:  testSkill("s", "add then multiply", 0.9, 3),
			incoming:  testSkill("s", "", 0.5, 1),
			wantRate:  (0.9*3 + 0.5*1) / 4,
			wantUsage: 4,
		},
		{
			name:      "fresh extraction counts once",
			existing:  testSkill("s", "add then multiply", 0.9, 3),
			incoming:  testSkill("s", "", 0.5, 0),
			wantRate:  (0.9*3 + 0.5*1) / 4,
			wantUsage: 3,
		},
		{
			name:      "both unused averages",
			existing:  testSkill("s", "add then multiply", 1.0, 0),
			incoming:  testSkill("s", "", 0.8, 0),
			wantRate:  0.9,
			wantUsage: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			ctx := context.Background()

			_, _, err := r.Register(ctx, tt.existing)
			require.NoError(t, err)
			stored, merged, err := r.Register(ctx, tt.incoming)
			require.NoError(t, err)

			assert.True(t, merged)
			assert.InDelta(t, tt.wantRate, stored.SuccessRate, 1e-9)
			assert.Equal(t, tt.wantUsage, stored.UsageCount)
			assert.Equal(t, "add then multiply", stored.Description)
			assert.Equal(t, 1, r.Len())
		})
	}
}

func TestRecordSkillExecution(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	now := baseTime
	r := newTestRegistry(t, func(o *Options) {
		o.Metrics = m
		o.Now = func() time.Time { return now }
	})
	ctx := context.Background()

	_, _, err := r.Register(ctx, testSkill("s", "add then multiply", 0.8, 0))
	require.NoError(t, err)

	now = baseTime.Add(time.Hour)
	skill, err := r.RecordSkillExecution(ctx, "s", true)
	require.NoError(t, err)
	assert.InDelta(t, 0.84, skill.SuccessRate, 1e-9)
	assert.Equal(t, 1, skill.UsageCount)
	assert.Equal(t, now, skill.LastUsed)

	skill, err = r.RecordSkillExecution(ctx, "s", false)
	require.NoError(t, err)
	assert.InDelta(t, 0.672, skill.SuccessRate, 1e-9)
	assert.Equal(t, 2, skill.UsageCount)

	rate, ok := r.SuccessRate("s")
	require.True(t, ok)
	assert.InDelta(t, 0.672, rate, 1e-9)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SkillExecutions.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SkillExecutions.WithLabelValues("false")))
}

func TestRecordSkillExecutionUnknown(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.RecordSkillExecution(context.Background(), "ghost", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSkillNotFound))
}

func TestRecordSkillExecutionConcurrent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_, _, err := r.Register(ctx, testSkill("a", "add then multiply", 0.5, 0))
	require.NoError(t, err)
	_, _, err = r.Register(ctx, testSkill("b", "add then multiply", 0.5, 0))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, name := range []string{"a", "b"} {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				_, err := r.RecordSkillExecution(ctx, name, true)
				assert.NoError(t, err)
			}(name)
		}
	}
	wg.Wait()

	for _, name := range []string{"a", "b"} {
		skill, ok := r.Get(name)
		require.True(t, ok)
		assert.Equal(t, 50, skill.UsageCount, name)
		assert.Greater(t, skill.SuccessRate, 0.99, name)
		assert.LessOrEqual(t, skill.SuccessRate, 1.0, name)
	}
}

func TestFindMatchingSkills(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, s := range []models.Skill{
		testSkill("low", "add two numbers then multiply", 0.6, 0),
		testSkill("high", "add two numbers then multiply", 0.95, 0),
		testSkill("other", "summarize a document", 0.99, 0),
	} {
		_, _, err := r.Register(ctx, s)
		require.NoError(t, err)
	}

	matches, err := r.FindMatchingSkills(ctx, "add two numbers then multiply", 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "high", matches[0].Skill.Name)
	assert.Equal(t, "low", matches[1].Skill.Name)
	assert.Equal(t, matches[0].Similarity, matches[1].Similarity)

	matches, err = r.FindMatchingSkills(ctx, "add two numbers then multiply", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "high", matches[0].Skill.Name)

	matches, err = r.FindMatchingSkills(ctx, "launch rockets", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFindMatchingSkillsFallsBackToKeywords(t *testing.T) {
	logger := &recordingLogger{}
	r := newTestRegistry(t, func(o *Options) {
		o.Index = brokenIndex{}
		o.Logger = logger
	})
	ctx := context.Background()
	_, _, err := r.Register(ctx, testSkill("s", "add two numbers", 0.9, 0))
	require.NoError(t, err)

	matches, err := r.FindMatchingSkills(ctx, "add two numbers", 3)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Greater(t, matches[0].Similarity, 0.0)
	require.NotEmpty(t, logger.warns)
	assert.Contains(t, logger.warns[0], "index offline")
}

func TestRegisterSurvivesIndexWriteFailure(t *testing.T) {
	logger := &recordingLogger{}
	r := newTestRegistry(t, func(o *Options) {
		o.Index = refusingIndex{}
		o.Logger = logger
	})
	ctx := context.Background()

	stored, merged, err := r.Register(ctx, testSkill("adder", "add two numbers", 0.9, 0))
	require.NoError(t, err)
	assert.False(t, merged)
	assert.Equal(t, "adder", stored.Name)
	require.NotEmpty(t, logger.warns)
	assert.Contains(t, logger.warns[0], "connection refused")

	matches, err := r.FindMatchingSkills(ctx, "add two numbers", 3)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "adder", matches[0].Skill.Name)
	assert.Equal(t, 1.0, matches[0].Similarity)
}

func TestListIsSortedByName(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, _, err := r.Register(ctx, testSkill(name, name, 0.9, 0))
		require.NoError(t, err)
	}

	var names []string
	for _, s := range r.List() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestRegistryPersistsToLearningStore(t *testing.T) {
	store, err := learning.NewStore(filepath.Join(t.TempDir(), "skills.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	first := newTestRegistry(t, func(o *Options) { o.Persister = store })
	_, _, err = first.Register(ctx, testSkill("skill_add_multiply", "add then multiply", 0.8, 0))
	require.NoError(t, err)
	_, err = first.RecordSkillExecution(ctx, "skill_add_multiply", true)
	require.NoError(t, err)

	second := newTestRegistry(t, func(o *Options) { o.Persister = store })
	require.NoError(t, second.Load(ctx))

	skill, ok := second.Get("skill_add_multiply")
	require.True(t, ok)
	assert.InDelta(t, 0.84, skill.SuccessRate, 1e-9)
	assert.Equal(t, 1, skill.UsageCount)
	assert.Equal(t, "{{param_1}}", skill.ParameterizedSteps[0].Parameters["a"])

	matches, err := second.FindMatchingSkills(ctx, "add then multiply", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
}
