// Package skills extracts reusable, parameterized plan fragments from
// successful executions, tracks their success rates, matches them to new
// goals and composes them into larger skills.
package skills

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harrison/taskpilot/internal/config"
	"github.com/harrison/taskpilot/internal/embedding"
	"github.com/harrison/taskpilot/internal/filelock"
	"github.com/harrison/taskpilot/internal/metrics"
	"github.com/harrison/taskpilot/internal/models"
)

// Persister durably stores skills.
type Persister interface {
	SaveSkill(ctx context.Context, skill models.Skill) error
	LoadSkills(ctx context.Context) ([]models.Skill, error)
}

// Logger is the logging surface the registry needs.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
}

// Options wires the registry's collaborators. Every field except Config is optional.
type Options struct {
	Config    config.SkillsConfig
	Index     embedding.Index // nil uses a KeywordIndex; wrapped in a FallbackIndex
	Persister Persister
	Metrics   *metrics.Metrics
	Logger    Logger
	Now       func() time.Time
}

// Match is a skill matched against a goal.
type Match struct {
	Skill      models.Skill
	Similarity float64
}

// Registry holds skills by name. Reads use an immutable snapshot; updates to
// one skill are serialized by a per-name lock and published copy-on-write.
type Registry struct {
	cfg     config.SkillsConfig
	index   embedding.Index
	persist Persister
	metrics *metrics.Metrics
	logger  Logger
	now     func() time.Time

	mu    sync.Mutex // guards publishing a new snapshot
	names *filelock.KeyLocks
	snap  atomic.Pointer[map[string]models.Skill]
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		cfg:     opts.Config,
		index:   embedding.NewFallbackIndex(opts.Index),
		persist: opts.Persister,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
		names:   filelock.NewKeyLocks(),
	}
	if r.now == nil {
		r.now = time.Now
	}
	empty := map[string]models.Skill{}
	r.snap.Store(&empty)
	return r
}

// Load registers every persisted skill, replacing same-named entries.
func (r *Registry) Load(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	stored, err := r.persist.LoadSkills(ctx)
	if err != nil {
		return fmt.Errorf("load skills: %w", err)
	}
	for _, skill := range stored {
		r.indexSkill(ctx, skill)
		r.put(skill)
	}
	r.logInfo(fmt.Sprintf("skills loaded: %d", len(stored)))
	return nil
}

// Register adds skill. When a skill with the same name exists the two are
// merged: success rates are averaged weighted by usage count (each side
// counting at least once) and usage counts are summed. The stored skill is
// returned along with whether a merge happened.
func (r *Registry) Register(ctx context.Context, skill models.Skill) (models.Skill, bool, error) {
	if strings.TrimSpace(skill.Name) == "" {
		return models.Skill{}, false, fmt.Errorf("skill name is required")
	}
	if len(skill.ParameterizedSteps) == 0 {
		return models.Skill{}, false, fmt.Errorf("skill %s has no steps", skill.Name)
	}

	unlock := r.names.Lock(skill.Name)
	defer unlock()

	stored := skill.Clone()
	stored.SuccessRate = clamp01(stored.SuccessRate)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}

	existing, merged := r.Get(skill.Name)
	if merged {
		stored = mergeSkills(existing, stored)
	}

	r.indexSkill(ctx, stored)
	if err := r.save(ctx, stored); err != nil {
		return models.Skill{}, false, err
	}
	r.put(stored)

	if merged {
		r.logInfo(fmt.Sprintf("skill %s merged: success rate %.2f over %d uses", stored.Name, stored.SuccessRate, stored.UsageCount))
	} else {
		r.logInfo(fmt.Sprintf("skill %s registered", stored.Name))
	}
	return stored.Clone(), merged, nil
}

// Get returns a copy of the named skill.
func (r *Registry) Get(name string) (models.Skill, bool) {
	skill, ok := (*r.snap.Load())[name]
	if !ok {
		return models.Skill{}, false
	}
	return skill.Clone(), true
}

// SuccessRate returns the named skill's success rate.
func (r *Registry) SuccessRate(name string) (float64, bool) {
	skill, ok := (*r.snap.Load())[name]
	return skill.SuccessRate, ok
}

// List returns every skill ordered by name.
func (r *Registry) List() []models.Skill {
	snap := *r.snap.Load()
	out := make([]models.Skill, 0, len(snap))
	for _, name := range models.SortedKeys(snap) {
		out = append(out, snap[name].Clone())
	}
	return out
}

// Len returns the number of registered skills.
func (r *Registry) Len() int {
	return len(*r.snap.Load())
}

// FindMatchingSkills returns up to topK skills whose description is similar
// to goal, best first. Equal similarities prefer the higher success rate.
func (r *Registry) FindMatchingSkills(ctx context.Context, goal string, topK int) ([]Match, error) {
	snap := *r.snap.Load()
	if topK <= 0 || len(snap) == 0 {
		return nil, nil
	}

	similarity := make(map[string]float64, len(snap))
	hits, err := r.index.Search(ctx, goal, len(snap))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logWarn(fmt.Sprintf("skill index search failed, using keyword similarity: %v", err))
		for name, skill := range snap {
			similarity[name] = embedding.Similarity(goal, skillText(skill))
		}
	} else {
		for _, h := range hits {
			similarity[h.ID] = h.Similarity
		}
	}

	var out []Match
	for name, sim := range similarity {
		skill, ok := snap[name]
		if !ok || sim <= 0 {
			continue
		}
		out = append(out, Match{Skill: skill.Clone(), Similarity: sim})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Skill.SuccessRate != b.Skill.SuccessRate {
			return a.Skill.SuccessRate > b.Skill.SuccessRate
		}
		return a.Skill.Name < b.Skill.Name
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// RecordSkillExecution folds one execution outcome into the skill's success
// rate as an exponential moving average and bumps its usage.
func (r *Registry) RecordSkillExecution(ctx context.Context, name string, success bool) (models.Skill, error) {
	unlock := r.names.Lock(name)
	defer unlock()

	skill, ok := r.Get(name)
	if !ok {
		return models.Skill{}, fmt.Errorf("record execution of %s: %w", name, ErrSkillNotFound)
	}

	x := 0.0
	if success {
		x = 1
	}
	alpha := r.cfg.SkillEMAAlpha
	skill.SuccessRate = clamp01((1-alpha)*skill.SuccessRate + alpha*x)
	skill.UsageCount++
	skill.LastUsed = r.now()

	if err := r.save(ctx, skill); err != nil {
		return models.Skill{}, err
	}
	r.put(skill)
	r.metrics.ObserveSkillExecution(success)
	return skill.Clone(), nil
}

// indexSkill adds skill to the index. Failures only cost ranking quality
// since the fallback index keeps the skill under keyword similarity.
func (r *Registry) indexSkill(ctx context.Context, skill models.Skill) {
	if err := r.index.Add(ctx, skill.Name, skillText(skill), skillMetadata(skill)); err != nil {
		r.logWarn(fmt.Sprintf("index skill %s, using keyword similarity for it: %v", skill.Name, err))
	}
}

func (r *Registry) save(ctx context.Context, skill models.Skill) error {
	if r.persist == nil {
		return nil
	}
	if err := r.persist.SaveSkill(ctx, skill); err != nil {
		return fmt.Errorf("persist skill %s: %w", skill.Name, err)
	}
	return nil
}

// put publishes a snapshot containing skill.
func (r *Registry) put(skill models.Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snap.Load()
	next := make(map[string]models.Skill, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[skill.Name] = skill
	r.snap.Store(&next)
}

func (r *Registry) logInfo(msg string) {
	if r.logger != nil {
		r.logger.LogInfo(msg)
	}
}

func (r *Registry) logWarn(msg string) {
	if r.logger != nil {
		r.logger.LogWarn(msg)
	}
}

// mergeSkills combines an incoming definition into the existing skill. The
// existing steps and creation time are kept.
func mergeSkills(existing, incoming models.Skill) models.Skill {
	out := existing.Clone()

	we := float64(max(existing.UsageCount, 1))
	wi := float64(max(incoming.UsageCount, 1))
	out.SuccessRate = clamp01((existing.SuccessRate*we + incoming.SuccessRate*wi) / (we + wi))
	out.UsageCount = existing.UsageCount + incoming.UsageCount

	if out.Description == "" {
		out.Description = incoming.Description
	}
	if incoming.LastUsed.After(out.LastUsed) {
		out.LastUsed = incoming.LastUsed
	}
	if !incoming.CreatedAt.IsZero() && incoming.CreatedAt.Before(out.CreatedAt) {
		out.CreatedAt = incoming.CreatedAt
	}
	return out
}

// skillText is the text a skill is matched on: its description, or its
// name when it has none.
func skillText(skill models.Skill) string {
	if skill.Description != "" {
		return skill.Description
	}
	return strings.ReplaceAll(skill.Name, "_", " ")
}

func skillMetadata(skill models.Skill) map[string]string {
	return map[string]string{"actions": strings.Join(skill.Actions(), ",")}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
