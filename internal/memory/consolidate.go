package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/taskpilot/internal/embedding"
	"github.com/harrison/taskpilot/internal/models"
)

// ConsolidationReport describes one consolidation pass.
type ConsolidationReport struct {
	Strategy         models.ConsolidationStrategy
	Candidates       int // Old episodic records at or above the consolidation threshold
	Promoted         int // Episodic records folded into semantic memory
	SemanticCreated  int
	Pruned           int // Old episodic records dropped by the prune strategy
	EvictedEpisodic  int
	EvictedSemantic  int
	AbstractFallback int // Abstract summaries that fell back to compress
	Duration         time.Duration
}

// Consolidate promotes episodic records older than olderThan whose importance
// is at least the consolidation threshold into semantic memory, transformed
// by strategy, then applies forgetting to both tiers. Importance is re-scored
// against the current time first so recency decays between passes.
//
// When protected records keep a tier above capacity, the report is returned
// together with a *CapacityError.
func (s *Store) Consolidate(ctx context.Context, olderThan time.Duration, strategy models.ConsolidationStrategy) (ConsolidationReport, error) {
	if _, ok := models.ParseConsolidationStrategy(string(strategy)); !ok {
		return ConsolidationReport{}, fmt.Errorf("unknown consolidation strategy %q", strategy)
	}

	start := s.now()
	report := ConsolidationReport{Strategy: strategy}
	cutoff := start.Add(-olderThan)

	// Generator calls run before taking mu; the candidate set is re-derived
	// under the lock and anything new falls back to compress.
	var abstracts map[string]string
	if strategy == models.StrategyAbstract {
		pending, _, _ := s.partition(s.rescore(s.snap.Load().episodic, start), cutoff, strategy)
		abstracts = make(map[string]string, len(pending))
		for _, c := range pending {
			if text, ok := s.abstractText(ctx, c); ok {
				abstracts[c.ID] = text
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	episodic := s.rescore(cur.episodic, start)
	semantic := s.rescore(cur.semantic, start)

	candidates, rest, pruned := s.partition(episodic, cutoff, strategy)
	report.Candidates = len(candidates)

	var created []models.MemoryRecord
	switch strategy {
	case models.StrategyCompress:
		for _, c := range candidates {
			created = append(created, s.semanticRecord(strategy, []models.MemoryRecord{c}, compressText(c)))
		}
	case models.StrategyAbstract:
		for _, c := range candidates {
			text, ok := abstracts[c.ID]
			if !ok {
				text = compressText(c)
				report.AbstractFallback++
			}
			created = append(created, s.semanticRecord(strategy, []models.MemoryRecord{c}, text))
		}
	case models.StrategyHierarchical:
		for _, group := range groupByKeywords(candidates) {
			created = append(created, s.semanticRecord(strategy, group, hierarchicalText(group)))
		}
	case models.StrategyPrune:
		// candidates stay episodic; only low-importance old records go
		rest = append(rest, candidates...)
		candidates = nil
		report.Pruned = len(pruned)
	}

	if strategy != models.StrategyPrune {
		report.Promoted = len(candidates)
	}
	report.SemanticCreated = len(created)

	for _, rec := range created {
		s.indexRecord(ctx, rec)
	}

	// keep insertion order for the surviving episodic records
	rest = inOriginalOrder(episodic, rest)
	semantic = append(semantic, created...)

	var evictedEpisodic, evictedSemantic []models.MemoryRecord
	rest, evictedEpisodic = s.forget(rest, s.cfg.ShortTermCapacity)
	semantic, evictedSemantic = s.forget(semantic, s.cfg.LongTermCapacity)
	report.EvictedEpisodic = len(evictedEpisodic)
	report.EvictedSemantic = len(evictedSemantic)

	next := &snapshot{episodic: rest, semantic: semantic}
	s.publish(next)
	s.lastConsolidation = start

	removed := append([]models.MemoryRecord{}, candidates...)
	removed = append(removed, pruned...)
	removed = append(removed, evictedEpisodic...)
	removed = append(removed, evictedSemantic...)
	s.dropRecords(ctx, removed)
	s.persistRecords(ctx, next)

	s.metrics.ObserveConsolidation(string(strategy))
	s.metrics.ObserveEvictions(string(models.MemoryEpisodic), len(evictedEpisodic)+len(pruned))
	s.metrics.ObserveEvictions(string(models.MemorySemantic), len(evictedSemantic))
	report.Duration = s.now().Sub(start)

	s.logInfo(fmt.Sprintf("memory consolidated (%s): %d promoted, %d semantic created, %d pruned, %d evicted",
		strategy, report.Promoted, report.SemanticCreated, report.Pruned, report.EvictedEpisodic+report.EvictedSemantic))

	if capErr := s.capacityError(next); capErr != nil {
		s.logWarn(capErr.Error())
		return report, capErr
	}
	return report, nil
}

// partition splits episodic records into consolidation candidates, records
// that stay, and records the prune strategy drops.
func (s *Store) partition(episodic []models.MemoryRecord, cutoff time.Time, strategy models.ConsolidationStrategy) (candidates, rest, pruned []models.MemoryRecord) {
	for _, r := range episodic {
		old := !r.CreatedAt.After(cutoff)
		switch {
		case old && strategy == models.StrategyPrune && r.Importance < s.cfg.ForgettingThreshold:
			pruned = append(pruned, r)
		case old && r.Importance >= s.cfg.ConsolidationThreshold:
			candidates = append(candidates, r)
		default:
			rest = append(rest, r)
		}
	}
	return candidates, rest, pruned
}

// rescore returns a copy of records with importance recomputed as of now.
func (s *Store) rescore(records []models.MemoryRecord, now time.Time) []models.MemoryRecord {
	out := make([]models.MemoryRecord, len(records))
	for i, r := range records {
		r.Importance = recordImportance(r, now, s.cfg.RecencyHalfLife)
		out[i] = r
	}
	return out
}

// persistRecords saves every surviving record, which covers both the newly
// created summaries and the re-scored importances.
func (s *Store) persistRecords(ctx context.Context, snap *snapshot) {
	if s.persist == nil {
		return
	}
	for _, tier := range [][]models.MemoryRecord{snap.episodic, snap.semantic} {
		for _, r := range tier {
			if err := s.persist.SaveMemoryRecord(ctx, r); err != nil {
				s.logWarn(fmt.Sprintf("persist memory record %s: %v", r.ID, err))
			}
		}
	}
}

func (s *Store) capacityError(snap *snapshot) *CapacityError {
	var overflows []Overflow
	check := func(kind models.MemoryKind, records []models.MemoryRecord, capacity int) {
		if capacity <= 0 || len(records) <= capacity {
			return
		}
		o := Overflow{Kind: kind, Count: len(records), Capacity: capacity}
		for _, r := range records {
			if r.Importance >= s.cfg.ForgettingThreshold {
				o.Protected++
			}
		}
		overflows = append(overflows, o)
	}
	check(models.MemoryEpisodic, snap.episodic, s.cfg.ShortTermCapacity)
	check(models.MemorySemantic, snap.semantic, s.cfg.LongTermCapacity)
	if len(overflows) == 0 {
		return nil
	}
	return &CapacityError{Overflows: overflows}
}

// semanticRecord builds the semantic record for a group of episodic sources.
func (s *Store) semanticRecord(strategy models.ConsolidationStrategy, sources []models.MemoryRecord, text string) models.MemoryRecord {
	summary := &models.Summary{
		Text:     text,
		Strategy: strategy,
	}

	var quality, succeeded float64
	seenAction := make(map[string]bool)
	keywords := make(map[string]bool)
	for _, src := range sources {
		summary.SourceIDs = append(summary.SourceIDs, src.ID)
		e := src.Experience
		if e == nil {
			continue
		}
		if summary.Goal == "" {
			summary.Goal = e.Plan.Goal
		}
		quality += e.Verification.QualityScore
		if e.Succeeded() {
			succeeded++
		}
		for _, a := range e.Plan.Actions() {
			if !seenAction[a] {
				seenAction[a] = true
				summary.Actions = append(summary.Actions, a)
			}
		}
		for _, k := range embedding.Keywords(e.Plan.Goal) {
			if !keywords[k] {
				keywords[k] = true
				summary.Keywords = append(summary.Keywords, k)
			}
		}
	}
	if n := float64(len(sources)); n > 0 {
		summary.MeanQuality = quality / n
		summary.SuccessRatio = succeeded / n
	}

	rec := models.MemoryRecord{
		ID:        uuid.NewString(),
		Kind:      models.MemorySemantic,
		Summary:   summary,
		CreatedAt: s.now(),
	}
	rec.Importance = recordImportance(rec, rec.CreatedAt, s.cfg.RecencyHalfLife)
	return rec
}

// abstractText asks the generator for a one-paragraph lesson. It reports
// false when it had to fall back to compressText.
func (s *Store) abstractText(ctx context.Context, rec models.MemoryRecord) (string, bool) {
	if s.gen == nil {
		return compressText(rec), false
	}
	out, err := s.gen.Generate(ctx, buildAbstractPrompt(rec), map[string]string{"task": "memory consolidation"})
	text := strings.TrimSpace(out)
	if err != nil || text == "" {
		if err != nil {
			s.logWarn(fmt.Sprintf("abstract consolidation of %s fell back to compress: %v", rec.ID, err))
		}
		return compressText(rec), false
	}
	return text, true
}

func buildAbstractPrompt(rec models.MemoryRecord) string {
	var b strings.Builder
	b.WriteString("You are a memory consolidation assistant. Distill the following task experience ")
	b.WriteString("into one short, reusable lesson. State when it applies and which actions worked.\n\n")
	b.WriteString(compressText(rec))
	if e := rec.Experience; e != nil {
		for _, r := range e.Execution.StepResults {
			if r.Error != "" {
				b.WriteString(fmt.Sprintf("\nstep %s failed: %s", r.StepID, r.Error))
			}
		}
	}
	b.WriteString("\n\nReply with the lesson text only.")
	return b.String()
}

// compressText is "goal -> action, action (outcome, quality q)".
func compressText(rec models.MemoryRecord) string {
	e := rec.Experience
	if e == nil {
		return rec.Text()
	}
	outcome := "failed"
	if e.Succeeded() {
		outcome = "succeeded"
	}
	return fmt.Sprintf("%s -> %s (%s, quality %.2f)",
		e.Plan.Goal, strings.Join(e.Plan.Actions(), ", "), outcome, e.Verification.QualityScore)
}

func hierarchicalText(group []models.MemoryRecord) string {
	if len(group) == 1 {
		return compressText(group[0])
	}
	lines := make([]string, len(group))
	for i, r := range group {
		lines[i] = "- " + compressText(r)
	}
	return fmt.Sprintf("%d related experiences:\n%s", len(group), strings.Join(lines, "\n"))
}

// groupByKeywords groups records whose goals share the same keyword set.
// Groups are ordered by their first member.
func groupByKeywords(records []models.MemoryRecord) [][]models.MemoryRecord {
	index := make(map[string]int)
	var groups [][]models.MemoryRecord
	for _, r := range records {
		key := strings.Join(embedding.Keywords(r.Text()), " ")
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], r)
	}
	return groups
}

// inOriginalOrder returns subset ordered as its members appear in all.
func inOriginalOrder(all, subset []models.MemoryRecord) []models.MemoryRecord {
	member := make(map[string]models.MemoryRecord, len(subset))
	for _, r := range subset {
		member[r.ID] = r
	}
	out := make([]models.MemoryRecord, 0, len(subset))
	for _, r := range all {
		if m, ok := member[r.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}
