// Package memory implements bounded episodic and semantic memory: importance
// scoring, similarity retrieval, consolidation and forgetting.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/taskpilot/internal/config"
	"github.com/harrison/taskpilot/internal/embedding"
	"github.com/harrison/taskpilot/internal/filelock"
	"github.com/harrison/taskpilot/internal/llm"
	"github.com/harrison/taskpilot/internal/metrics"
	"github.com/harrison/taskpilot/internal/models"
)

// Persister durably stores memory records.
type Persister interface {
	SaveMemoryRecord(ctx context.Context, rec models.MemoryRecord) error
	DeleteMemoryRecord(ctx context.Context, id string) error
	LoadMemoryRecords(ctx context.Context) ([]models.MemoryRecord, error)
}

// Logger is the logging surface the memory store needs.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
}

// Options wires the store's collaborators. Every field except Config is optional.
type Options struct {
	Config    config.MemoryConfig
	Index     embedding.Index // nil uses a KeywordIndex; wrapped in a FallbackIndex
	Generator llm.Generator   // used by the abstract strategy
	Persister Persister
	Metrics   *metrics.Metrics
	Logger    Logger
	Now       func() time.Time
}

// snapshot is an immutable view of both tiers. Writers publish a new one.
type snapshot struct {
	episodic []models.MemoryRecord
	semantic []models.MemoryRecord
}

func (s *snapshot) byID() map[string]models.MemoryRecord {
	out := make(map[string]models.MemoryRecord, len(s.episodic)+len(s.semantic))
	for _, r := range s.episodic {
		out[r.ID] = r
	}
	for _, r := range s.semantic {
		out[r.ID] = r
	}
	return out
}

// Stats summarizes the store.
type Stats struct {
	Episodic          int
	Semantic          int
	MeanImportance    float64
	Protected         int // Records at or above the forgetting threshold
	OverCapacity      bool
	LastConsolidation time.Time
}

// Store is the memory store. Reads use the current snapshot without locking;
// writes are serialized by mu, and StoreExperience also holds a per-id lock
// while indexing and persisting.
type Store struct {
	cfg     config.MemoryConfig
	index   embedding.Index
	gen     llm.Generator
	persist Persister
	metrics *metrics.Metrics
	logger  Logger
	now     func() time.Time

	mu                sync.Mutex
	keys              *filelock.KeyLocks
	snap              atomic.Pointer[snapshot]
	lastConsolidation time.Time
}

// NewStore creates an empty memory store.
func NewStore(opts Options) *Store {
	s := &Store{
		cfg:     opts.Config,
		index:   embedding.NewFallbackIndex(opts.Index),
		gen:     opts.Generator,
		persist: opts.Persister,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
		keys:    filelock.NewKeyLocks(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.lastConsolidation = s.now()
	s.snap.Store(&snapshot{})
	return s
}

// Load replaces the in-memory tiers with the persisted records and indexes them.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	records, err := s.persist.LoadMemoryRecords(ctx)
	if err != nil {
		return fmt.Errorf("load memory records: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := &snapshot{}
	for _, rec := range records {
		s.indexRecord(ctx, rec)
		switch rec.Kind {
		case models.MemoryEpisodic:
			next.episodic = append(next.episodic, rec)
		case models.MemorySemantic:
			next.semantic = append(next.semantic, rec)
		}
	}
	s.publish(next)
	s.logInfo(fmt.Sprintf("memory loaded: %d episodic, %d semantic", len(next.episodic), len(next.semantic)))
	return nil
}

// Importance scores an experience as of now.
func (s *Store) Importance(e models.Experience) float64 {
	success := 0.0
	if e.Succeeded() {
		success = 1
	}
	return Importance(e.Verification.QualityScore, success, e.CreatedAt, s.now(), s.cfg.RecencyHalfLife)
}

// StoreExperience scores e and inserts it as an episodic record. When the
// episodic tier is over capacity, the lowest-importance records below the
// forgetting threshold are evicted, which may include e itself.
func (s *Store) StoreExperience(ctx context.Context, e models.Experience) (models.MemoryRecord, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.ImportanceScore = s.Importance(e)

	rec := models.MemoryRecord{
		ID:         e.ID,
		Kind:       models.MemoryEpisodic,
		Experience: &e,
		Importance: e.ImportanceScore,
		CreatedAt:  e.CreatedAt,
	}

	unlock := s.keys.Lock(rec.ID)
	defer unlock()

	s.indexRecord(ctx, rec)
	if s.persist != nil {
		if err := s.persist.SaveMemoryRecord(ctx, rec); err != nil {
			s.index.Remove(ctx, rec.ID)
			return models.MemoryRecord{}, fmt.Errorf("persist experience %s: %w", rec.ID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	next := &snapshot{
		episodic: replaceOrAppend(cur.episodic, rec),
		semantic: cur.semantic,
	}

	var evicted []models.MemoryRecord
	next.episodic, evicted = s.forget(next.episodic, s.cfg.ShortTermCapacity)
	s.publish(next)
	s.dropRecords(ctx, evicted)
	s.metrics.ObserveEvictions(string(models.MemoryEpisodic), len(evicted))

	return rec, nil
}

// RetrieveSimilar returns up to topK records across both tiers whose
// similarity to query is at least minSimilarity, ranked by
// similarity * importance.
func (s *Store) RetrieveSimilar(ctx context.Context, query string, topK int, minSimilarity float64) ([]models.ScoredRecord, error) {
	snap := s.snap.Load()
	total := len(snap.episodic) + len(snap.semantic)
	if topK <= 0 || total == 0 {
		return nil, nil
	}
	records := snap.byID()

	similarity := make(map[string]float64, total)
	matches, err := s.index.Search(ctx, query, total)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logWarn(fmt.Sprintf("memory index search failed, using keyword similarity: %v", err))
		for id, rec := range records {
			similarity[id] = embedding.Similarity(query, rec.Text())
		}
	} else {
		for _, m := range matches {
			similarity[m.ID] = m.Similarity
		}
	}

	var out []models.ScoredRecord
	for id, sim := range similarity {
		rec, ok := records[id]
		if !ok || sim <= 0 || sim < minSimilarity {
			continue
		}
		imp := rec.Importance
		if imp < minRankImportance {
			imp = minRankImportance
		}
		out = append(out, models.ScoredRecord{Record: rec, Similarity: sim, Score: sim * imp})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.After(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// SimilarExperiences returns the experiences behind the top episodic hits.
func (s *Store) SimilarExperiences(ctx context.Context, query string, topK int, minSimilarity float64) ([]models.Experience, error) {
	hits, err := s.RetrieveSimilar(ctx, query, topK, minSimilarity)
	if err != nil {
		return nil, err
	}
	var out []models.Experience
	for _, h := range hits {
		if h.Record.Kind == models.MemoryEpisodic && h.Record.Experience != nil {
			out = append(out, *h.Record.Experience)
		}
	}
	return out, nil
}

// Records returns every record, episodic first, each tier in insertion order.
func (s *Store) Records() []models.MemoryRecord {
	snap := s.snap.Load()
	out := make([]models.MemoryRecord, 0, len(snap.episodic)+len(snap.semantic))
	out = append(out, snap.episodic...)
	return append(out, snap.semantic...)
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (models.MemoryRecord, bool) {
	rec, ok := s.snap.Load().byID()[id]
	return rec, ok
}

// Stats returns counts and importance figures for the current snapshot.
func (s *Store) Stats() Stats {
	snap := s.snap.Load()

	s.mu.Lock()
	last := s.lastConsolidation
	s.mu.Unlock()

	st := Stats{
		Episodic:          len(snap.episodic),
		Semantic:          len(snap.semantic),
		LastConsolidation: last,
		OverCapacity:      len(snap.episodic) > s.cfg.ShortTermCapacity || len(snap.semantic) > s.cfg.LongTermCapacity,
	}
	var sum float64
	for _, tier := range [][]models.MemoryRecord{snap.episodic, snap.semantic} {
		for _, r := range tier {
			sum += r.Importance
			if r.Importance >= s.cfg.ForgettingThreshold {
				st.Protected++
			}
		}
	}
	if n := st.Episodic + st.Semantic; n > 0 {
		st.MeanImportance = sum / float64(n)
	}
	return st
}

// ShouldConsolidate reports whether the consolidation interval has elapsed
// or the episodic tier has reached its capacity.
func (s *Store) ShouldConsolidate() bool {
	snap := s.snap.Load()
	if s.cfg.ShortTermCapacity > 0 && len(snap.episodic) >= s.cfg.ShortTermCapacity {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ConsolidationInterval > 0 && s.now().Sub(s.lastConsolidation) >= s.cfg.ConsolidationInterval
}

// exportFile is the JSON layout written by Export.
type exportFile struct {
	ExportedAt time.Time             `json:"exported_at"`
	Episodic   []models.MemoryRecord `json:"episodic"`
	Semantic   []models.MemoryRecord `json:"semantic"`
}

// Export writes both tiers as JSON to path under a file lock.
func (s *Store) Export(ctx context.Context, path string) error {
	snap := s.snap.Load()
	return filelock.WriteJSON(ctx, path, exportFile{
		ExportedAt: s.now().UTC(),
		Episodic:   snap.episodic,
		Semantic:   snap.semantic,
	})
}

// forget evicts the lowest-importance records below the forgetting threshold
// until records fits capacity. Records keep their relative order.
func (s *Store) forget(records []models.MemoryRecord, capacity int) (kept, evicted []models.MemoryRecord) {
	excess := len(records) - capacity
	if capacity <= 0 || excess <= 0 {
		return records, nil
	}

	var candidates []int
	for i, r := range records {
		if r.Importance < s.cfg.ForgettingThreshold {
			candidates = append(candidates, i)
		}
	}
	// lowest importance first; older first on ties
	sort.SliceStable(candidates, func(a, b int) bool {
		ra, rb := records[candidates[a]], records[candidates[b]]
		if ra.Importance != rb.Importance {
			return ra.Importance < rb.Importance
		}
		return ra.CreatedAt.Before(rb.CreatedAt)
	})
	if len(candidates) > excess {
		candidates = candidates[:excess]
	}

	drop := make(map[int]bool, len(candidates))
	for _, i := range candidates {
		drop[i] = true
	}
	kept = make([]models.MemoryRecord, 0, len(records)-len(drop))
	for i, r := range records {
		if drop[i] {
			evicted = append(evicted, r)
		} else {
			kept = append(kept, r)
		}
	}
	return kept, evicted
}

// indexRecord adds rec to the index. A failing embedding backend leaves the
// record in the keyword shadow, so it is logged and not returned.
func (s *Store) indexRecord(ctx context.Context, rec models.MemoryRecord) {
	if err := s.index.Add(ctx, rec.ID, rec.Text(), indexMetadata(rec)); err != nil {
		s.logWarn(fmt.Sprintf("index memory record %s, using keyword similarity for it: %v", rec.ID, err))
	}
}

// dropRecords removes records from the index and the persister. Failures are
// logged; the records are already gone from memory.
func (s *Store) dropRecords(ctx context.Context, records []models.MemoryRecord) {
	for _, r := range records {
		if err := s.index.Remove(ctx, r.ID); err != nil {
			s.logWarn(fmt.Sprintf("remove %s from memory index: %v", r.ID, err))
		}
		if s.persist != nil {
			if err := s.persist.DeleteMemoryRecord(ctx, r.ID); err != nil {
				s.logWarn(fmt.Sprintf("delete memory record %s: %v", r.ID, err))
			}
		}
	}
}

// publish installs next as the current snapshot. Callers hold mu.
func (s *Store) publish(next *snapshot) {
	s.snap.Store(next)
	s.metrics.SetMemoryRecords(string(models.MemoryEpisodic), len(next.episodic))
	s.metrics.SetMemoryRecords(string(models.MemorySemantic), len(next.semantic))
}

func (s *Store) logInfo(msg string) {
	if s.logger != nil {
		s.logger.LogInfo(msg)
	}
}

func (s *Store) logWarn(msg string) {
	if s.logger != nil {
		s.logger.LogWarn(msg)
	}
}

func replaceOrAppend(records []models.MemoryRecord, rec models.MemoryRecord) []models.MemoryRecord {
	out := make([]models.MemoryRecord, 0, len(records)+1)
	replaced := false
	for _, r := range records {
		if r.ID == rec.ID {
			out = append(out, rec)
			replaced = true
			continue
		}
		out = append(out, r)
	}
	if !replaced {
		out = append(out, rec)
	}
	return out
}

func indexMetadata(rec models.MemoryRecord) map[string]string {
	return map[string]string{"kind": string(rec.Kind)}
}
