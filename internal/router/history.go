package router

import (
	"sort"
	"sync"
)

// ResourceStats is the observed success record for one resource.
type ResourceStats struct {
	Resource  string
	Successes int
	Attempts  int
}

// Rate returns the Laplace-smoothed success rate. An unseen resource rates 0.5.
func (s ResourceStats) Rate() float64 {
	return float64(s.Successes+1) / float64(s.Attempts+2)
}

// History tracks per-resource routing outcomes. It is injected into the
// router so tests and separate orchestrators never share state.
type History struct {
	mu    sync.RWMutex
	stats map[string]*ResourceStats
}

// NewHistory creates an empty routing history.
func NewHistory() *History {
	return &History{stats: make(map[string]*ResourceStats)}
}

// Record adds one outcome for resource.
func (h *History) Record(resource string, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.stats[resource]
	if !ok {
		s = &ResourceStats{Resource: resource}
		h.stats[resource] = s
	}
	s.Attempts++
	if success {
		s.Successes++
	}
}

// Restore seeds the history from persisted counts, replacing what was there.
func (h *History) Restore(stats []ResourceStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range stats {
		copied := s
		h.stats[s.Resource] = &copied
	}
}

// Rate returns the smoothed success rate and the number of observations.
func (h *History) Rate(resource string) (float64, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.stats[resource]
	if !ok {
		return ResourceStats{}.Rate(), 0
	}
	return s.Rate(), s.Attempts
}

// Snapshot returns a copy of all stats sorted by resource.
func (h *History) Snapshot() []ResourceStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ResourceStats, 0, len(h.stats))
	for _, s := range h.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}
