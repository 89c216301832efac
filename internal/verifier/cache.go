package verifier

import (
	"fmt"
	"maps"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/harrison/taskpilot/internal/models"
)

// Fingerprint hashes everything verification depends on: the plan's steps
// and the execution's per-step outcomes. Timings are excluded so a replayed
// execution maps to the same key.
func Fingerprint(plan models.Plan, exec models.ExecutionResult) string {
	hasher := blake3.New()
	fmt.Fprintf(hasher, "exec=%s plan=%s goal=%q\n", exec.ID, plan.ID, plan.Goal)
	for _, st := range plan.Steps {
		fmt.Fprintf(hasher, "step id=%q action=%q out=%q required=%t params=%s\n",
			st.ID, st.Action, st.ExpectedOutputKey, st.Required, formatParams(st.Parameters))
	}
	for _, r := range exec.StepResults {
		fmt.Fprintf(hasher, "result id=%q status=%s output=%v error=%q\n",
			r.StepID, r.Status, r.Output, r.Error)
	}
	fmt.Fprintf(hasher, "success=%t final=%v\n", exec.Success, exec.FinalOutput)
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// resultCache is a bounded map of fingerprints to results. The oldest
// entry is dropped when full.
type resultCache struct {
	mu      sync.RWMutex
	entries map[string]models.VerificationResult
	order   []string
	size    int
}

func newResultCache(size int) *resultCache {
	if size <= 0 {
		size = 256
	}
	return &resultCache{
		entries: make(map[string]models.VerificationResult, size),
		size:    size,
	}
}

func (c *resultCache) Get(key string) (models.VerificationResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	res, ok := c.entries[key]
	if !ok {
		return models.VerificationResult{}, false
	}
	return cloneResult(res), true
}

func (c *resultCache) Set(key string, res models.VerificationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= c.size {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cloneResult(res)
}

func (c *resultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cloneResult(r models.VerificationResult) models.VerificationResult {
	out := r
	out.Issues = append([]models.Issue(nil), r.Issues...)
	out.Checks = maps.Clone(r.Checks)
	return out
}
