package models

import "time"

// Experience is an immutable snapshot of one plan/execute/verify cycle.
type Experience struct {
	ID              string
	Plan            Plan
	Execution       ExecutionResult
	Verification    VerificationResult
	ImportanceScore float64
	CreatedAt       time.Time
}

// Succeeded reports whether the experience's execution succeeded.
func (e Experience) Succeeded() bool {
	return e.Execution.Success
}

// MemoryKind tags a MemoryRecord variant.
type MemoryKind string

const (
	// MemoryEpisodic wraps a single Experience.
	MemoryEpisodic MemoryKind = "episodic"
	// MemorySemantic wraps a consolidated Summary.
	MemorySemantic MemoryKind = "semantic"
)

// ConsolidationStrategy selects how episodic records are promoted.
type ConsolidationStrategy string

// Consolidation strategies
const (
	StrategyCompress     ConsolidationStrategy = "compress"
	StrategyAbstract     ConsolidationStrategy = "abstract"
	StrategyPrune        ConsolidationStrategy = "prune"
	StrategyHierarchical ConsolidationStrategy = "hierarchical"
)

// ParseConsolidationStrategy maps a name to a strategy.
func ParseConsolidationStrategy(s string) (ConsolidationStrategy, bool) {
	switch ConsolidationStrategy(s) {
	case StrategyCompress, StrategyAbstract, StrategyPrune, StrategyHierarchical:
		return ConsolidationStrategy(s), true
	}
	return "", false
}

// Summary is the semantic form of one or more consolidated experiences.
type Summary struct {
	Text         string                // Consolidated description
	Goal         string                // Representative goal text
	Keywords     []string              // Normalized goal keywords
	Actions      []string              // Representative step actions
	SourceIDs    []string              // Experiences folded into this summary
	Strategy     ConsolidationStrategy // Strategy that produced it
	SuccessRatio float64               // Fraction of sources that succeeded
	MeanQuality  float64               // Mean verification quality of sources
}

// MemoryRecord is a tagged variant: exactly one of Experience or Summary is set,
// matching Kind.
type MemoryRecord struct {
	ID         string
	Kind       MemoryKind
	Experience *Experience
	Summary    *Summary
	Importance float64
	CreatedAt  time.Time
}

// Text returns the text used for similarity matching.
func (r MemoryRecord) Text() string {
	switch r.Kind {
	case MemoryEpisodic:
		if r.Experience != nil {
			return r.Experience.Plan.Goal
		}
	case MemorySemantic:
		if r.Summary != nil {
			if r.Summary.Goal != "" {
				return r.Summary.Goal
			}
			return r.Summary.Text
		}
	}
	return ""
}

// ScoredRecord is a retrieval hit.
type ScoredRecord struct {
	Record     MemoryRecord
	Similarity float64
	Score      float64 // Similarity * importance
}
