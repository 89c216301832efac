package memory

import (
	"math"
	"time"

	"github.com/harrison/taskpilot/internal/models"
)

// Importance weights
const (
	qualityWeight = 0.5
	recencyWeight = 0.3
	successWeight = 0.2

	// minRankImportance keeps exact matches from being zeroed by a tiny importance.
	minRankImportance = 0.01
)

// Recency returns exp(-age/halfLife * ln2): 1.0 for a new record, 0.5 after one half-life.
func Recency(createdAt, now time.Time, halfLife time.Duration) float64 {
	age := now.Sub(createdAt)
	if age <= 0 || halfLife <= 0 {
		return 1
	}
	return math.Exp(-float64(age) / float64(halfLife) * math.Ln2)
}

// Importance combines quality, recency and success into a retention score in [0,1].
// success is 0 or 1 for an experience and a success ratio for a summary.
func Importance(quality, success float64, createdAt, now time.Time, halfLife time.Duration) float64 {
	score := qualityWeight*clamp01(quality) +
		recencyWeight*Recency(createdAt, now, halfLife) +
		successWeight*clamp01(success)
	return clamp01(score)
}

// recordImportance scores a record as of now.
func recordImportance(rec models.MemoryRecord, now time.Time, halfLife time.Duration) float64 {
	switch rec.Kind {
	case models.MemoryEpisodic:
		if rec.Experience != nil {
			success := 0.0
			if rec.Experience.Succeeded() {
				success = 1
			}
			return Importance(rec.Experience.Verification.QualityScore, success, rec.CreatedAt, now, halfLife)
		}
	case models.MemorySemantic:
		if rec.Summary != nil {
			return Importance(rec.Summary.MeanQuality, rec.Summary.SuccessRatio, rec.CreatedAt, now, halfLife)
		}
	}
	return rec.Importance
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
