package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harrison/taskpilot/internal/models"
)

// ExperienceStats summarizes stored experiences.
type ExperienceStats struct {
	Total       int
	Succeeded   int
	MeanQuality float64
}

// SaveExperience stores an experience snapshot. Saving an existing id replaces it.
func (s *Store) SaveExperience(ctx context.Context, e models.Experience) error {
	planJSON, err := json.Marshal(e.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	execJSON, err := json.Marshal(e.Execution)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	verJSON, err := json.Marshal(e.Verification)
	if err != nil {
		return fmt.Errorf("marshal verification: %w", err)
	}

	query := `INSERT OR REPLACE INTO experiences
		(id, goal, plan_json, execution_json, verification_json, importance, success, quality_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.Plan.Goal,
		string(planJSON),
		string(execJSON),
		string(verJSON),
		e.ImportanceScore,
		boolToInt(e.Succeeded()),
		e.Verification.QualityScore,
		e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert experience %s: %w", e.ID, err)
	}
	return nil
}

// GetExperience loads one experience by id. Returns ErrNotFound when absent.
func (s *Store) GetExperience(ctx context.Context, id string) (models.Experience, error) {
	query := `SELECT id, plan_json, execution_json, verification_json, importance, created_at
		FROM experiences WHERE id = ?`

	e, err := scanExperience(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Experience{}, fmt.Errorf("experience %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Experience{}, err
	}
	return e, nil
}

// LoadExperiences returns stored experiences, most recent first.
// limit <= 0 returns all of them.
func (s *Store) LoadExperiences(ctx context.Context, limit int) ([]models.Experience, error) {
	query := `SELECT id, plan_json, execution_json, verification_json, importance, created_at
		FROM experiences
		ORDER BY created_at DESC, id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query experiences: %w", err)
	}
	defer rows.Close()

	var out []models.Experience
	for rows.Next() {
		e, err := scanExperience(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate experience rows: %w", err)
	}
	return out, nil
}

// GetExperienceStats returns counts and mean quality over all experiences.
func (s *Store) GetExperienceStats(ctx context.Context) (ExperienceStats, error) {
	var stats ExperienceStats
	var succeeded sql.NullInt64
	var mean sql.NullFloat64
	query := `SELECT COUNT(*), SUM(success), AVG(quality_score) FROM experiences`
	if err := s.db.QueryRowContext(ctx, query).Scan(&stats.Total, &succeeded, &mean); err != nil {
		return ExperienceStats{}, fmt.Errorf("query experience stats: %w", err)
	}
	stats.Succeeded = int(succeeded.Int64)
	stats.MeanQuality = mean.Float64
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperience(row rowScanner) (models.Experience, error) {
	var e models.Experience
	var planJSON, execJSON, verJSON string
	if err := row.Scan(&e.ID, &planJSON, &execJSON, &verJSON, &e.ImportanceScore, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan experience row: %w", err)
	}
	if err := json.Unmarshal([]byte(planJSON), &e.Plan); err != nil {
		return e, fmt.Errorf("unmarshal plan for %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(execJSON), &e.Execution); err != nil {
		return e, fmt.Errorf("unmarshal execution for %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(verJSON), &e.Verification); err != nil {
		return e, fmt.Errorf("unmarshal verification for %s: %w", e.ID, err)
	}
	return e, nil
}
