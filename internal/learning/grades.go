package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harrison/taskpilot/internal/models"
)

// SaveGrade stores a verification result under its execution fingerprint.
// Store satisfies verifier.GradeStore.
func (s *Store) SaveGrade(ctx context.Context, fingerprint string, res models.VerificationResult) error {
	resultJSON, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal verification result: %w", err)
	}

	query := `INSERT OR REPLACE INTO verification_grades
		(fingerprint, execution_id, verified, quality_score, result_json, graded_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		fingerprint,
		res.ExecutionID,
		boolToInt(res.Verified),
		res.QualityScore,
		string(resultJSON),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert verification grade %s: %w", fingerprint, err)
	}
	return nil
}

// LoadGrade returns the result stored under fingerprint. The bool is false
// when nothing was stored.
func (s *Store) LoadGrade(ctx context.Context, fingerprint string) (models.VerificationResult, bool, error) {
	var resultJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT result_json FROM verification_grades WHERE fingerprint = ?`, fingerprint).Scan(&resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return models.VerificationResult{}, false, nil
	}
	if err != nil {
		return models.VerificationResult{}, false, fmt.Errorf("query verification grade %s: %w", fingerprint, err)
	}

	var res models.VerificationResult
	if err := json.Unmarshal([]byte(resultJSON), &res); err != nil {
		return models.VerificationResult{}, false, fmt.Errorf("unmarshal verification grade %s: %w", fingerprint, err)
	}
	return res, true, nil
}
