package learning

import (
	"context"
	"fmt"

	"github.com/harrison/taskpilot/internal/router"
)

// SaveRoutingOutcome appends one routing outcome. Store satisfies router.OutcomeStore.
func (s *Store) SaveRoutingOutcome(ctx context.Context, outcome router.Outcome) error {
	query := `INSERT INTO routing_outcomes (resource, strategy, confidence, success, recorded_at)
		VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		outcome.Resource,
		string(outcome.Strategy),
		outcome.Confidence,
		boolToInt(outcome.Success),
		outcome.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert routing outcome: %w", err)
	}
	return nil
}

// LoadRoutingStats aggregates stored outcomes per resource, ordered by resource.
// The result seeds router.History at startup.
func (s *Store) LoadRoutingStats(ctx context.Context) ([]router.ResourceStats, error) {
	query := `SELECT resource, SUM(success), COUNT(*)
		FROM routing_outcomes
		GROUP BY resource
		ORDER BY resource ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query routing stats: %w", err)
	}
	defer rows.Close()

	var stats []router.ResourceStats
	for rows.Next() {
		var st router.ResourceStats
		if err := rows.Scan(&st.Resource, &st.Successes, &st.Attempts); err != nil {
			return nil, fmt.Errorf("scan routing stats row: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routing stats rows: %w", err)
	}
	return stats, nil
}
