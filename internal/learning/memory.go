package learning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harrison/taskpilot/internal/models"
)

// SaveMemoryRecord inserts or replaces a memory record. The payload column
// holds the wrapped Experience or Summary, matching the record kind.
func (s *Store) SaveMemoryRecord(ctx context.Context, rec models.MemoryRecord) error {
	var payload any
	switch rec.Kind {
	case models.MemoryEpisodic:
		if rec.Experience == nil {
			return fmt.Errorf("memory record %s: episodic record has no experience", rec.ID)
		}
		payload = rec.Experience
	case models.MemorySemantic:
		if rec.Summary == nil {
			return fmt.Errorf("memory record %s: semantic record has no summary", rec.ID)
		}
		payload = rec.Summary
	default:
		return fmt.Errorf("memory record %s: unknown kind %q", rec.ID, rec.Kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal memory record %s: %w", rec.ID, err)
	}

	query := `INSERT OR REPLACE INTO memory_records (id, kind, importance, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, rec.ID, string(rec.Kind), rec.Importance, string(data), rec.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert memory record %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteMemoryRecord removes a memory record. Deleting an unknown id is not an error.
func (s *Store) DeleteMemoryRecord(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete memory record %s: %w", id, err)
	}
	return nil
}

// LoadMemoryRecords returns every memory record, oldest first.
func (s *Store) LoadMemoryRecords(ctx context.Context) ([]models.MemoryRecord, error) {
	query := `SELECT id, kind, importance, payload_json, created_at
		FROM memory_records
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query memory records: %w", err)
	}
	defer rows.Close()

	var records []models.MemoryRecord
	for rows.Next() {
		var rec models.MemoryRecord
		var kind, data string
		if err := rows.Scan(&rec.ID, &kind, &rec.Importance, &data, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory record row: %w", err)
		}
		rec.Kind = models.MemoryKind(kind)

		switch rec.Kind {
		case models.MemoryEpisodic:
			rec.Experience = &models.Experience{}
			if err := json.Unmarshal([]byte(data), rec.Experience); err != nil {
				return nil, fmt.Errorf("unmarshal experience for %s: %w", rec.ID, err)
			}
		case models.MemorySemantic:
			rec.Summary = &models.Summary{}
			if err := json.Unmarshal([]byte(data), rec.Summary); err != nil {
				return nil, fmt.Errorf("unmarshal summary for %s: %w", rec.ID, err)
			}
		default:
			return nil, fmt.Errorf("memory record %s: unknown kind %q", rec.ID, kind)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory record rows: %w", err)
	}
	return records, nil
}
