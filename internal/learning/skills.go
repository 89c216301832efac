package learning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harrison/taskpilot/internal/models"
)

// SaveSkill inserts or updates a skill by name.
func (s *Store) SaveSkill(ctx context.Context, skill models.Skill) error {
	data, err := json.Marshal(skill)
	if err != nil {
		return fmt.Errorf("marshal skill %s: %w", skill.Name, err)
	}

	query := `INSERT INTO skills (name, description, skill_json, success_rate, usage_count, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			skill_json = excluded.skill_json,
			success_rate = excluded.success_rate,
			usage_count = excluded.usage_count,
			last_used = excluded.last_used`

	_, err = s.db.ExecContext(ctx, query,
		skill.Name,
		skill.Description,
		string(data),
		skill.SuccessRate,
		skill.UsageCount,
		skill.CreatedAt.UTC(),
		skill.LastUsed.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert skill %s: %w", skill.Name, err)
	}
	return nil
}

// LoadSkills returns every stored skill ordered by name.
func (s *Store) LoadSkills(ctx context.Context) ([]models.Skill, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT skill_json FROM skills ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query skills: %w", err)
	}
	defer rows.Close()

	var skills []models.Skill
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan skill row: %w", err)
		}
		var skill models.Skill
		if err := json.Unmarshal([]byte(data), &skill); err != nil {
			return nil, fmt.Errorf("unmarshal skill: %w", err)
		}
		skills = append(skills, skill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate skill rows: %w", err)
	}
	return skills, nil
}

// DeleteSkill removes a skill. Deleting an unknown name is not an error.
func (s *Store) DeleteSkill(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete skill %s: %w", name, err)
	}
	return nil
}
