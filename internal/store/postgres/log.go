package postgres

import (
	"context"

	"deckplane/internal/store"
)

func (s *Store) AddStageLog(ctx context.Context, entry *store.StageLogEntry) error {
	query := `
		INSERT INTO stage_logs (run_id, stage, stage_name, attempt, container_id, content)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.RunID, entry.Stage, entry.StageName, entry.Attempt, entry.ContainerID, entry.Content,
	)
	return err
}

func (s *Store) GetStageLogs(ctx context.Context, runID string, afterID int64, limit int) ([]store.StageLogEntry, error) {
	query := `
		SELECT id, run_id, stage, stage_name, attempt, container_id, content, created_at
		FROM stage_logs
		WHERE run_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, runID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []store.StageLogEntry
	for rows.Next() {
		var e store.StageLogEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.StageName, &e.Attempt, &e.ContainerID, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, e)
	}

	return logs, rows.Err()
}
