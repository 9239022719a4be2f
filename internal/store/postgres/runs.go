package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"deckplane/internal/store"
)

const runColumns = "id, principal, user_id, client_name, status, link_count, failed_stage, error_message, created_at, started_at, finished_at"

func (s *Store) CreateRunIfIdle(ctx context.Context, run *store.Run) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	active, err := s.countActiveRuns(ctx, tx, run.Principal, run.UserID)
	if err != nil {
		return false, err
	}
	if active > 0 {
		return false, nil
	}

	query := `
		INSERT INTO runs (id, principal, user_id, client_name, status, link_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.ExecContext(ctx, query,
		run.ID, run.Principal, run.UserID, run.ClientName, run.Status, run.LinkCount, run.CreatedAt,
	); err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) countActiveRuns(ctx context.Context, tx store.DBTransaction, principal, userID string) (int64, error) {
	executor := s.getExecutor(tx)

	// Serialize submissions of the same user for the rest of the transaction.
	if _, err := executor.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`, principal, userID); err != nil {
		return 0, err
	}

	var count int64
	err := executor.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE principal = $1 AND user_id = $2 AND status IN ($3, $4)`,
		principal, userID, store.RunStatusPending, store.RunStatusRunning,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) MarkRunStarted(ctx context.Context, id string) error {
	query := `UPDATE runs SET status = $1, started_at = NOW() WHERE id = $2 AND status = $3`
	res, err := s.db.ExecContext(ctx, query, store.RunStatusRunning, id, store.RunStatusPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, id string, status store.RunStatus, failedStage int, errMsg *string, artifacts []store.Artifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		UPDATE runs
		SET status = $1, failed_stage = $2, error_message = $3, finished_at = NOW()
		WHERE id = $4
	`
	res, err := tx.ExecContext(ctx, query, status, failedStage, errMsg, id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return store.ErrNotFound
	}

	for _, a := range artifacts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_artifacts (run_id, name, size, url) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (run_id, name) DO UPDATE SET size = EXCLUDED.size, url = EXCLUDED.url`,
			id, a.Name, a.Size, a.URL,
		); err != nil {
			return fmt.Errorf("insert artifact %s: %w", a.Name, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE id = $1"

	var r store.Run
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.Principal, &r.UserID, &r.ClientName, &r.Status, &r.LinkCount,
		&r.FailedStage, &r.ErrorMessage, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListRuns(ctx context.Context, principal, userID string, limit int) ([]store.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE principal = $1 AND user_id = $2 ORDER BY created_at DESC LIMIT $3"

	rows, err := s.db.QueryContext(ctx, query, principal, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var r store.Run
		if err := rows.Scan(
			&r.ID, &r.Principal, &r.UserID, &r.ClientName, &r.Status, &r.LinkCount,
			&r.FailedStage, &r.ErrorMessage, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) AddEvent(ctx context.Context, event *store.RunEvent) error {
	query := `
		INSERT INTO run_events (run_id, kind, stage, text, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	return s.db.QueryRowContext(ctx, query,
		event.RunID, event.Kind, event.Stage, event.Text, event.Detail, event.CreatedAt,
	).Scan(&event.ID)
}

func (s *Store) ListEvents(ctx context.Context, runID string) ([]store.RunEvent, error) {
	query := `
		SELECT id, run_id, kind, stage, text, detail, created_at
		FROM run_events
		WHERE run_id = $1
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.RunEvent
	for rows.Next() {
		var e store.RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Kind, &e.Stage, &e.Text, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]store.Artifact, error) {
	query := `SELECT run_id, name, size, url, created_at FROM run_artifacts WHERE run_id = $1 ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []store.Artifact
	for rows.Next() {
		var a store.Artifact
		if err := rows.Scan(&a.RunID, &a.Name, &a.Size, &a.URL, &a.CreatedAt); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func (s *Store) FailActiveRuns(ctx context.Context, reason string) (int64, error) {
	query := `
		UPDATE runs
		SET status = $1, error_message = $2, finished_at = NOW()
		WHERE status IN ($3, $4)
	`
	res, err := s.db.ExecContext(ctx, query, store.RunStatusFailed, reason, store.RunStatusPending, store.RunStatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
