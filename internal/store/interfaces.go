package store

import (
	"context"
	"database/sql"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// RunStore handles the persistence of runs, their events and their outputs.
type RunStore interface {
	// CreateRunIfIdle inserts run unless the same principal's user already has
	// an active run.
	// It reports whether the run was created.
	CreateRunIfIdle(ctx context.Context, run *Run) (bool, error)

	// MarkRunStarted moves a pending run to running.
	MarkRunStarted(ctx context.Context, id string) error

	// FinishRun records the terminal state of a run together with its artifacts.
	FinishRun(ctx context.Context, id string, status RunStatus, failedStage int, errMsg *string, artifacts []Artifact) error

	// GetRun returns a run by its ID, or ErrNotFound.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns the most recent runs a principal submitted for a user, newest first.
	ListRuns(ctx context.Context, principal, userID string, limit int) ([]Run, error)

	// AddEvent appends a status event to a run.
	AddEvent(ctx context.Context, event *RunEvent) error

	// ListEvents returns a run's events in delivery order.
	ListEvents(ctx context.Context, runID string) ([]RunEvent, error)

	// ListArtifacts returns the published outputs of a run.
	ListArtifacts(ctx context.Context, runID string) ([]Artifact, error)

	// FailActiveRuns marks every pending or running run failed. Used at startup,
	// since runs never survive a process restart.
	FailActiveRuns(ctx context.Context, reason string) (int64, error)
}

// LogStore handles streamed container output.
type LogStore interface {
	// AddStageLog appends a batch of log lines.
	AddStageLog(ctx context.Context, entry *StageLogEntry) error

	// GetStageLogs returns entries with ID greater than afterID, oldest first.
	GetStageLogs(ctx context.Context, runID string, afterID int64, limit int) ([]StageLogEntry, error)
}

// Store is everything the gateway persists.
type Store interface {
	RunStore
	LogStore
	Close() error
}
