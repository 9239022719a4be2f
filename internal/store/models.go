// Package store contains the persistence layer for deckplane runs.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Run is one submitted pipeline run.
type Run struct {
	ID string
	// Principal is the API token owner that submitted the run. Runs are only
	// visible to their principal.
	Principal  string
	UserID     string
	ClientName string
	Status     RunStatus
	LinkCount  int
	// FailedStage is the 1-based index of the failing stage, 0 otherwise.
	FailedStage  int
	ErrorMessage *string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// RunStatus represents the state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Active reports whether a run still occupies its user's slot.
func (s RunStatus) Active() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// RunEvent is a persisted status notification.
type RunEvent struct {
	ID        int64
	RunID     string
	Kind      string
	Stage     int
	Text      string
	Detail    string
	CreatedAt time.Time
}

// StageLogEntry is a batch of container output lines.
type StageLogEntry struct {
	ID          int64
	RunID       string
	Stage       int
	StageName   string
	Attempt     int
	ContainerID string
	Content     string
	CreatedAt   time.Time
}

// Artifact is a published output of a succeeded run.
type Artifact struct {
	RunID     string
	Name      string
	Size      int64
	URL       string
	CreatedAt time.Time
}
