package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// StageLog is the captured output of the last attempt of one stage.
type StageLog struct {
	Stage       int       `json:"stage"`
	Name        string    `json:"name"`
	Attempts    int       `json:"attempts"`
	ContainerID string    `json:"container_id,omitempty"`
	ExitCode    int       `json:"exit_code"`
	Output      string    `json:"output"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// RunContext is the mutable state of one run. It is owned by the goroutine
// executing the run.
type RunContext struct {
	ID         string
	ClientName string
	Stages     []StageSpec
	// Current is the 1-based index of the stage being executed, 0 before the first.
	Current int
	Status  Status
	Logs    []StageLog
}

// NewRunContext creates a pending run with a fresh ID.
func NewRunContext(clientName string) *RunContext {
	return &RunContext{
		ID:         uuid.NewString(),
		ClientName: clientName,
		Status:     StatusPending,
	}
}

// Outcome is the terminal result of a run.
type Outcome struct {
	RunID   string
	Status  Status
	Success bool
	// FailedStage is the 1-based index of the failing stage, 0 on success
	// or when the run failed before any stage started.
	FailedStage int
	Logs        []StageLog
	Err         error
}

// LogChunk is a batch of container output lines.
type LogChunk struct {
	RunID       string
	Stage       int
	StageName   string
	Attempt     int
	ContainerID string
	Content     string
}

// LogSink persists streamed container output. Sink errors are logged and never fail a stage.
type LogSink interface {
	AppendStageLog(ctx context.Context, chunk LogChunk) error
}
