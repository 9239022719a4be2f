// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the gateway.
package api

import "time"

// CreateRunRequest is the request body for submitting a new run.
type CreateRunRequest struct {
	// UserID identifies the end user the run is submitted for.
	// At most one run per user is active at a time.
	UserID     string   `json:"user_id"`
	ClientName string   `json:"client_name"`
	Links      []string `json:"links"`
}

// CreateRunResponse is the response body after submitting a run.
type CreateRunResponse struct {
	RunID string `json:"run_id"`
}

// RunEvent is one status notification of a run.
type RunEvent struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Stage     int       `json:"stage,omitempty"`
	Text      string    `json:"text"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is a produced presentation of a succeeded run.
type Artifact struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url,omitempty"`
}

// RunResponse represents a run in API responses.
type RunResponse struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	ClientName  string     `json:"client_name"`
	Status      string     `json:"status"`
	LinkCount   int        `json:"link_count"`
	FailedStage int        `json:"failed_stage,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Events      []RunEvent `json:"events"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
}

// ListRunsResponse is the response body for a user's run history.
type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// LogEntry is a batch of container output lines.
type LogEntry struct {
	ID          int64     `json:"id"`
	Stage       int       `json:"stage"`
	StageName   string    `json:"stage_name"`
	Attempt     int       `json:"attempt"`
	ContainerID string    `json:"container_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// GetLogsResponse is the response body for fetching logs.
type GetLogsResponse struct {
	Logs []LogEntry `json:"logs"`
}

// OutputFile describes a file in the output directory.
type OutputFile struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListOutputsResponse is the response body for listing produced files.
type ListOutputsResponse struct {
	Outputs []OutputFile `json:"outputs"`
}
