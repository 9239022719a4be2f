package store

import (
	"context"

	"deckplane/internal/pipeline"
	"deckplane/internal/status"
)

// LogSink adapts a LogStore to the pipeline's log forwarding.
type LogSink struct {
	Logs LogStore
}

// AppendStageLog implements pipeline.LogSink.
func (s LogSink) AppendStageLog(ctx context.Context, chunk pipeline.LogChunk) error {
	return s.Logs.AddStageLog(ctx, &StageLogEntry{
		RunID:       chunk.RunID,
		Stage:       chunk.Stage,
		StageName:   chunk.StageName,
		Attempt:     chunk.Attempt,
		ContainerID: chunk.ContainerID,
		Content:     chunk.Content,
	})
}

// EventRecorder persists status events of runs.
type EventRecorder struct {
	Runs RunStore
}

// Notify implements status.Notifier.
func (r EventRecorder) Notify(ctx context.Context, e status.Event) error {
	return r.Runs.AddEvent(ctx, &RunEvent{
		RunID:     e.RunID,
		Kind:      string(e.Kind),
		Stage:     e.Stage,
		Text:      e.Text,
		Detail:    e.Detail,
		CreatedAt: e.At,
	})
}
