package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"deckplane/internal/logger"
	"deckplane/internal/orchestrator"
	"deckplane/internal/pipeline"
	"deckplane/internal/publish"
	"deckplane/internal/status"
	"deckplane/internal/store"
)

const finishTimeout = 30 * time.Second

// Orchestrator is the part of orchestrator.Orchestrator the runner uses.
type Orchestrator interface {
	StageAndRun(ctx context.Context, req orchestrator.RunRequest, n status.Notifier) (pipeline.Outcome, error)
	OutputDir() string
}

// Publisher uploads the outputs of a run.
type Publisher interface {
	Publish(ctx context.Context, runID string, before publish.Snapshot) ([]publish.Artifact, error)
}

// Runner executes accepted runs in the background and records their progress.
type Runner struct {
	orch      Orchestrator
	runs      store.RunStore
	publisher Publisher
	log       *slog.Logger
	wg        sync.WaitGroup
}

// NewRunner creates a runner. publisher may be nil, in which case outputs are
// recorded without download URLs.
func NewRunner(orch Orchestrator, runs store.RunStore, publisher Publisher, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{orch: orch, runs: runs, publisher: publisher, log: log}
}

// Launch implements handlers.Launcher.
func (r *Runner) Launch(run store.Run, links []string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(context.Background(), run, links)
	}()
}

// Wait blocks until every launched run has been recorded, or ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) execute(ctx context.Context, run store.Run, links []string) {
	ctx = logger.WithRunID(ctx, run.ID)
	log := logger.FromContext(ctx, r.log)

	if err := r.runs.MarkRunStarted(ctx, run.ID); err != nil {
		log.Error("failed to mark run started", "error", err)
	}
	before, err := publish.TakeSnapshot(r.orch.OutputDir())
	if err != nil {
		log.Warn("failed to snapshot output dir, every file will count as output", "error", err)
	}

	out, err := r.orch.StageAndRun(ctx, orchestrator.RunRequest{
		RunID:      run.ID,
		Links:      links,
		ClientName: run.ClientName,
	}, store.EventRecorder{Runs: r.runs})

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	switch {
	case err != nil:
		msg := err.Error()
		r.finish(finishCtx, log, run.ID, store.RunStatusFailed, 0, &msg, nil)
	case !out.Success:
		msg := "run failed"
		if out.Err != nil {
			msg = out.Err.Error()
		}
		r.finish(finishCtx, log, run.ID, store.RunStatusFailed, out.FailedStage, &msg, nil)
	default:
		r.finish(finishCtx, log, run.ID, store.RunStatusSucceeded, 0, nil, r.collect(finishCtx, log, run.ID, before))
	}
}

// collect returns the files the run produced, uploaded when a publisher is configured.
func (r *Runner) collect(ctx context.Context, log *slog.Logger, runID string, before publish.Snapshot) []store.Artifact {
	var (
		files []publish.Artifact
		err   error
	)
	if r.publisher != nil {
		files, err = r.publisher.Publish(ctx, runID, before)
		if err != nil {
			log.Warn("failed to publish outputs, recording local files only", "error", err)
		}
	}
	if r.publisher == nil || err != nil {
		files, err = publish.ListOutputs(r.orch.OutputDir(), before)
		if err != nil {
			log.Error("failed to list outputs", "error", err)
			return nil
		}
	}

	artifacts := make([]store.Artifact, 0, len(files))
	for _, f := range files {
		artifacts = append(artifacts, store.Artifact{RunID: runID, Name: f.Name, Size: f.Size, URL: f.URL})
	}
	return artifacts
}

func (r *Runner) finish(ctx context.Context, log *slog.Logger, runID string, st store.RunStatus, failedStage int, errMsg *string, artifacts []store.Artifact) {
	if err := r.runs.FinishRun(ctx, runID, st, failedStage, errMsg, artifacts); err != nil {
		log.Error("failed to record run result", "status", st, "error", err)
		return
	}
	log.Info("run recorded", "status", st, "failed_stage", failedStage, "artifacts", len(artifacts))
}
