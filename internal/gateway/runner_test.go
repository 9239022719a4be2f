package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"deckplane/internal/orchestrator"
	"deckplane/internal/pipeline"
	"deckplane/internal/publish"
	"deckplane/internal/status"
	"deckplane/internal/store"
	"deckplane/internal/store/memory"
)

// fakeOrchestrator emits a fixed event sequence and writes outputs on success.
type fakeOrchestrator struct {
	outputDir string
	outcome   pipeline.Outcome
	err       error
	outputs   []string

	// outputTime backdates written outputs when set, as a container clock behind the host would.
	outputTime time.Time
	got        orchestrator.RunRequest
}

func (f *fakeOrchestrator) StageAndRun(ctx context.Context, req orchestrator.RunRequest, n status.Notifier) (pipeline.Outcome, error) {
	f.got = req
	n.Notify(ctx, status.Event{Kind: status.RunStarted, RunID: req.RunID, Text: "start", At: time.Now()})
	if f.err != nil {
		n.Notify(ctx, status.Event{Kind: status.RunFailed, RunID: req.RunID, Text: f.err.Error(), At: time.Now()})
		return pipeline.Outcome{RunID: req.RunID, Status: pipeline.StatusFailed, Err: f.err}, f.err
	}
	for _, name := range f.outputs {
		p := filepath.Join(f.outputDir, name)
		os.WriteFile(p, []byte(name+" "+req.RunID), 0o644)
		if !f.outputTime.IsZero() {
			os.Chtimes(p, f.outputTime, f.outputTime)
		}
	}
	out := f.outcome
	out.RunID = req.RunID
	kind := status.RunSucceeded
	if !out.Success {
		kind = status.RunFailed
	}
	n.Notify(ctx, status.Event{Kind: kind, RunID: req.RunID, Text: "end", At: time.Now()})
	return out, nil
}

func (f *fakeOrchestrator) OutputDir() string { return f.outputDir }

type fakePublisher struct {
	err    error
	before publish.Snapshot
}

func (f *fakePublisher) Publish(ctx context.Context, runID string, before publish.Snapshot) ([]publish.Artifact, error) {
	f.before = before
	if f.err != nil {
		return nil, f.err
	}
	return []publish.Artifact{{Name: "deck.pptx", Size: 9, URL: "https://s3/" + runID + "/deck.pptx"}}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runOnce(t *testing.T, orch *fakeOrchestrator, pub Publisher) (*memory.Store, *store.Run) {
	t.Helper()
	st := memory.New()
	run := store.Run{ID: "run-1", UserID: "42", ClientName: "Acme", Status: store.RunStatusPending, LinkCount: 1}
	if ok, _ := st.CreateRunIfIdle(context.Background(), &run); !ok {
		t.Fatal("failed to seed run")
	}

	r := NewRunner(orch, st, pub, discardLogger())
	r.Launch(run, []string{"https://www.cian.ru/sale/flat/1/"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	got, err := st.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	return st, got
}

func TestRunner_SuccessRecordsLocalOutputs(t *testing.T) {
	orch := &fakeOrchestrator{outputDir: t.TempDir(), outcome: pipeline.Outcome{Success: true, Status: pipeline.StatusSucceeded}, outputs: []string{"deck.pptx", "deck.pdf"}}

	st, run := runOnce(t, orch, nil)

	if run.Status != store.RunStatusSucceeded || run.StartedAt == nil || run.FinishedAt == nil {
		t.Errorf("unexpected run %+v", run)
	}
	if orch.got.RunID != "run-1" || orch.got.ClientName != "Acme" || len(orch.got.Links) != 1 {
		t.Errorf("unexpected request %+v", orch.got)
	}
	artifacts, _ := st.ListArtifacts(context.Background(), "run-1")
	if len(artifacts) != 2 || artifacts[0].Name != "deck.pdf" || artifacts[0].URL != "" {
		t.Errorf("unexpected artifacts %+v", artifacts)
	}
	events, _ := st.ListEvents(context.Background(), "run-1")
	if len(events) != 2 || events[1].Kind != string(status.RunSucceeded) {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestRunner_SuccessPublishes(t *testing.T) {
	orch := &fakeOrchestrator{outputDir: t.TempDir(), outcome: pipeline.Outcome{Success: true}}

	st, _ := runOnce(t, orch, &fakePublisher{})

	artifacts, _ := st.ListArtifacts(context.Background(), "run-1")
	if len(artifacts) != 1 || artifacts[0].URL != "https://s3/run-1/deck.pptx" {
		t.Errorf("unexpected artifacts %+v", artifacts)
	}
}

func TestRunner_PublishFailureFallsBackToLocal(t *testing.T) {
	orch := &fakeOrchestrator{outputDir: t.TempDir(), outcome: pipeline.Outcome{Success: true}, outputs: []string{"deck.pptx"}}

	st, run := runOnce(t, orch, &fakePublisher{err: errors.New("bucket gone")})

	if run.Status != store.RunStatusSucceeded {
		t.Errorf("publish failure must not fail the run, got %s", run.Status)
	}
	artifacts, _ := st.ListArtifacts(context.Background(), "run-1")
	if len(artifacts) != 1 || artifacts[0].URL != "" {
		t.Errorf("unexpected artifacts %+v", artifacts)
	}
}

func TestRunner_BackdatedOutputsAreRecorded(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-24 * time.Hour)
	stale := filepath.Join(dir, "previous.pptx")
	if err := os.WriteFile(stale, []byte("previous"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	orch := &fakeOrchestrator{
		outputDir:  dir,
		outcome:    pipeline.Outcome{Success: true},
		outputs:    []string{"Acme.pptx"},
		outputTime: time.Now().Add(-time.Hour),
	}

	st, _ := runOnce(t, orch, nil)

	artifacts, _ := st.ListArtifacts(context.Background(), "run-1")
	if len(artifacts) != 1 || artifacts[0].Name != "Acme.pptx" {
		t.Errorf("expected only the new output, got %+v", artifacts)
	}
}

func TestRunner_RewrittenOutputIsRecorded(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-24 * time.Hour)
	deck := filepath.Join(dir, "Acme.pptx")
	if err := os.WriteFile(deck, []byte("last week"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(deck, old, old); err != nil {
		t.Fatal(err)
	}
	orch := &fakeOrchestrator{
		outputDir:  dir,
		outcome:    pipeline.Outcome{Success: true},
		outputs:    []string{"Acme.pptx"},
		outputTime: old.Add(-time.Hour),
	}

	st, _ := runOnce(t, orch, nil)

	artifacts, _ := st.ListArtifacts(context.Background(), "run-1")
	if len(artifacts) != 1 || artifacts[0].Name != "Acme.pptx" {
		t.Errorf("expected the rewritten deck, got %+v", artifacts)
	}
}

func TestRunner_PublisherGetsPreRunSnapshot(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "previous.pptx"), []byte("previous"), 0o644); err != nil {
		t.Fatal(err)
	}
	orch := &fakeOrchestrator{outputDir: dir, outcome: pipeline.Outcome{Success: true}, outputs: []string{"Acme.pptx"}}
	pub := &fakePublisher{}

	runOnce(t, orch, pub)

	if _, ok := pub.before["previous.pptx"]; !ok || len(pub.before) != 1 {
		t.Errorf("expected snapshot of the pre-run outputs, got %v", pub.before)
	}
}

func TestRunner_StageFailure(t *testing.T) {
	stageErr := &pipeline.StageError{Kind: pipeline.KindExitNonZero, Stage: 3, StageName: "images", Attempt: 1, ExitCode: 1, Err: pipeline.ErrStageExitNonZero}
	orch := &fakeOrchestrator{outputDir: t.TempDir(), outcome: pipeline.Outcome{Status: pipeline.StatusFailed, FailedStage: 3, Err: stageErr}}

	st, run := runOnce(t, orch, &fakePublisher{})

	if run.Status != store.RunStatusFailed || run.FailedStage != 3 {
		t.Errorf("unexpected run %+v", run)
	}
	if run.ErrorMessage == nil || *run.ErrorMessage != stageErr.Error() {
		t.Errorf("unexpected error message %v", run.ErrorMessage)
	}
	if artifacts, _ := st.ListArtifacts(context.Background(), "run-1"); len(artifacts) != 0 {
		t.Errorf("failed runs have no artifacts, got %+v", artifacts)
	}
}

func TestRunner_PreflightFailure(t *testing.T) {
	orch := &fakeOrchestrator{outputDir: t.TempDir(), err: orchestrator.ErrShuttingDown}

	_, run := runOnce(t, orch, nil)

	if run.Status != store.RunStatusFailed || run.FailedStage != 0 {
		t.Errorf("unexpected run %+v", run)
	}
	if run.ErrorMessage == nil || *run.ErrorMessage != orchestrator.ErrShuttingDown.Error() {
		t.Errorf("unexpected error message %v", run.ErrorMessage)
	}
}
