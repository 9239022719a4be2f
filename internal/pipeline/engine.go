// Package pipeline runs an ordered list of containerized stages against a shared data directory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"deckplane/internal/observability"
	"deckplane/internal/runtime"
	"deckplane/internal/status"
	"deckplane/internal/tracker"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	LabelRunID = "deckplane.io/run-id"
	LabelStage = "deckplane.io/stage"
)

// Config holds engine settings.
type Config struct {
	// DataDir is the host directory mounted into every worker.
	DataDir string
	// RunTimeout bounds a whole run. Zero means unbounded.
	RunTimeout       time.Duration
	LogBatchSize     int           // Max lines per sink write (default: 100)
	LogFlushInterval time.Duration // Flush at least this often (default: 1s)
	LogDrainGrace    time.Duration // How long an exited container's log stream may take to end (default: 5s)
	CleanupTimeout   time.Duration // Bound for one forced removal (default: 30s)
	// FailureTail is how many trailing characters of a failed stage's output are
	// attached to its StageFailed event (default: 4000).
	FailureTail int
	// Labels are added to every container.
	Labels map[string]string
}

// Engine executes runs. One Engine serves any number of concurrent runs.
type Engine struct {
	runtime runtime.Runtime
	tracker *tracker.Tracker
	config  Config
	sink    LogSink
	metrics *observability.PipelineMetrics
	log     *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogSink forwards container output to sink.
func WithLogSink(sink LogSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithMetrics records run and stage metrics.
func WithMetrics(m *observability.PipelineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New creates an engine that starts containers on rt and registers them with tr.
func New(rt runtime.Runtime, tr *tracker.Tracker, config Config, opts ...Option) *Engine {
	if config.LogBatchSize <= 0 {
		config.LogBatchSize = 100
	}
	if config.LogFlushInterval <= 0 {
		config.LogFlushInterval = time.Second
	}
	if config.LogDrainGrace <= 0 {
		config.LogDrainGrace = 5 * time.Second
	}
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = 30 * time.Second
	}
	if config.FailureTail <= 0 {
		config.FailureTail = 4000
	}

	e := &Engine{
		runtime: rt,
		tracker: tr,
		config:  config,
		log:     slog.Default(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes rc's stages in order and returns once the run is terminal.
// Every container started during the run has been released when Run returns.
func (e *Engine) Run(ctx context.Context, rc *RunContext, rep *status.Reporter) Outcome {
	if e.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RunTimeout)
		defer cancel()
	}

	tracer := otel.Tracer("deckplane-pipeline")
	ctx, span := tracer.Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", rc.ID),
			attribute.String("run.client", rc.ClientName),
			attribute.Int("run.stages", len(rc.Stages)),
		),
	)
	defer span.End()

	log := e.log.With("run_id", rc.ID)
	// Notifications outlive cancellation so the caller always hears the outcome.
	notifyCtx := context.WithoutCancel(ctx)
	total := len(rc.Stages)

	rc.Status = StatusRunning
	rep.Notify(notifyCtx, status.Event{
		Kind:  status.RunStarted,
		RunID: rc.ID,
		Total: total,
		Text:  fmt.Sprintf("📝 Processing links for %s...", clientLabel(rc.ClientName)),
	})

	if total == 0 {
		err := &StageError{Kind: KindInvalidStage, Err: errors.New("run has no stages")}
		return e.finishFailed(notifyCtx, span, rc, rep, 0, "", err)
	}

	for _, stage := range rc.Stages {
		rc.Current = stage.Index

		if err := ctx.Err(); err != nil {
			serr := &StageError{Kind: Classify(err), Stage: stage.Index, StageName: stage.Name, Err: err}
			return e.finishFailed(notifyCtx, span, rc, rep, stage.Index, stage.Name, serr)
		}

		rep.Notify(notifyCtx, status.Event{
			Kind:  status.StageStarted,
			RunID: rc.ID,
			Stage: stage.Index,
			Total: total,
			Text:  stage.StartMessage,
		})

		sl, err := e.runStage(ctx, rc, stage, log)
		rc.Logs = append(rc.Logs, sl)
		if err != nil {
			rep.Notify(notifyCtx, status.Event{
				Kind:   status.StageFailed,
				RunID:  rc.ID,
				Stage:  stage.Index,
				Total:  total,
				Text:   fmt.Sprintf("❌ Stage %d/%d (%s) failed: %v", stage.Index, total, stage.Name, err),
				Detail: tail(sl.Output, e.config.FailureTail),
			})
			return e.finishFailed(notifyCtx, span, rc, rep, stage.Index, stage.Name, err)
		}

		rep.Notify(notifyCtx, status.Event{
			Kind:  status.StageSucceeded,
			RunID: rc.ID,
			Stage: stage.Index,
			Total: total,
			Text:  stage.EndMessage,
		})
	}

	rc.Status = StatusSucceeded
	rep.Notify(notifyCtx, status.Event{
		Kind:  status.RunSucceeded,
		RunID: rc.ID,
		Total: total,
		Text:  "🎉 All stages finished successfully",
	})
	e.metrics.RunFinished(notifyCtx, string(StatusSucceeded))
	log.Info("run succeeded", "stages", total)

	return Outcome{
		RunID:   rc.ID,
		Status:  StatusSucceeded,
		Success: true,
		Logs:    rc.Logs,
	}
}

func (e *Engine) finishFailed(ctx context.Context, span trace.Span, rc *RunContext, rep *status.Reporter, stage int, name string, err error) Outcome {
	rc.Status = StatusFailed
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	text := fmt.Sprintf("❌ Run failed: %v", err)
	if stage > 0 {
		text = fmt.Sprintf("❌ Run failed at stage %d/%d (%s)", stage, len(rc.Stages), name)
	}
	rep.Notify(ctx, status.Event{
		Kind:  status.RunFailed,
		RunID: rc.ID,
		Stage: stage,
		Total: len(rc.Stages),
		Text:  text,
	})
	e.metrics.RunFinished(ctx, string(StatusFailed))
	e.log.Warn("run failed", "run_id", rc.ID, "stage", stage, "kind", Classify(err).String(), "error", err)

	return Outcome{
		RunID:       rc.ID,
		Status:      StatusFailed,
		FailedStage: stage,
		Logs:        rc.Logs,
		Err:         err,
	}
}

// runStage executes a stage with retries. Only retryable kinds are retried, and
// never once the run context has ended.
func (e *Engine) runStage(ctx context.Context, rc *RunContext, stage StageSpec, log *slog.Logger) (StageLog, error) {
	retries := stage.Retries
	if retries <= 0 {
		retries = 1
	}

	var (
		sl  StageLog
		err error
	)
	for attempt := 1; attempt <= retries; attempt++ {
		sl, err = e.attempt(ctx, rc, stage, attempt, log)
		sl.Attempts = attempt
		if err == nil {
			return sl, nil
		}

		kind := Classify(err)
		if !kind.Retryable() || attempt == retries || ctx.Err() != nil {
			return sl, err
		}

		log.Warn("stage attempt failed, retrying",
			"stage", stage.Name, "attempt", attempt, "kind", kind.String(), "delay", stage.RetryDelay, "error", err)
		if serr := e.sleep(ctx, stage.RetryDelay); serr != nil {
			return sl, &StageError{Kind: Classify(serr), Stage: stage.Index, StageName: stage.Name, Attempt: attempt, Err: serr}
		}
	}
	return sl, err
}

// attempt runs one container for stage. The container is released before attempt returns.
func (e *Engine) attempt(ctx context.Context, rc *RunContext, stage StageSpec, attempt int, log *slog.Logger) (sl StageLog, err error) {
	tracer := otel.Tracer("deckplane-pipeline")
	ctx, span := tracer.Start(ctx, "stage",
		trace.WithAttributes(
			attribute.String("stage.name", stage.Name),
			attribute.String("stage.image", stage.Image),
			attribute.Int("stage.index", stage.Index),
			attribute.Int("stage.attempt", attempt),
		),
	)
	defer span.End()

	started := time.Now()
	sl = StageLog{Stage: stage.Index, Name: stage.Name, StartedAt: started}
	defer func() {
		sl.FinishedAt = time.Now()
		outcome := "succeeded"
		if err != nil {
			outcome = Classify(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		e.metrics.StageAttempt(context.WithoutCancel(ctx), stage.Name, outcome, sl.FinishedAt.Sub(started))
	}()

	fail := func(kind Kind, exitCode int, cause error) error {
		return &StageError{Kind: kind, Stage: stage.Index, StageName: stage.Name, Attempt: attempt, ExitCode: exitCode, Err: cause}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, stage.Timeout)
	defer cancel()

	handle, err := e.runtime.CreateAndStart(attemptCtx, e.startOptions(rc, stage))
	if err != nil {
		return sl, fail(Classify(err), 0, err)
	}
	sl.ContainerID = handle.ID()
	span.SetAttributes(attribute.String("container.id", handle.ID()))

	mc := manage(ctx, handle, e.tracker, log, streamConfig{
		sink: e.sink,
		chunk: LogChunk{
			RunID:       rc.ID,
			Stage:       stage.Index,
			StageName:   stage.Name,
			Attempt:     attempt,
			ContainerID: handle.ID(),
		},
		batchSize:     e.config.LogBatchSize,
		flushInterval: e.config.LogFlushInterval,
	})
	log.Info("stage container started", "stage", stage.Name, "attempt", attempt, "container", runtime.ShortID(handle.ID()))

	result, err := handle.Wait(attemptCtx)
	if err != nil {
		// The container may still be running.
		e.release(ctx, mc)
		sl.Output = mc.Output()
		return sl, fail(Classify(err), 0, err)
	}

	mc.join(e.config.LogDrainGrace)
	e.release(ctx, mc)
	sl.Output = mc.Output()
	sl.ExitCode = result.ExitCode
	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))

	if result.ExitCode != stage.ExpectedExitCode {
		cause := ErrStageExitNonZero
		if result.Error != nil {
			cause = fmt.Errorf("%w: %v", ErrStageExitNonZero, result.Error)
		}
		return sl, fail(KindExitNonZero, result.ExitCode, cause)
	}
	return sl, nil
}

// release removes the container with a context that survives run cancellation.
// A failed removal leaves the container tracked for the shutdown drain.
func (e *Engine) release(ctx context.Context, mc *managedContainer) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CleanupTimeout)
	defer cancel()
	_ = mc.release(cleanupCtx)
}

func (e *Engine) startOptions(rc *RunContext, stage StageSpec) runtime.StartOptions {
	labels := make(map[string]string, len(e.config.Labels)+2)
	for k, v := range e.config.Labels {
		labels[k] = v
	}
	labels[LabelRunID] = rc.ID
	labels[LabelStage] = stage.Name

	return runtime.StartOptions{
		Image:     stage.Image,
		Command:   stage.Command,
		Env:       stage.Env.Pairs(),
		DataDir:   e.config.DataDir,
		Resources: stage.Resources,
		Ports:     stage.Ports,
		Labels:    labels,
	}
}

// Cleanup force-deletes a tracked container by ID. It is the tracker.CleanupFunc
// the shutdown drain uses for containers no run has released.
func (e *Engine) Cleanup(ctx context.Context, id string) error {
	return e.runtime.Delete(ctx, id)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// tail returns at most n trailing bytes of s, cut at a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for i := 0; i < len(s) && i < 4; i++ {
		if s[i]&0xC0 != 0x80 {
			return s[i:]
		}
	}
	return s
}

func clientLabel(name string) string {
	if name == "" {
		return "an unnamed client"
	}
	return name
}
