// Package orchestrator is the entry point for running the presentation pipeline.
// It owns the container runtime connection, the container tracker and the engine,
// and guarantees that no worker container outlives a Shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"deckplane/internal/observability"
	"deckplane/internal/pipeline"
	"deckplane/internal/runtime"
	"deckplane/internal/staging"
	"deckplane/internal/status"
	"deckplane/internal/tracker"

	"golang.org/x/sync/semaphore"
)

// ErrShuttingDown is returned by StageAndRun once Shutdown has started.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// OutputSubdir is where the presentation stage writes its files, relative to the data directory.
var OutputSubdir = filepath.Join("presentation", "output")

// Options configures an Orchestrator.
type Options struct {
	// DataDir is the host directory shared with every worker. Required.
	DataDir  string
	Template pipeline.Template
	Defaults pipeline.Defaults
	// LinkPattern overrides staging.DefaultLinkPattern.
	LinkPattern string
	// MaxConcurrentRuns bounds parallel runs. Stages of different runs share fixed
	// paths on the data volume, so the default is 1.
	MaxConcurrentRuns int
	Engine            pipeline.Config
	LogSink           pipeline.LogSink
	Metrics           *observability.PipelineMetrics
	// DrainTimeout bounds the container drain during Shutdown (default: 30s).
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// RunRequest asks for one pipeline run.
type RunRequest struct {
	// RunID is optional; a new ID is generated when empty.
	RunID      string
	Links      []string
	ClientName string
}

// Orchestrator runs pipelines. It is safe for concurrent use.
type Orchestrator struct {
	runtime  runtime.Runtime
	tracker  *tracker.Tracker
	engine   *pipeline.Engine
	stager   *staging.Stager
	template pipeline.Template
	defaults pipeline.Defaults
	pattern  *regexp.Regexp
	sem      *semaphore.Weighted
	dataDir  string
	drain    time.Duration
	log      *slog.Logger

	// base is cancelled by Shutdown; every run derives from it.
	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup

	shutdownOnce sync.Once
}

// New creates an orchestrator that owns rt. rt is closed by Shutdown.
func New(rt runtime.Runtime, opts Options) (*Orchestrator, error) {
	if opts.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 1
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if len(opts.Template.Stages) == 0 {
		opts.Template = pipeline.DefaultTemplate()
	}
	if err := opts.Template.Validate(); err != nil {
		return nil, fmt.Errorf("stage template: %w", err)
	}
	if opts.LinkPattern == "" {
		opts.LinkPattern = staging.DefaultLinkPattern
	}
	pattern, err := regexp.Compile(opts.LinkPattern)
	if err != nil {
		return nil, fmt.Errorf("link pattern: %w", err)
	}

	dataDir, err := filepath.Abs(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("data directory: %w", err)
	}
	opts.Engine.DataDir = dataDir

	tr := tracker.New(opts.Logger)
	engineOpts := []pipeline.Option{pipeline.WithLogger(opts.Logger), pipeline.WithMetrics(opts.Metrics)}
	if opts.LogSink != nil {
		engineOpts = append(engineOpts, pipeline.WithLogSink(opts.LogSink))
	}

	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		runtime:    rt,
		tracker:    tr,
		engine:     pipeline.New(rt, tr, opts.Engine, engineOpts...),
		stager:     staging.NewStager(dataDir, opts.Logger),
		template:   opts.Template,
		defaults:   opts.Defaults,
		pattern:    pattern,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrentRuns)),
		dataDir:    dataDir,
		drain:      opts.DrainTimeout,
		log:        opts.Logger,
		base:       base,
		cancelBase: cancel,
	}, nil
}

// ValidateLinks checks links against the configured pattern without running anything.
func (o *Orchestrator) ValidateLinks(lines []string) ([]string, error) {
	return staging.ValidateLinks(lines, o.pattern)
}

// StageAndRun validates and stages the links, then runs every stage in order.
// The returned error is non-nil only when the run could not begin (invalid input,
// staging failure, shutdown); stage failures are reported in the Outcome.
func (o *Orchestrator) StageAndRun(ctx context.Context, req RunRequest, n status.Notifier) (pipeline.Outcome, error) {
	if !o.enter() {
		return pipeline.Outcome{RunID: req.RunID, Status: pipeline.StatusFailed, Err: ErrShuttingDown}, ErrShuttingDown
	}
	defer o.inflight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.base, cancel)
	defer stop()

	rc := pipeline.NewRunContext(req.ClientName)
	if req.RunID != "" {
		rc.ID = req.RunID
	}
	rep := status.NewReporter(n, o.log.With("run_id", rc.ID))

	fail := func(err error) (pipeline.Outcome, error) {
		rc.Status = pipeline.StatusFailed
		rep.Notify(context.WithoutCancel(ctx), status.Event{
			Kind:  status.RunFailed,
			RunID: rc.ID,
			Text:  fmt.Sprintf("❌ Run could not start: %v", err),
		})
		return pipeline.Outcome{RunID: rc.ID, Status: pipeline.StatusFailed, Err: err}, err
	}

	links, err := o.ValidateLinks(req.Links)
	if err != nil {
		return fail(err)
	}
	stages, err := o.template.Build(rc.ID, req.ClientName, o.defaults)
	if err != nil {
		return fail(err)
	}
	rc.Stages = stages

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return fail(&pipeline.StageError{Kind: pipeline.Classify(err), Err: fmt.Errorf("waiting for a run slot: %w", err)})
	}
	defer o.sem.Release(1)

	if _, err := o.stager.StageLinks(ctx, links); err != nil {
		return fail(err)
	}

	o.log.Info("run starting", "run_id", rc.ID, "client", req.ClientName, "links", len(links))
	return o.engine.Run(ctx, rc, rep), nil
}

func (o *Orchestrator) enter() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return false
	}
	o.inflight.Add(1)
	return true
}

// Shutdown cancels every in-flight run, waits for the runs to release their
// containers, drains whatever is still tracked and closes the runtime.
// Only the first call does any work; later calls return nil.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	o.shutdownOnce.Do(func() {
		err = o.shutdown(ctx)
	})
	return err
}

func (o *Orchestrator) shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	o.log.Info("shutting down orchestrator", "tracked_containers", o.tracker.Len())
	o.cancelBase()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn("runs did not finish before the shutdown deadline, draining anyway")
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.drain)
	defer cancel()

	var errs []error
	if err := o.tracker.DrainAll(drainCtx, o.engine.Cleanup); err != nil {
		errs = append(errs, fmt.Errorf("drain containers: %w", err))
	}
	if err := o.runtime.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close runtime: %w", err))
	}

	o.log.Info("orchestrator stopped", "remaining_containers", o.tracker.Len())
	return errors.Join(errs...)
}

// Ping checks that the container runtime is reachable.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.runtime.Ping(ctx)
}

// Tracker exposes the container registry for metrics and inspection.
func (o *Orchestrator) Tracker() *tracker.Tracker {
	return o.tracker
}

// DataDir returns the absolute shared data directory.
func (o *Orchestrator) DataDir() string {
	return o.dataDir
}

// OutputDir is where finished presentations are handed off to the caller.
func (o *Orchestrator) OutputDir() string {
	return filepath.Join(o.dataDir, OutputSubdir)
}

// EnsureLayout creates the data directory skeleton workers expect.
func (o *Orchestrator) EnsureLayout() error {
	return o.stager.EnsureLayout()
}
