package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"deckplane/internal/runtime"
	"deckplane/internal/status"
	"deckplane/internal/tracker"
)

// attemptScript describes how one container attempt behaves.
type attemptScript struct {
	createErr error
	exitCode  int
	// hang makes Wait block until its context ends or the container is deleted.
	hang bool
	logs string
}

// fakeRuntime replays scripted attempts per image and records every call in order.
type fakeRuntime struct {
	mu       sync.Mutex
	scripts  map[string][]attemptScript
	attempts map[string]int
	calls    []string
	opts     []runtime.StartOptions
	deletes  map[string]int
	seq      int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		scripts:  map[string][]attemptScript{},
		attempts: map[string]int{},
		deletes:  map[string]int{},
	}
}

// script sets the behavior of successive attempts for image. The last entry repeats.
func (f *fakeRuntime) script(image string, attempts ...attemptScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[image] = attempts
}

func (f *fakeRuntime) CreateAndStart(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.attempts[opts.Image]
	f.attempts[opts.Image] = n + 1

	var sc attemptScript
	if scripts := f.scripts[opts.Image]; len(scripts) > 0 {
		if n < len(scripts) {
			sc = scripts[n]
		} else {
			sc = scripts[len(scripts)-1]
		}
	}
	f.calls = append(f.calls, fmt.Sprintf("create %s#%d", opts.Image, n+1))
	f.opts = append(f.opts, opts)
	if sc.createErr != nil {
		return nil, sc.createErr
	}

	f.seq++
	return &fakeHandle{
		id:      fmt.Sprintf("%s-%d-container", opts.Image, f.seq),
		rt:      f,
		script:  sc,
		deleted: make(chan struct{}),
	}, nil
}

func (f *fakeRuntime) Delete(ctx context.Context, id string) error {
	f.recordDelete(id)
	return nil
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) recordDelete(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes[id]++
	f.calls = append(f.calls, "delete "+id)
}

func (f *fakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRuntime) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var images []string
	for _, o := range f.opts {
		images = append(images, o.Image)
	}
	return images
}

func (f *fakeRuntime) Deletes() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.deletes))
	for k, v := range f.deletes {
		out[k] = v
	}
	return out
}

type fakeHandle struct {
	id      string
	rt      *fakeRuntime
	script  attemptScript
	deleted chan struct{}
	once    sync.Once
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(h.script.logs)), nil
}

func (h *fakeHandle) Wait(ctx context.Context) (runtime.ExitResult, error) {
	if !h.script.hang {
		return runtime.ExitResult{ExitCode: h.script.exitCode}, nil
	}
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err := fmt.Errorf("container %s: %w", h.id, runtime.ErrStageTimeout)
			return runtime.ExitResult{ExitCode: -1, Error: err}, err
		}
		return runtime.ExitResult{ExitCode: -1}, ctx.Err()
	case <-h.deleted:
		return runtime.ExitResult{ExitCode: 137}, nil
	}
}

func (h *fakeHandle) ForceDelete(ctx context.Context) error {
	h.once.Do(func() { close(h.deleted) })
	h.rt.recordDelete(h.id)
	return nil
}

type recordedEvents struct {
	mu     sync.Mutex
	events []status.Event
}

func (r *recordedEvents) Notify(ctx context.Context, e status.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordedEvents) Kinds() []status.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []status.EventKind
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (r *recordedEvents) Find(kind status.EventKind) (status.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return status.Event{}, false
}

type memorySink struct {
	mu     sync.Mutex
	chunks []LogChunk
}

func (s *memorySink) AppendStageLog(ctx context.Context, chunk LogChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEngine builds an engine whose retry delay returns immediately and counts sleeps.
func testEngine(rt runtime.Runtime, config Config, opts ...Option) (*Engine, *tracker.Tracker, *int) {
	tr := tracker.New(discardLogger())
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	e := New(rt, tr, config, opts...)

	sleeps := new(int)
	var mu sync.Mutex
	e.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*sleeps++
		mu.Unlock()
		return ctx.Err()
	}
	return e, tr, sleeps
}

func testStages(timeout time.Duration, images ...string) []StageSpec {
	specs := make([]StageSpec, 0, len(images))
	for i, image := range images {
		specs = append(specs, StageSpec{
			Index:        i + 1,
			Name:         image,
			Image:        image,
			Env:          Env{{"STAGE_NAME", image}},
			StartMessage: "start " + image,
			EndMessage:   "done " + image,
			Timeout:      timeout,
			Retries:      3,
			RetryDelay:   time.Millisecond,
		})
	}
	return specs
}
