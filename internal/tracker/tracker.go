// Package tracker keeps the process-wide registry of worker containers owned by deckplane.
//
// Every container a run creates is registered before anything else can fail and stays
// registered until its cleanup has completed. Shutdown drains whatever is left.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CleanupFunc removes one container by ID.
type CleanupFunc func(ctx context.Context, id string) error

type entryState int

const (
	stateActive entryState = iota
	stateCleaning
)

// Tracker is a concurrency-safe set of container IDs.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]entryState
	log     *slog.Logger
}

// New creates an empty tracker.
func New(log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		entries: make(map[string]entryState),
		log:     log,
	}
}

// Register adds a container ID. Registering an ID twice is a no-op.
func (t *Tracker) Register(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		t.entries[id] = stateActive
	}
}

// Claim marks id as being cleaned up and reports whether the caller owns the cleanup.
// It returns false when the ID is unknown or another caller already claimed it.
func (t *Tracker) Claim(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.entries[id]
	if !ok || state == stateCleaning {
		return false
	}
	t.entries[id] = stateCleaning
	return true
}

// Release returns a claimed ID to the active set after a failed cleanup,
// so a later drain can try again.
func (t *Tracker) Release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		t.entries[id] = stateActive
	}
}

// Unregister removes id once its cleanup has completed.
func (t *Tracker) Unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Len returns the number of tracked containers, including ones being cleaned.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// IDs returns the tracked container IDs in sorted order.
func (t *Tracker) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DrainAll concurrently cleans up every container that nobody else is cleaning and
// waits for all of them. Containers whose cleanup fails stay registered; their
// errors are joined into the returned error.
func (t *Tracker) DrainAll(ctx context.Context, cleanup CleanupFunc) error {
	t.mu.Lock()
	var claimed []string
	for id, state := range t.entries {
		if state == stateActive {
			t.entries[id] = stateCleaning
			claimed = append(claimed, id)
		}
	}
	t.mu.Unlock()

	if len(claimed) == 0 {
		return nil
	}
	t.log.Info("draining tracked containers", "count", len(claimed))

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range claimed {
		g.Go(func() error {
			if err := cleanup(gctx, id); err != nil {
				t.log.Error("failed to clean up container", "container", id, "error", err)
				t.Release(id)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("cleanup %s: %w", id, err))
				errMu.Unlock()
				return nil
			}
			t.Unregister(id)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
