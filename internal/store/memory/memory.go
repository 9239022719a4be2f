// Package memory implements the store interfaces in process memory.
// Runs kept here are lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"deckplane/internal/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu        sync.RWMutex
	runs      map[string]*store.Run
	events    map[string][]store.RunEvent
	logs      map[string][]store.StageLogEntry
	artifacts map[string][]store.Artifact
	nextEvent int64
	nextLog   int64
	now       func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		runs:      make(map[string]*store.Run),
		events:    make(map[string][]store.RunEvent),
		logs:      make(map[string][]store.StageLogEntry),
		artifacts: make(map[string][]store.Artifact),
		now:       time.Now,
	}
}

func (s *Store) CreateRunIfIdle(ctx context.Context, run *store.Run) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.Principal == run.Principal && r.UserID == run.UserID && r.Status.Active() {
			return false, nil
		}
	}
	cp := *run
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.runs[run.ID] = &cp
	return true, nil
}

func (s *Store) MarkRunStarted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok || r.Status != store.RunStatusPending {
		return store.ErrNotFound
	}
	now := s.now()
	r.Status = store.RunStatusRunning
	r.StartedAt = &now
	return nil
}

func (s *Store) FinishRun(ctx context.Context, id string, status store.RunStatus, failedStage int, errMsg *string, artifacts []store.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := s.now()
	r.Status = status
	r.FailedStage = failedStage
	r.ErrorMessage = errMsg
	r.FinishedAt = &now

	for _, a := range artifacts {
		a.RunID = id
		a.CreatedAt = now
		s.artifacts[id] = append(s.artifacts[id], a)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListRuns(ctx context.Context, principal, userID string, limit int) ([]store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []store.Run
	for _, r := range s.runs {
		if r.Principal == principal && r.UserID == userID {
			runs = append(runs, *r)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *Store) AddEvent(ctx context.Context, event *store.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[event.RunID]; !ok {
		return store.ErrNotFound
	}
	s.nextEvent++
	event.ID = s.nextEvent
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	s.events[event.RunID] = append(s.events[event.RunID], *event)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, runID string) ([]store.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.RunEvent(nil), s.events[runID]...), nil
}

func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]store.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.Artifact(nil), s.artifacts[runID]...), nil
}

func (s *Store) FailActiveRuns(ctx context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := s.now()
	for _, r := range s.runs {
		if r.Status.Active() {
			msg := reason
			r.Status = store.RunStatusFailed
			r.ErrorMessage = &msg
			r.FinishedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *Store) AddStageLog(ctx context.Context, entry *store.StageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLog++
	entry.ID = s.nextLog
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.logs[entry.RunID] = append(s.logs[entry.RunID], *entry)
	return nil
}

func (s *Store) GetStageLogs(ctx context.Context, runID string, afterID int64, limit int) ([]store.StageLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.StageLogEntry
	for _, e := range s.logs[runID] {
		if e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
