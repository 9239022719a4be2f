// Package status delivers human-readable progress notifications for pipeline runs.
package status

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// EventKind identifies a point in a run's progression.
type EventKind string

const (
	RunStarted     EventKind = "run_started"
	StageStarted   EventKind = "stage_started"
	StageSucceeded EventKind = "stage_succeeded"
	StageFailed    EventKind = "stage_failed"
	RunSucceeded   EventKind = "run_succeeded"
	RunFailed      EventKind = "run_failed"
)

// Terminal reports whether the event ends a run.
func (k EventKind) Terminal() bool {
	return k == RunSucceeded || k == RunFailed
}

// Event is one notification.
type Event struct {
	Kind  EventKind `json:"kind"`
	RunID string    `json:"run_id"`
	// Stage is the 1-based stage index, 0 for run-level events.
	Stage int    `json:"stage,omitempty"`
	Total int    `json:"total,omitempty"`
	Text  string `json:"text"`
	// Detail carries the tail of a failed stage's logs.
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Notifier receives run events. Implementations are called synchronously in stage order.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Multi fans an event out to several notifiers; all of them are called even if one fails.
func Multi(notifiers ...Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, e Event) error {
		var errs []error
		for _, n := range notifiers {
			if n == nil {
				continue
			}
			if err := n.Notify(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Reporter delivers events to a Notifier. Delivery failures are logged and never
// returned, so a broken transport cannot abort a pipeline.
type Reporter struct {
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
	failures atomic.Int64
}

// NewReporter wraps n. A nil notifier makes every Notify a no-op besides logging.
func NewReporter(n Notifier, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{notifier: n, log: log, now: time.Now}
}

// Notify stamps e and delivers it.
func (r *Reporter) Notify(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.At.IsZero() {
		e.At = r.now()
	}

	r.log.Info(e.Text, "event", string(e.Kind), "run_id", e.RunID, "stage", e.Stage)

	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, e); err != nil {
		r.failures.Add(1)
		r.log.Error("failed to deliver status notification", "event", string(e.Kind), "run_id", e.RunID, "error", err)
	}
}

// Failures returns how many notifications could not be delivered.
func (r *Reporter) Failures() int64 {
	if r == nil {
		return 0
	}
	return r.failures.Load()
}
