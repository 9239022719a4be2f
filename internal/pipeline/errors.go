package pipeline

import (
	"context"
	"errors"
	"fmt"

	"deckplane/internal/runtime"
)

// ErrStageExitNonZero means a worker reported failure through its exit code.
var ErrStageExitNonZero = errors.New("stage exited with nonzero code")

// Kind classifies why a stage failed. It decides whether the engine retries.
type Kind int

const (
	// KindRuntime is any other container engine failure.
	KindRuntime Kind = iota
	KindRuntimeUnavailable
	KindImageNotFound
	KindStageTimeout
	KindExitNonZero
	// KindIO is a shared filesystem failure while staging input, before any container starts.
	KindIO
	KindCanceled
	// KindInvalidStage is a stage definition that fails validation.
	KindInvalidStage
)

var kindNames = map[Kind]string{
	KindRuntime:            "runtime_error",
	KindRuntimeUnavailable: "runtime_unavailable",
	KindImageNotFound:      "image_not_found",
	KindStageTimeout:       "stage_timeout",
	KindExitNonZero:        "exit_nonzero",
	KindIO:                 "io_error",
	KindCanceled:           "canceled",
	KindInvalidStage:       "invalid_stage",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a failure of this kind may succeed on another attempt.
// A nonzero exit code is authoritative and never retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindRuntime, KindRuntimeUnavailable, KindStageTimeout:
		return true
	default:
		return false
	}
}

// StageError describes a failed stage attempt.
type StageError struct {
	Kind      Kind
	Stage     int
	StageName string
	Attempt   int
	ExitCode  int
	Err       error
}

func (e *StageError) Error() string {
	if e.StageName == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Kind == KindExitNonZero {
		return fmt.Sprintf("stage %d (%s) attempt %d: exit code %d", e.Stage, e.StageName, e.Attempt, e.ExitCode)
	}
	return fmt.Sprintf("stage %d (%s) attempt %d: %s: %v", e.Stage, e.StageName, e.Attempt, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Classify maps an adapter or context error to a Kind.
func Classify(err error) Kind {
	var se *StageError
	switch {
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, runtime.ErrImageNotFound):
		return KindImageNotFound
	case errors.Is(err, runtime.ErrStageTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindStageTimeout
	case errors.Is(err, runtime.ErrRuntimeUnavailable):
		return KindRuntimeUnavailable
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrStageExitNonZero):
		return KindExitNonZero
	default:
		return KindRuntime
	}
}

// KindOf returns the Kind of err, or false when err is nil.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return 0, false
	}
	return Classify(err), true
}
