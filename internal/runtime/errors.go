package runtime

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRuntimeUnavailable means the container engine could not be reached.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrImageNotFound means the worker image does not exist on the engine.
	ErrImageNotFound = errors.New("image not found")

	// ErrStageTimeout means a container did not exit before its deadline.
	ErrStageTimeout = errors.New("stage timed out")
)

// waitError maps a context error observed while waiting into the runtime taxonomy.
func waitError(ctx context.Context, id string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("container %s: %w", ShortID(id), ErrStageTimeout)
	}
	return ctx.Err()
}
