// Package runtime provides the Runtime interface for worker container backends.
package runtime

import (
	"context"
	"io"
)

// ContainerDataDir is where the shared data directory is mounted inside every worker.
const ContainerDataDir = "/app/data"

// Runtime defines the interface for launching worker containers.
// Implementations include the Docker engine and Kubernetes pods.
type Runtime interface {
	// CreateAndStart creates a container for the given options and starts it.
	// A container that was created but could not be started is removed before returning.
	CreateAndStart(ctx context.Context, opts StartOptions) (Handle, error)

	// Delete force-removes a container by ID. Used to drain containers
	// whose handle is no longer reachable. A missing container is not an error.
	Delete(ctx context.Context, id string) error

	// Ping checks that the underlying engine is reachable.
	Ping(ctx context.Context) error

	// Close releases the connection to the engine.
	Close() error
}

// StartOptions contains the parameters for starting a worker container.
type StartOptions struct {
	Image   string
	Command []string
	// Env is rendered as KEY=VALUE pairs.
	Env []string
	// DataDir is the host directory bind-mounted read-write at ContainerDataDir.
	DataDir   string
	Resources Resources
	Ports     []PortBinding
	// Labels are attached to the container so leftovers can be found by owner.
	Labels map[string]string
}

// Resources caps a worker container. Zero values mean unlimited.
// MemorySwapBytes is honored by Docker only; the Kubernetes runtime logs
// a warning and leaves swap to the node.
type Resources struct {
	MemoryBytes     int64
	MemorySwapBytes int64
}

// PortBinding publishes a container port on the host.
type PortBinding struct {
	ContainerPort int
	HostPort      int
	Protocol      string // "tcp" when empty
}

// ExitResult is the terminal state of a container.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a started container.
type Handle interface {
	// ID returns the engine-assigned container identifier.
	ID() string

	// StreamLogs returns a follow stream of stdout and stderr lines.
	// The stream ends when the container stops or ctx is cancelled.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)

	// Wait blocks until the container exits or ctx ends.
	// A ctx deadline is reported as ErrStageTimeout; the caller must then ForceDelete.
	Wait(ctx context.Context) (ExitResult, error)

	// ForceDelete removes the container, killing it if needed.
	// Deleting a container that is already gone is not an error.
	ForceDelete(ctx context.Context) error
}

// ShortID returns the 12 character form of a container ID used in log lines.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
