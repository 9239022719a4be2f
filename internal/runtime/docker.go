package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"syscall"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerAPI is the subset of the Docker SDK client used by DockerRuntime.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// DockerConfig holds configuration for the Docker runtime.
type DockerConfig struct {
	// PullMissingImages pulls an image from its registry when it is absent locally.
	// Worker images are usually built on the host, so this is off by default.
	PullMissingImages bool
}

// DockerRuntime implements the Runtime interface using the Docker SDK.
type DockerRuntime struct {
	client dockerAPI
	config DockerConfig
	log    *slog.Logger
}

// DockerHandle represents a started container.
type DockerHandle struct {
	client      dockerAPI
	containerID string
	log         *slog.Logger
}

// NewDockerRuntime creates a new Docker-based runtime.
func NewDockerRuntime(cfg DockerConfig, log *slog.Logger) (*DockerRuntime, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return newDockerRuntime(cli, cfg, log), nil
}

func newDockerRuntime(api dockerAPI, cfg DockerConfig, log *slog.Logger) *DockerRuntime {
	if log == nil {
		log = slog.Default()
	}
	return &DockerRuntime{client: api, config: cfg, log: log.With("runtime", "docker")}
}

// CreateAndStart implements Runtime.CreateAndStart using Docker containers.
func (d *DockerRuntime) CreateAndStart(ctx context.Context, opts StartOptions) (Handle, error) {
	containerConfig, hostConfig, err := dockerConfigs(opts)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil && errdefs.IsNotFound(err) && d.config.PullMissingImages {
		if pullErr := d.pull(ctx, opts.Image); pullErr != nil {
			return nil, pullErr
		}
		resp, err = d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	}
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("create container from %s: %w: %v", opts.Image, ErrImageNotFound, err)
		}
		return nil, classifyDockerError(fmt.Sprintf("create container from %s", opts.Image), err)
	}

	for _, w := range resp.Warnings {
		d.log.Warn("container create warning", "container", ShortID(resp.ID), "warning", w)
	}

	handle := &DockerHandle{client: d.client, containerID: resp.ID, log: d.log}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// The container exists but never ran; don't leave it behind.
		if rmErr := handle.ForceDelete(context.WithoutCancel(ctx)); rmErr != nil {
			d.log.Error("failed to remove unstarted container", "container", ShortID(resp.ID), "error", rmErr)
		}
		return nil, classifyDockerError(fmt.Sprintf("start container %s", ShortID(resp.ID)), err)
	}

	d.log.Info("container started", "image", opts.Image, "container", ShortID(resp.ID))
	return handle, nil
}

func (d *DockerRuntime) pull(ctx context.Context, ref string) error {
	d.log.Info("pulling missing image", "image", ref)
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("pull %s: %w", ref, ErrImageNotFound)
		}
		return classifyDockerError(fmt.Sprintf("pull %s", ref), err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return classifyDockerError(fmt.Sprintf("pull %s", ref), err)
	}
	return nil
}

// Ping implements Runtime.Ping.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

// Delete implements Runtime.Delete.
func (d *DockerRuntime) Delete(ctx context.Context, id string) error {
	h := &DockerHandle{client: d.client, containerID: id, log: d.log}
	return h.ForceDelete(ctx)
}

// Close implements Runtime.Close.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// ID implements Handle.ID.
func (h *DockerHandle) ID() string {
	return h.containerID
}

// Wait implements Handle.Wait.
func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			err = waitError(ctx, h.containerID)
			return ExitResult{ExitCode: -1, Error: err}, err
		}
		err = classifyDockerError(fmt.Sprintf("wait container %s", ShortID(h.containerID)), err)
		return ExitResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		if status.Error != nil {
			return ExitResult{
				ExitCode: int(status.StatusCode),
				Error:    fmt.Errorf("%s", status.Error.Message),
			}, nil
		}
		return ExitResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		err := waitError(ctx, h.containerID)
		return ExitResult{ExitCode: -1, Error: err}, err
	}
}

// StreamLogs implements Handle.StreamLogs.
// Docker multiplexes stdout and stderr on one stream; both are copied to the returned reader.
func (h *DockerHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	rc, err := h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, classifyDockerError(fmt.Sprintf("logs for container %s", ShortID(h.containerID)), err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(copyErr)
	}()

	return &demuxedLogs{PipeReader: pr, source: rc}, nil
}

// ForceDelete implements Handle.ForceDelete.
func (h *DockerHandle) ForceDelete(ctx context.Context) error {
	err := h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			h.log.Info("container already removed", "container", ShortID(h.containerID))
			return nil
		}
		return classifyDockerError(fmt.Sprintf("remove container %s", ShortID(h.containerID)), err)
	}
	h.log.Info("container removed", "container", ShortID(h.containerID))
	return nil
}

// demuxedLogs closes both ends of the demultiplexing pipe.
type demuxedLogs struct {
	*io.PipeReader
	source io.ReadCloser
}

func (d *demuxedLogs) Close() error {
	err := d.source.Close()
	d.PipeReader.Close()
	return err
}

func dockerConfigs(opts StartOptions) (*container.Config, *container.HostConfig, error) {
	containerConfig := &container.Config{
		Image:  opts.Image,
		Cmd:    opts.Command,
		Env:    opts.Env,
		Labels: opts.Labels,
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:     opts.Resources.MemoryBytes,
			MemorySwap: opts.Resources.MemorySwapBytes,
		},
	}
	if opts.DataDir != "" {
		hostConfig.Binds = []string{fmt.Sprintf("%s:%s:rw", opts.DataDir, ContainerDataDir)}
	}

	if len(opts.Ports) > 0 {
		exposed := nat.PortSet{}
		bindings := nat.PortMap{}
		for _, p := range opts.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			port, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
			if err != nil {
				return nil, nil, fmt.Errorf("invalid port %d/%s: %w", p.ContainerPort, proto, err)
			}
			exposed[port] = struct{}{}
			bindings[port] = append(bindings[port], nat.PortBinding{HostPort: strconv.Itoa(p.HostPort)})
		}
		containerConfig.ExposedPorts = exposed
		hostConfig.PortBindings = bindings
	}

	return containerConfig, hostConfig, nil
}

// classifyDockerError wraps err with the runtime sentinel matching its cause.
func classifyDockerError(op string, err error) error {
	switch {
	case client.IsErrConnectionFailed(err),
		errdefs.IsUnavailable(err),
		errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%s: %w: %v", op, ErrRuntimeUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
