package sandbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/config"
	"github.com/crewdeck/crewdeck/internal/common/logger"
)

// containerSpec describes the sandbox container for one dispatch.
type containerSpec struct {
	Name   string
	Image  string
	Env    []string
	Mounts []mountSpec
	Labels map[string]string
}

type mountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// dockerClient wraps the Docker SDK with the operations one sandbox
// lifecycle needs.
type dockerClient struct {
	cli    *client.Client
	logger *logger.Logger
}

func newDockerClient(cfg config.DockerConfig, log *logger.Logger) (*dockerClient, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &dockerClient{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "sandbox-docker")),
	}, nil
}

func (d *dockerClient) Close() error { return d.cli.Close() }

func (d *dockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

func (d *dockerClient) PullImage(ctx context.Context, imageName string) error {
	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Drain so the pull completes before we create the container
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// CreateInteractive creates a container with stdin attached and no TTY, so
// the agent process can be driven over line-delimited JSON-RPC.
func (d *dockerClient) CreateInteractive(ctx context.Context, spec containerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	hostCfg := &container.HostConfig{
		Mounts: mounts,
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	d.logger.Info("sandbox container created",
		zap.String("id", resp.ID),
		zap.String("name", spec.Name))
	return resp.ID, nil
}

func (d *dockerClient) Start(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// attachStreams holds the demultiplexed stdio of an attached container.
type attachStreams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	conn   net.Conn
}

func (a *attachStreams) Close() error {
	if a.Stdin != nil {
		a.Stdin.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
	return nil
}

// Attach connects to the container's stdio. The multiplexed output stream
// is demuxed so Stdout carries clean line-delimited JSON.
func (d *dockerClient) Attach(ctx context.Context, containerID string) (*attachStreams, error) {
	resp, err := d.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container %s: %w", containerID, err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() {
		io.Copy(resp.Conn, stdinReader)
	}()

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutWriter, io.Discard, resp.Reader)
		stdoutWriter.CloseWithError(err)
	}()

	return &attachStreams{
		Stdin:  stdinWriter,
		Stdout: stdoutReader,
		conn:   resp.Conn,
	}, nil
}

// Teardown stops and removes the container. Called on every dispatch exit
// path with its own context so a cancelled dispatch still cleans up.
func (d *dockerClient) Teardown(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopTimeout := 10
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		d.logger.Warn("failed to stop sandbox container",
			zap.String("container_id", containerID),
			zap.Error(err))
	}

	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		d.logger.Warn("failed to remove sandbox container",
			zap.String("container_id", containerID),
			zap.Error(err))
		return
	}

	d.logger.Info("sandbox container removed", zap.String("container_id", containerID))
}
