package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

// DockerClient implements ContainerClient using the Docker SDK.
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient creates a new Docker client.
// If host is empty, the default Docker host from the environment is used.
func NewDockerClient(host string) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewSandboxError("NewDockerClient", "", "failed to create client", ErrConnectionFailed)
	}
	return &DockerClient{cli: cli}, nil
}

// Ping checks if the Docker daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewSandboxError("Ping", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates a new container from the given spec.
func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:  spec.Image,
		Labels: spec.Labels,
	}
	for k, v := range spec.Env {
		config.Env = append(config.Env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{}
	if len(spec.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}
		for _, p := range spec.Ports {
			containerPort := nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))
			exposedPorts[containerPort] = struct{}{}
			portBindings[containerPort] = []nat.PortBinding{
				{HostPort: fmt.Sprintf("%d", p.HostPort)},
			}
		}
		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		if strings.Contains(err.Error(), "port is already allocated") {
			return "", NewSandboxError("CreateContainer", spec.Name, err.Error(), ErrPortAllocated)
		}
		return "", NewSandboxError("CreateContainer", spec.Name, err.Error(), err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container. Port conflicts surface here
// rather than at create time, so the allocated-port sentinel is mapped
// here as well.
func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewSandboxError("StartContainer", containerID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "port is already allocated") {
			return NewSandboxError("StartContainer", containerID, err.Error(), ErrPortAllocated)
		}
		return NewSandboxError("StartContainer", containerID, err.Error(), err)
	}
	return nil
}

// StopContainer stops a running container gracefully within timeout.
func (d *DockerClient) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	stopOptions := container.StopOptions{}
	if timeout != nil {
		seconds := int(timeout.Seconds())
		stopOptions.Timeout = &seconds
	}

	err := d.cli.ContainerStop(ctx, containerID, stopOptions)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewSandboxError("StopContainer", containerID, "container not found", ErrContainerNotFound)
		}
		return NewSandboxError("StopContainer", containerID, err.Error(), err)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         opts.Force,
		RemoveVolumes: opts.RemoveVolumes,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewSandboxError("RemoveContainer", containerID, "container not found", ErrContainerNotFound)
		}
		return NewSandboxError("RemoveContainer", containerID, err.Error(), err)
	}
	return nil
}

// InspectContainer returns the container state the orchestrator needs.
func (d *DockerClient) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewSandboxError("InspectContainer", containerID, "container not found", ErrContainerNotFound)
		}
		return nil, NewSandboxError("InspectContainer", containerID, err.Error(), err)
	}

	return &ContainerInfo{
		ID:     resp.ID,
		Name:   strings.TrimPrefix(resp.Name, "/"),
		Status: ContainerStatus(resp.State.Status),
		Labels: resp.Config.Labels,
	}, nil
}

// ListContainers lists containers matching the given labels.
func (d *DockerClient) ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for k, v := range opts.Labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     opts.All,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, NewSandboxError("ListContainers", "", err.Error(), err)
	}

	result := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Status: ContainerStatus(c.State),
			Labels: c.Labels,
		})
	}
	return result, nil
}

// =============================================================================
// File / Exec / Logs
// =============================================================================

// CopyToContainer extracts a tar stream into destDir inside the container.
func (d *DockerClient) CopyToContainer(ctx context.Context, containerID, destDir string, tarContent io.Reader) error {
	err := d.cli.CopyToContainer(ctx, containerID, destDir, tarContent, container.CopyToContainerOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewSandboxError("CopyToContainer", containerID, "container not found", ErrContainerNotFound)
		}
		return NewSandboxError("CopyToContainer", containerID, err.Error(), err)
	}
	return nil
}

// ExecContainer runs cmd inside the container and returns combined output.
func (d *DockerClient) ExecContainer(ctx context.Context, containerID string, cmd []string) (string, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", NewSandboxError("ExecContainer", containerID, err.Error(), err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", NewSandboxError("ExecContainer", containerID, err.Error(), err)
	}
	defer attach.Close()

	output, err := io.ReadAll(attach.Reader)
	if err != nil {
		return "", NewSandboxError("ExecContainer", containerID, err.Error(), err)
	}
	return string(output), nil
}

// ContainerLogs returns up to tail lines of the container's output.
func (d *DockerClient) ContainerLogs(ctx context.Context, containerID string, tail int) (string, error) {
	tailStr := "all"
	if tail > 0 {
		tailStr = fmt.Sprintf("%d", tail)
	}

	reader, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailStr,
		Timestamps: true,
	})
	if err != nil {
		return "", NewSandboxError("ContainerLogs", containerID, err.Error(), err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", NewSandboxError("ContainerLogs", containerID, err.Error(), err)
	}
	return string(data), nil
}

// =============================================================================
// Image Operations
// =============================================================================

// EnsureImage pulls the image if it is not already present.
func (d *DockerClient) EnsureImage(ctx context.Context, ref string) error {
	list, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err == nil && len(list) > 0 {
		return nil
	}

	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return NewSandboxError("EnsureImage", "", fmt.Sprintf("failed to pull %s: %v", ref, err), err)
	}
	defer reader.Close()

	// Drain the pull progress stream so the pull completes.
	_, err = io.Copy(io.Discard, reader)
	if err != nil {
		return NewSandboxError("EnsureImage", "", fmt.Sprintf("failed to pull %s: %v", ref, err), err)
	}
	return nil
}
