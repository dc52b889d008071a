// Package sandbox manages ephemeral validation sandboxes: one isolated
// container per validation run, driven through Docker for lifecycle and
// the indexing service's management API for everything else.
package sandbox

import (
	"context"
	"io"
	"time"
)

// =============================================================================
// Instance
// =============================================================================

// InstanceState is the lifecycle state of a sandbox instance.
type InstanceState string

const (
	StateCreating InstanceState = "CREATING"
	StateStarting InstanceState = "STARTING"
	StateReady    InstanceState = "READY"
	StateFailed   InstanceState = "FAILED"
	StateStopped  InstanceState = "STOPPED"
	StateRemoved  InstanceState = "REMOVED"
)

// Instance is the per-run sandbox value object. It is owned by the
// Orchestrator for the duration of one validation, handed to the pipeline
// by reference, and must reach StateRemoved before the pipeline returns.
// It is never persisted.
type Instance struct {
	ID          string
	RunID       string
	ContainerID string
	Name        string

	// OS-assigned host ports for the management API and the ingestion
	// (HTTP event collector) endpoint.
	MgmtPort   int
	IngestPort int

	// Derived endpoint URLs on the local host.
	MgmtURL   string
	IngestURL string

	// Per-instance admin credentials for the management API.
	Username string
	Password string

	State InstanceState
}

// =============================================================================
// Container Spec / Info
// =============================================================================

// ContainerSpec defines the container backing a sandbox instance.
type ContainerSpec struct {
	Name   string
	Image  string
	Env    map[string]string
	Labels map[string]string
	Ports  []PortBinding
}

// PortBinding maps a container port to a host port.
type PortBinding struct {
	ContainerPort int
	HostPort      int
}

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// Running reports whether the container is in a state where the service
// inside it can still become ready.
func (s ContainerStatus) Running() bool {
	return s == ContainerStatusRunning || s == ContainerStatusRestarting || s == ContainerStatusCreated
}

// ContainerInfo contains the subset of container state the orchestrator needs.
type ContainerInfo struct {
	ID     string
	Name   string
	Status ContainerStatus
	Labels map[string]string
}

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions defines options for listing containers.
type ListOptions struct {
	All    bool
	Labels map[string]string
}

// =============================================================================
// Container Client Interface
// =============================================================================

// ContainerClient is the container-runtime surface the orchestrator drives.
// Implemented by DockerClient; faked in tests.
type ContainerClient interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)

	// CopyToContainer extracts the tar stream into destDir inside the container.
	CopyToContainer(ctx context.Context, containerID, destDir string, tarContent io.Reader) error

	// ExecContainer runs cmd inside the container and returns combined output.
	ExecContainer(ctx context.Context, containerID string, cmd []string) (string, error)

	// ContainerLogs returns up to tail lines of the container's own output.
	ContainerLogs(ctx context.Context, containerID string, tail int) (string, error)

	EnsureImage(ctx context.Context, image string) error
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Label Constants
// =============================================================================

const (
	LabelManaged = "com.packcheck.managed"
	LabelRun     = "com.packcheck.run"
)
