package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Alrudin/packcheck/internal/core/pack"
)

// =============================================================================
// Orchestrator Configuration
// =============================================================================

// Config configures sandbox instances and the poll loops that drive them.
type Config struct {
	// Image is the indexing-service container image.
	Image string

	// AdminUser is the management API user; the password is generated
	// per instance.
	AdminUser string

	// Container ports the service listens on.
	MgmtContainerPort   int
	IngestContainerPort int

	// AppsDir is the in-container directory packages are installed into.
	AppsDir string

	// SamplesDir is the in-container directory sample files are copied to.
	SamplesDir string

	// ReadyPollInterval is how often the readiness poll hits the health
	// endpoint. Default 5s.
	ReadyPollInterval time.Duration

	// CountPollInterval is how often the ingest-count poll runs.
	CountPollInterval time.Duration

	// QueryPollInterval is how often async job status is polled.
	QueryPollInterval time.Duration

	// CreateRetries bounds the retries on port-conflict failures.
	CreateRetries int

	// CreateRetryDelay is the fixed backoff between create retries.
	CreateRetryDelay time.Duration

	// StopTimeout bounds the graceful stop before the forced removal.
	StopTimeout time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Image:               "splunk/splunk:9.2",
		AdminUser:           "admin",
		MgmtContainerPort:   8089,
		IngestContainerPort: 8088,
		AppsDir:             "/opt/splunk/etc/apps",
		SamplesDir:          "/tmp/packcheck-samples",
		ReadyPollInterval:   5 * time.Second,
		CountPollInterval:   5 * time.Second,
		QueryPollInterval:   2 * time.Second,
		CreateRetries:       3,
		CreateRetryDelay:    2 * time.Second,
		StopTimeout:         30 * time.Second,
	}
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator manages one ephemeral sandbox instance end-to-end: create,
// wait-until-ready, install, index, ingest, query, logs, destroy. Each
// instance is exclusively owned by one validation run.
type Orchestrator struct {
	docker  ContainerClient
	config  Config
	logger  *slog.Logger
	newMgmt MgmtClientFactory
}

// NewOrchestrator creates a new sandbox orchestrator.
func NewOrchestrator(docker ContainerClient, config Config, logger *slog.Logger) *Orchestrator {
	if config.Image == "" {
		config = DefaultConfig()
	}
	if config.ReadyPollInterval == 0 {
		config.ReadyPollInterval = 5 * time.Second
	}
	if config.CountPollInterval == 0 {
		config.CountPollInterval = 5 * time.Second
	}
	if config.QueryPollInterval == 0 {
		config.QueryPollInterval = 2 * time.Second
	}
	if config.CreateRetries == 0 {
		config.CreateRetries = 3
	}
	if config.CreateRetryDelay == 0 {
		config.CreateRetryDelay = 2 * time.Second
	}
	if config.StopTimeout == 0 {
		config.StopTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		docker:  docker,
		config:  config,
		logger:  logger.With("component", "sandbox"),
		newMgmt: NewMgmtClient,
	}
}

// =============================================================================
// Create
// =============================================================================

// Create allocates a sandbox instance with OS-assigned host ports and starts
// its container. Only port-conflict failures are retried (the kernel handed
// the port out, but another process can still grab it before the container
// binds); anything else is fatal for this call.
func (o *Orchestrator) Create(ctx context.Context, runID string) (*Instance, error) {
	if err := o.docker.EnsureImage(ctx, o.config.Image); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= o.config.CreateRetries; attempt++ {
		if attempt > 0 {
			o.logger.Warn("retrying sandbox create after port conflict",
				"run_id", runID, "attempt", attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.config.CreateRetryDelay):
			}
		}

		inst, err := o.createOnce(ctx, runID)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, ErrPortAllocated) {
			return nil, err
		}
		lastErr = err
	}
	return nil, NewSandboxError("Create", "",
		fmt.Sprintf("gave up after %d port-conflict retries", o.config.CreateRetries), lastErr)
}

func (o *Orchestrator) createOnce(ctx context.Context, runID string) (*Instance, error) {
	mgmtPort, err := freePort()
	if err != nil {
		return nil, NewSandboxError("Create", "", "failed to allocate management port", err)
	}
	ingestPort, err := freePort()
	if err != nil {
		return nil, NewSandboxError("Create", "", "failed to allocate ingestion port", err)
	}

	inst := &Instance{
		ID:         "sbx-" + uuid.New().String()[:8],
		RunID:      runID,
		MgmtPort:   mgmtPort,
		IngestPort: ingestPort,
		MgmtURL:    fmt.Sprintf("https://127.0.0.1:%d", mgmtPort),
		IngestURL:  fmt.Sprintf("https://127.0.0.1:%d", ingestPort),
		Username:   o.config.AdminUser,
		Password:   uuid.New().String(),
		State:      StateCreating,
	}
	inst.Name = "packcheck-" + inst.ID

	spec := ContainerSpec{
		Name:  inst.Name,
		Image: o.config.Image,
		Env: map[string]string{
			"SPLUNK_START_ARGS": "--accept-license",
			"SPLUNK_PASSWORD":   inst.Password,
		},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelRun:     runID,
		},
		Ports: []PortBinding{
			{ContainerPort: o.config.MgmtContainerPort, HostPort: mgmtPort},
			{ContainerPort: o.config.IngestContainerPort, HostPort: ingestPort},
		},
	}

	containerID, err := o.docker.CreateContainer(ctx, spec)
	if err != nil {
		return nil, err
	}
	inst.ContainerID = containerID

	if err := o.docker.StartContainer(ctx, containerID); err != nil {
		// A conflicting bind surfaces at start; release the container
		// before the caller retries with fresh ports.
		_ = o.docker.RemoveContainer(ctx, containerID, RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, err
	}

	inst.State = StateStarting
	o.logger.Info("sandbox created",
		"instance_id", inst.ID,
		"run_id", runID,
		"container_id", shortID(containerID),
		"mgmt_port", mgmtPort,
		"ingest_port", ingestPort,
	)
	return inst, nil
}

// freePort asks the kernel for an unused TCP port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// =============================================================================
// Wait Until Ready
// =============================================================================

// WaitUntilReady polls the management health endpoint until the service
// answers, the container dies, or timeout expires. A dead container is
// ErrSandboxGone, not a timeout.
func (o *Orchestrator) WaitUntilReady(ctx context.Context, inst *Instance, timeout time.Duration) error {
	return o.waitUntilReady(ctx, inst, timeout, "ready")
}

func (o *Orchestrator) waitUntilReady(ctx context.Context, inst *Instance, timeout time.Duration, phase string) error {
	mgmt := o.newMgmt(inst)
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(o.config.ReadyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			info, err := o.docker.InspectContainer(ctx, inst.ContainerID)
			if err != nil {
				if errors.Is(err, ErrContainerNotFound) {
					inst.State = StateFailed
					return NewSandboxError("WaitUntilReady", inst.ID, "container disappeared", ErrSandboxGone)
				}
				return err
			}
			if !info.Status.Running() {
				inst.State = StateFailed
				return NewSandboxError("WaitUntilReady", inst.ID,
					fmt.Sprintf("container is %s", info.Status), ErrSandboxGone)
			}

			if err := mgmt.ServerInfo(ctx); err == nil {
				inst.State = StateReady
				o.logger.Info("sandbox ready", "instance_id", inst.ID, "phase", phase)
				return nil
			}

			if time.Now().After(deadline) {
				return &TimeoutError{Phase: phase, Timeout: timeout}
			}
			o.logger.Debug("sandbox not yet ready", "instance_id", inst.ID, "phase", phase)
		}
	}
}

// =============================================================================
// Install Package
// =============================================================================

// InstallPackage copies the package archive into the instance's apps
// directory, restarts the service, waits for it to come back, and verifies
// the package is registered. The install/restart/verify phases fail with
// distinct errors so each can be inspected independently.
func (o *Orchestrator) InstallPackage(ctx context.Context, inst *Instance, artifactPath string) (string, error) {
	info, err := pack.Inspect(artifactPath)
	if err != nil {
		return "", &InstallError{Package: artifactPath, Message: "failed to inspect package archive", Err: err}
	}

	f, err := os.Open(artifactPath)
	if err != nil {
		return "", &InstallError{Package: info.Name, Message: "failed to open package archive", Err: err}
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return "", &InstallError{Package: info.Name, Message: "failed to read package archive", Err: err}
	}
	err = o.docker.CopyToContainer(ctx, inst.ContainerID, o.config.AppsDir, gz)
	gz.Close()
	f.Close()
	if err != nil {
		return "", &InstallError{Package: info.Name, Message: "failed to copy package into sandbox", Err: err}
	}
	o.logger.Info("package copied into sandbox", "instance_id", inst.ID, "package", info.Name)

	mgmt := o.newMgmt(inst)
	if err := mgmt.Restart(ctx); err != nil {
		return "", &InstallError{Package: info.Name, Message: "failed to trigger restart", Err: err}
	}
	inst.State = StateStarting

	// Give the service a moment to actually go down before polling, or the
	// first poll can hit the pre-restart listener and report ready early.
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(o.config.ReadyPollInterval):
	}

	if err := o.waitUntilReady(ctx, inst, installReadyTimeout, "restart"); err != nil {
		return "", err
	}

	installed, err := mgmt.AppInstalled(ctx, info.Name)
	if err != nil {
		return "", &InstallError{Package: info.Name, Message: "failed to verify registration", Err: err}
	}
	if !installed {
		return "", &InstallError{Package: info.Name, Message: "package is not registered after restart"}
	}

	o.logger.Info("package installed", "instance_id", inst.ID, "package", info.Name)
	return info.Name, nil
}

// installReadyTimeout bounds the post-restart readiness wait.
const installReadyTimeout = 5 * time.Minute

// =============================================================================
// Index / Ingest
// =============================================================================

// CreateIndex creates the test index. Already-exists is success.
func (o *Orchestrator) CreateIndex(ctx context.Context, inst *Instance, name string) error {
	mgmt := o.newMgmt(inst)
	if err := mgmt.CreateIndex(ctx, name); err != nil {
		return NewSandboxError("CreateIndex", inst.ID, fmt.Sprintf("failed to create index %s", name), err)
	}
	o.logger.Info("index ready", "instance_id", inst.ID, "index", name)
	return nil
}

// Ingest copies one sample file into the instance and triggers a synchronous
// oneshot load. Returns the approximate event count (lines in the sample).
func (o *Orchestrator) Ingest(ctx context.Context, inst *Instance, index, sourcetype, filePath string) (int64, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read sample %s: %v", ErrIngestFailed, filePath, err)
	}

	base := sanitizeBaseName(filePath)
	tarball, err := tarFile(base, data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIngestFailed, err)
	}
	if err := o.docker.CopyToContainer(ctx, inst.ContainerID, o.config.SamplesDir, tarball); err != nil {
		return 0, fmt.Errorf("%w: failed to copy sample into sandbox: %v", ErrIngestFailed, err)
	}

	containerPath := o.config.SamplesDir + "/" + base
	mgmt := o.newMgmt(inst)
	if err := mgmt.Oneshot(ctx, containerPath, index, sourcetype); err != nil {
		return 0, fmt.Errorf("%w: oneshot load of %s: %v", ErrIngestFailed, base, err)
	}

	count := countLines(data)
	o.logger.Info("sample ingested",
		"instance_id", inst.ID,
		"file", base,
		"sourcetype", sourcetype,
		"approx_events", count,
	)
	return count, nil
}

// WaitForCount polls the index event count until expected is met, the count
// stabilizes across two consecutive polls, or timeout. Best-effort: always
// returns the last observed count and never fails the run. The
// stabilization heuristic is a fallback for unknown totals, not a
// correctness guarantee.
func (o *Orchestrator) WaitForCount(ctx context.Context, inst *Instance, index string, expected int64, timeout time.Duration) int64 {
	mgmt := o.newMgmt(inst)
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(o.config.CountPollInterval)
	defer ticker.Stop()

	var last int64 = -1
	for {
		select {
		case <-ctx.Done():
			return maxInt64(last, 0)
		case <-ticker.C:
			count, err := mgmt.IndexEventCount(ctx, index)
			if err != nil {
				// An errored poll carries no information; it must not feed
				// the stabilization comparison below.
				o.logger.Debug("count poll failed", "instance_id", inst.ID, "error", err)
				if time.Now().After(deadline) {
					o.logger.Warn("index count did not settle before timeout",
						"instance_id", inst.ID, "index", index, "count", last, "expected", expected)
					return maxInt64(last, 0)
				}
				continue
			}

			if expected > 0 && count >= expected {
				return count
			}
			if expected <= 0 && count > 0 && count == last {
				return count
			}
			if time.Now().After(deadline) {
				o.logger.Warn("index count did not settle before timeout",
					"instance_id", inst.ID, "index", index, "count", count, "expected", expected)
				return maxInt64(count, 0)
			}
			last = count
		}
	}
}

// =============================================================================
// Query
// =============================================================================

// maxQueryRows caps result fetches; validation samples are small.
const maxQueryRows = 200

// Query submits an async search job, polls until done or timeout, and
// fetches the result rows. Submission failures, fetch failures, and
// timeouts are distinct error kinds.
func (o *Orchestrator) Query(ctx context.Context, inst *Instance, query string, timeout time.Duration) ([]map[string]string, error) {
	mgmt := o.newMgmt(inst)

	jobID, err := mgmt.SubmitSearch(ctx, query)
	if err != nil {
		return nil, &QueryError{Kind: QuerySubmitFailed, Message: err.Error(), Err: err}
	}
	o.logger.Debug("search job submitted", "instance_id", inst.ID, "job_id", jobID)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(o.config.QueryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			done, err := mgmt.SearchDone(ctx, jobID)
			if err != nil {
				return nil, &QueryError{Kind: QueryFetchFailed, JobID: jobID, Message: err.Error(), Err: err}
			}
			if done {
				rows, err := mgmt.SearchResults(ctx, jobID, maxQueryRows)
				if err != nil {
					return nil, &QueryError{Kind: QueryFetchFailed, JobID: jobID, Message: err.Error(), Err: err}
				}
				return rows, nil
			}
			if time.Now().After(deadline) {
				return nil, &TimeoutError{Phase: "query", Timeout: timeout}
			}
		}
	}
}

// =============================================================================
// Logs
// =============================================================================

// Log sources accepted by Logs.
const (
	LogsContainer = "container"
	LogsService   = "splunkd"
)

// Logs tails the requested log source. Best-effort: any failure returns an
// empty string rather than propagating, since logs are only ever collected
// to enrich diagnostics.
func (o *Orchestrator) Logs(ctx context.Context, inst *Instance, which string, lines int) string {
	if inst == nil || inst.ContainerID == "" {
		return ""
	}
	if lines <= 0 {
		lines = 200
	}

	switch which {
	case LogsService:
		out, err := o.docker.ExecContainer(ctx, inst.ContainerID,
			[]string{"tail", "-n", fmt.Sprintf("%d", lines), "/opt/splunk/var/log/splunk/splunkd.log"})
		if err != nil {
			o.logger.Debug("service log tail failed", "instance_id", inst.ID, "error", err)
			return ""
		}
		return out
	default:
		out, err := o.docker.ContainerLogs(ctx, inst.ContainerID, lines)
		if err != nil {
			o.logger.Debug("container log tail failed", "instance_id", inst.ID, "error", err)
			return ""
		}
		return out
	}
}

// =============================================================================
// Destroy
// =============================================================================

// Destroy stops the instance gracefully within the configured timeout, then
// force-removes the container and its anonymous volumes. Idempotent against
// an instance that is already gone.
func (o *Orchestrator) Destroy(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.State == StateRemoved || inst.ContainerID == "" {
		return nil
	}

	stopTimeout := o.config.StopTimeout
	if err := o.docker.StopContainer(ctx, inst.ContainerID, &stopTimeout); err != nil {
		if !errors.Is(err, ErrContainerNotFound) {
			o.logger.Warn("graceful stop failed, forcing removal",
				"instance_id", inst.ID, "error", err)
		}
	} else {
		inst.State = StateStopped
	}

	err := o.docker.RemoveContainer(ctx, inst.ContainerID, RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errors.Is(err, ErrContainerNotFound) {
		return NewSandboxError("Destroy", inst.ID, "failed to remove container", err)
	}

	inst.State = StateRemoved
	o.logger.Info("sandbox destroyed", "instance_id", inst.ID, "run_id", inst.RunID)
	return nil
}

// SweepOrphans removes any managed sandbox containers left behind by runs
// that died without cleanup. Used at daemon startup.
func (o *Orchestrator) SweepOrphans(ctx context.Context) int {
	containers, err := o.docker.ListContainers(ctx, ListOptions{
		All:    true,
		Labels: map[string]string{LabelManaged: "true"},
	})
	if err != nil {
		o.logger.Warn("orphan sweep failed to list containers", "error", err)
		return 0
	}

	removed := 0
	for _, c := range containers {
		err := o.docker.RemoveContainer(ctx, c.ID, RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !errors.Is(err, ErrContainerNotFound) {
			o.logger.Warn("failed to remove orphaned sandbox",
				"container_id", shortID(c.ID), "error", err)
			continue
		}
		removed++
		o.logger.Info("removed orphaned sandbox",
			"container_id", shortID(c.ID), "run_id", c.Labels[LabelRun])
	}
	return removed
}

// =============================================================================
// Helpers
// =============================================================================

// tarFile wraps one file in an in-memory tar stream for CopyToContainer.
func tarFile(name string, data []byte) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	hdr := &tar.Header{
		Name: name,
		Mode: 0644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

// countLines approximates the event count of a line-oriented sample file.
func countLines(data []byte) int64 {
	if len(data) == 0 {
		return 0
	}
	var n int64
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

func sanitizeBaseName(p string) string {
	base := p
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	unsafe := []string{"\\", ":", "*", "?", "\"", "<", ">", "|", " "}
	for _, ch := range unsafe {
		base = strings.ReplaceAll(base, ch, "_")
	}
	if base == "" {
		base = "sample.log"
	}
	return base
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
