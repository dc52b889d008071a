// Package pipeline runs one validation end to end: fetch inputs, drive the
// sandbox, evaluate field coverage, assemble the report, and build a
// diagnostic bundle on failure. The sandbox instance is destroyed and the
// scratch workspace removed on every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Alrudin/packcheck/internal/core/domain"
	"github.com/Alrudin/packcheck/internal/core/pack"
	"github.com/Alrudin/packcheck/internal/core/report"
	"github.com/Alrudin/packcheck/internal/shell/artifact"
	"github.com/Alrudin/packcheck/internal/shell/sandbox"
)

// =============================================================================
// Phases and Errors
// =============================================================================

// Phases tag which pipeline step an error came from.
const (
	PhaseWorkspace = "workspace"
	PhaseDownload  = "download"
	PhaseInspect   = "inspect"
	PhaseCreate    = "create"
	PhaseReady     = "ready"
	PhaseInstall   = "install"
	PhaseIndex     = "index"
	PhaseIngest    = "ingest"
	PhaseQuery     = "query"
)

// PhaseError wraps any failure between sandbox creation and report
// evaluation with the phase it happened in. The scheduler turns it into a
// FAILED run.
type PhaseError struct {
	Phase   string
	Details string
	Err     error
}

func (e *PhaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed in phase %s: %s: %v", e.Phase, e.Details, e.Err)
	}
	return fmt.Sprintf("validation failed in phase %s: %s", e.Phase, e.Details)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func phaseErr(phase, details string, err error) *PhaseError {
	return &PhaseError{Phase: phase, Details: details, Err: err}
}

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// SandboxDriver is the orchestrator surface the pipeline consumes,
// satisfied by *sandbox.Orchestrator.
type SandboxDriver interface {
	Create(ctx context.Context, runID string) (*sandbox.Instance, error)
	WaitUntilReady(ctx context.Context, inst *sandbox.Instance, timeout time.Duration) error
	InstallPackage(ctx context.Context, inst *sandbox.Instance, artifactPath string) (string, error)
	CreateIndex(ctx context.Context, inst *sandbox.Instance, name string) error
	Ingest(ctx context.Context, inst *sandbox.Instance, index, sourcetype, filePath string) (int64, error)
	WaitForCount(ctx context.Context, inst *sandbox.Instance, index string, expected int64, timeout time.Duration) int64
	Query(ctx context.Context, inst *sandbox.Instance, query string, timeout time.Duration) ([]map[string]string, error)
	Logs(ctx context.Context, inst *sandbox.Instance, which string, lines int) string
	Destroy(ctx context.Context, inst *sandbox.Instance) error
}

// RunStore is the state-store surface the pipeline consumes.
type RunStore interface {
	SetRunSandbox(ctx context.Context, id, sandboxID string) error
	ListActiveSamples(ctx context.Context, requestID string) ([]domain.Sample, error)
}

// =============================================================================
// Pipeline
// =============================================================================

// Config holds pipeline tunables.
type Config struct {
	// WorkDir is the base for per-run scratch workspaces. Empty means the
	// system temp directory.
	WorkDir string

	// IndexName is the sandbox index every run ingests into.
	IndexName string

	// CoverageThreshold is the passing fraction of expected fields, 0..1.
	CoverageThreshold float64

	// SampleLimit bounds the recent-event sample queried for evaluation.
	SampleLimit int

	ReadyTimeout time.Duration
	IndexTimeout time.Duration
	QueryTimeout time.Duration

	// DestroyTimeout bounds sandbox teardown, which runs detached from the
	// caller's context so cancellation cannot leak an instance.
	DestroyTimeout time.Duration

	// BundlePrefix is the object-key prefix for diagnostic bundles.
	BundlePrefix string

	LogTailLines int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		IndexName:         "main",
		CoverageThreshold: 0.8,
		SampleLimit:       100,
		ReadyTimeout:      5 * time.Minute,
		IndexTimeout:      2 * time.Minute,
		QueryTimeout:      time.Minute,
		DestroyTimeout:    2 * time.Minute,
		BundlePrefix:      "bundles",
		LogTailLines:      500,
	}
}

// Result carries what one run produced. BundleKey may be set even when
// Report is nil: a phase failure still gets a diagnostic bundle.
type Result struct {
	Report    *domain.ValidationReport
	BundleKey string
}

// Pipeline executes validation runs.
type Pipeline struct {
	driver    SandboxDriver
	artifacts artifact.Store
	store     RunStore
	config    Config
	logger    *slog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(driver SandboxDriver, artifacts artifact.Store, store RunStore, config Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		driver:    driver,
		artifacts: artifacts,
		store:     store,
		config:    config,
		logger:    logger.With("component", "pipeline"),
	}
}

// Run executes one validation. A nil error with a FAILED report means the
// checks failed; a *PhaseError means the run broke before a report could
// be computed. Either way the returned Result carries the bundle key if a
// diagnostic bundle was uploaded.
func (p *Pipeline) Run(ctx context.Context, run *domain.ValidationRun) (*Result, error) {
	logger := p.logger.With("run_id", run.ID, "request_id", run.RequestID)
	logger.Info("starting validation run", "artifact_key", run.ArtifactKey)

	ws, err := newWorkspace(p.config.WorkDir)
	if err != nil {
		return &Result{}, phaseErr(PhaseWorkspace, "failed to acquire scratch workspace", err)
	}
	defer func() {
		if err := ws.Cleanup(); err != nil {
			logger.Warn("failed to remove workspace", "dir", ws.dir, "error", err)
		}
	}()

	// Fetch the artifact and every active sample before touching Docker,
	// so download failures never cost a sandbox.
	artifactPath := ws.Path(run.ArtifactKey)
	if err := p.artifacts.DownloadTo(ctx, run.ArtifactKey, artifactPath); err != nil {
		return &Result{}, phaseErr(PhaseDownload,
			fmt.Sprintf("failed to download artifact %s", run.ArtifactKey), err)
	}

	samples, err := p.store.ListActiveSamples(ctx, run.RequestID)
	if err != nil {
		return &Result{}, phaseErr(PhaseDownload, "failed to list samples", err)
	}
	samplePaths := make([]string, len(samples))
	for i, sample := range samples {
		samplePaths[i] = ws.Path(fmt.Sprintf("%02d-%s", i, filepath.Base(sample.ObjectKey)))
		if err := p.artifacts.DownloadTo(ctx, sample.ObjectKey, samplePaths[i]); err != nil {
			return &Result{}, phaseErr(PhaseDownload,
				fmt.Sprintf("failed to download sample %s", sample.ObjectKey), err)
		}
	}

	info, err := pack.Inspect(artifactPath)
	if err != nil {
		return &Result{}, phaseErr(PhaseInspect, "artifact is not a readable package archive", err)
	}

	inst, err := p.driver.Create(ctx, run.ID)
	if err != nil {
		result := &Result{}
		result.BundleKey = p.buildBundle(run, ws, artifactPath, nil, nil,
			failureSummary(run, PhaseCreate, err, nil))
		return result, phaseErr(PhaseCreate, "failed to create sandbox", err)
	}
	defer p.destroy(inst, logger)

	// Record the instance reference right away so a stuck run can always
	// be traced to its container.
	if err := p.store.SetRunSandbox(ctx, run.ID, inst.ID); err != nil {
		logger.Warn("failed to persist sandbox reference", "sandbox_id", inst.ID, "error", err)
	}

	rep, err := p.exercise(ctx, run, inst, info, artifactPath, samples, samplePaths, logger)
	if err != nil {
		var pe *PhaseError
		errors.As(err, &pe)
		result := &Result{}
		result.BundleKey = p.buildBundle(run, ws, artifactPath, inst, nil,
			failureSummary(run, pe.Phase, err, nil))
		return result, err
	}

	result := &Result{Report: rep}
	if rep.Status == domain.RunStatusFailed {
		result.BundleKey = p.buildBundle(run, ws, artifactPath, inst, rep,
			failureSummary(run, "", nil, rep))
	}

	logger.Info("validation run evaluated",
		"status", rep.Status,
		"coverage_pct", rep.Summary.CoveragePct,
		"total_events", rep.Summary.TotalEvents)
	return result, nil
}

// exercise drives the sandbox through install, ingest, and query, and
// evaluates the report. Any error it returns is a *PhaseError.
func (p *Pipeline) exercise(
	ctx context.Context,
	run *domain.ValidationRun,
	inst *sandbox.Instance,
	info *pack.Info,
	artifactPath string,
	samples []domain.Sample,
	samplePaths []string,
	logger *slog.Logger,
) (*domain.ValidationReport, error) {
	if err := p.driver.WaitUntilReady(ctx, inst, p.config.ReadyTimeout); err != nil {
		return nil, phaseErr(PhaseReady, "sandbox did not become ready", err)
	}

	pkgName, err := p.driver.InstallPackage(ctx, inst, artifactPath)
	if err != nil {
		return nil, phaseErr(PhaseInstall,
			fmt.Sprintf("failed to install package %s", info.Name), err)
	}

	if err := p.driver.CreateIndex(ctx, inst, p.config.IndexName); err != nil {
		return nil, phaseErr(PhaseIndex,
			fmt.Sprintf("failed to create index %s", p.config.IndexName), err)
	}

	var ingested int64
	for i, sample := range samples {
		count, err := p.driver.Ingest(ctx, inst, p.config.IndexName, sample.Sourcetype, samplePaths[i])
		if err != nil {
			return nil, phaseErr(PhaseIngest,
				fmt.Sprintf("failed to ingest sample %s", sample.ObjectKey), err)
		}
		ingested += count
	}

	finalCount := p.driver.WaitForCount(ctx, inst, p.config.IndexName, ingested, p.config.IndexTimeout)
	logger.Debug("indexing settled", "submitted", ingested, "indexed", finalCount)

	search := fmt.Sprintf("search index=%s | head %d", p.config.IndexName, p.config.SampleLimit)
	rows, err := p.driver.Query(ctx, inst, search, p.config.QueryTimeout)
	if err != nil {
		return nil, phaseErr(PhaseQuery, "failed to query recent events", err)
	}

	events := make([]report.Event, len(rows))
	for i, row := range rows {
		events[i] = report.Event(row)
	}

	rep := report.Evaluate(report.Input{
		PackageName:       pkgName,
		IndexName:         p.config.IndexName,
		IngestedCount:     finalCount,
		ExpectedFields:    report.ExpectedFields(info.DeclaredFields),
		Events:            events,
		CoverageThreshold: p.config.CoverageThreshold,
	})
	return rep, nil
}

// destroy tears the sandbox down on its own context so a cancelled run
// still cleans up.
func (p *Pipeline) destroy(inst *sandbox.Instance, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.DestroyTimeout)
	defer cancel()

	if err := p.driver.Destroy(ctx, inst); err != nil {
		logger.Error("failed to destroy sandbox", "sandbox_id", inst.ID, "error", err)
		return
	}
	logger.Info("sandbox destroyed", "sandbox_id", inst.ID)
}
