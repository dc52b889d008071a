package store

import (
	"context"
	"time"

	"github.com/Alrudin/packcheck/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for validation state.
type Store interface {
	// Validation run operations
	CreateRun(ctx context.Context, run *domain.ValidationRun) error
	GetRun(ctx context.Context, id string) (*domain.ValidationRun, error)
	ListRunsByRequest(ctx context.Context, requestID string) ([]domain.ValidationRun, error)

	// SetRunSandbox records the transient sandbox reference as soon as the
	// instance exists, so operators can always find it.
	SetRunSandbox(ctx context.Context, id, sandboxID string) error

	// ClaimRun atomically transitions a run QUEUED→RUNNING iff fewer than
	// maxRunning runs are currently RUNNING. One statement, so concurrent
	// workers cannot both win the last slot. Returns false without error
	// when the cap is saturated; ErrNotQueued when the run already left
	// QUEUED.
	ClaimRun(ctx context.Context, id string, maxRunning int) (bool, error)

	// CompleteRun writes the terminal status, report, bundle key, error
	// message, and completion timestamp exactly once. A second call (or a
	// call on an already-terminal run) returns ErrAlreadyTerminal.
	CompleteRun(ctx context.Context, run *domain.ValidationRun) error

	// CountActiveRuns returns the number of runs in QUEUED or RUNNING.
	CountActiveRuns(ctx context.Context) (int, error)

	// ListStaleRunning returns runs stuck in RUNNING since before cutoff,
	// used for crash recovery at startup.
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]domain.ValidationRun, error)

	// Request operations (boundary of the external workflow)
	GetRequest(ctx context.Context, id string) (*domain.Request, error)
	UpdateRequestStatus(ctx context.Context, id string, status domain.RequestStatus) error

	// Sample operations
	ListActiveSamples(ctx context.Context, requestID string) ([]domain.Sample, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
