package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrPortAllocated is returned when a host port the instance was given
	// got taken between allocation and container start. Retryable.
	ErrPortAllocated = errors.New("port is already allocated")

	// ErrSandboxGone is returned when the instance's container disappeared
	// or stopped while it was being waited on. Distinct from a timeout.
	ErrSandboxGone = errors.New("sandbox container is gone")

	// ErrContainerNotFound is returned for operations on missing containers.
	ErrContainerNotFound = errors.New("container not found")

	// ErrIngestFailed is returned when a oneshot sample load fails.
	ErrIngestFailed = errors.New("sample ingestion failed")

	// ErrConnectionFailed is returned when the container runtime is unreachable.
	ErrConnectionFailed = errors.New("container runtime connection failed")
)

// SandboxError wraps sandbox operation failures with context.
type SandboxError struct {
	Op         string // Operation that failed
	InstanceID string // Instance ID if applicable
	Message    string
	Err        error
}

func (e *SandboxError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.InstanceID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *SandboxError) Unwrap() error {
	return e.Err
}

// NewSandboxError creates a new SandboxError.
func NewSandboxError(op, instanceID, message string, err error) *SandboxError {
	return &SandboxError{Op: op, InstanceID: instanceID, Message: message, Err: err}
}

// =============================================================================
// Timeout Error
// =============================================================================

// TimeoutError reports which wait expired. Every blocking external wait has
// its own phase so failures name the wait that timed out.
type TimeoutError struct {
	Phase   string // "ready", "restart", "query", ...
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s after %s", e.Phase, e.Timeout)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError, and if so for
// which phase.
func IsTimeout(err error) (string, bool) {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Phase, true
	}
	return "", false
}

// =============================================================================
// Install Error
// =============================================================================

// InstallError is returned when a package fails to install or does not show
// up as registered after the restart.
type InstallError struct {
	Package string
	Message string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s: %s", e.Package, e.Message)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Query Error
// =============================================================================

// QueryErrorKind distinguishes where a query failed.
type QueryErrorKind string

const (
	QuerySubmitFailed QueryErrorKind = "submit"
	QueryFetchFailed  QueryErrorKind = "fetch"
)

// QueryError is returned for async query-job failures other than timeouts.
type QueryError struct {
	Kind    QueryErrorKind
	JobID   string
	Message string
	Err     error
}

func (e *QueryError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("query %s (job %s): %s", e.Kind, e.JobID, e.Message)
	}
	return fmt.Sprintf("query %s: %s", e.Kind, e.Message)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}
