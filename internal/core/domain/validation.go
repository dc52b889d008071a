package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Validation Errors
// =============================================================================

var (
	// ErrInvalidTransition is returned when a run status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRunAlreadyTerminal is returned when terminal results are written twice.
	ErrRunAlreadyTerminal = errors.New("validation run is already terminal")
)

// =============================================================================
// Run Status
// =============================================================================

// RunStatus is the lifecycle state of a validation run.
type RunStatus string

const (
	RunStatusQueued  RunStatus = "QUEUED"
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusPassed  RunStatus = "PASSED"
	RunStatusFailed  RunStatus = "FAILED"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusPassed || s == RunStatusFailed
}

// Active reports whether the run still occupies (or will occupy) a
// validation slot.
func (s RunStatus) Active() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// validTransitions maps each status to the statuses it may move to.
// Status is monotonic: nothing leaves a terminal state, and nothing
// leaves RUNNING except to a terminal state.
var validTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:  {RunStatusRunning, RunStatusFailed},
	RunStatusRunning: {RunStatusPassed, RunStatusFailed},
	RunStatusPassed:  {},
	RunStatusFailed:  {},
}

// ValidateTransition checks whether from → to is an allowed transition.
func ValidateTransition(from, to RunStatus) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// =============================================================================
// Request Status
// =============================================================================

// RequestStatus is the subset of the owning request's lifecycle this
// subsystem writes. The request workflow itself lives elsewhere.
type RequestStatus string

const (
	RequestStatusValidating RequestStatus = "VALIDATING"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusFailed     RequestStatus = "FAILED"
)

// =============================================================================
// Validation Run
// =============================================================================

// ValidationRun is one attempt to empirically validate a generated package.
// Runs are never deleted; re-validation appends a new run for the same request.
type ValidationRun struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	RevisionID  string    `json:"revision_id"`
	ArtifactKey string    `json:"artifact_key"`
	Status      RunStatus `json:"status"`

	// Report is nil until the run reaches a terminal state.
	Report *ValidationReport `json:"report,omitempty"`

	// BundleKey references the diagnostic bundle in the artifact store,
	// set only for failed runs that produced one.
	BundleKey string `json:"bundle_key,omitempty"`

	// SandboxID is the transient sandbox instance reference, recorded as
	// soon as the instance exists so operators can always find it.
	SandboxID string `json:"sandbox_id,omitempty"`

	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// DurationSecs is derived once at completion from StartedAt/CompletedAt.
	DurationSecs float64 `json:"duration_secs,omitempty"`
}

// NewValidationRun creates a run in QUEUED for the given request revision.
func NewValidationRun(requestID, revisionID, artifactKey string) *ValidationRun {
	return &ValidationRun{
		ID:          uuid.New().String(),
		RequestID:   requestID,
		RevisionID:  revisionID,
		ArtifactKey: artifactKey,
		Status:      RunStatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
}

// Complete writes the terminal state onto the run. It is the only place
// results and completion timestamps are set, and it refuses to run twice.
func (r *ValidationRun) Complete(status RunStatus, report *ValidationReport, errorMessage string) error {
	if r.Status.Terminal() {
		return ErrRunAlreadyTerminal
	}
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	r.Status = status
	r.Report = report
	r.ErrorMessage = errorMessage
	r.CompletedAt = &now
	if r.StartedAt != nil {
		r.DurationSecs = now.Sub(*r.StartedAt).Seconds()
	}
	return nil
}

// =============================================================================
// Sample
// =============================================================================

// Sample is one uploaded data file attached to a request, ingested into the
// sandbox during validation. Only active samples participate.
type Sample struct {
	ID         string `json:"id"`
	RequestID  string `json:"request_id"`
	ObjectKey  string `json:"object_key"`
	Sourcetype string `json:"sourcetype"`
	Active     bool   `json:"active"`
}
