package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Alrudin/packcheck/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Row Mapping
// =============================================================================

// runRow represents a validation run row in the database.
type runRow struct {
	ID           string  `db:"id"`
	RequestID    string  `db:"request_id"`
	RevisionID   string  `db:"revision_id"`
	ArtifactKey  string  `db:"artifact_key"`
	Status       string  `db:"status"`
	Report       *string `db:"report"`
	BundleKey    string  `db:"bundle_key"`
	SandboxID    string  `db:"sandbox_id"`
	ErrorMessage string  `db:"error_message"`
	CreatedAt    string  `db:"created_at"`
	StartedAt    *string `db:"started_at"`
	CompletedAt  *string `db:"completed_at"`
	DurationSecs float64 `db:"duration_secs"`
}

func (r runRow) toDomain() (*domain.ValidationRun, error) {
	run := &domain.ValidationRun{
		ID:           r.ID,
		RequestID:    r.RequestID,
		RevisionID:   r.RevisionID,
		ArtifactKey:  r.ArtifactKey,
		Status:       domain.RunStatus(r.Status),
		BundleKey:    r.BundleKey,
		SandboxID:    r.SandboxID,
		ErrorMessage: r.ErrorMessage,
		DurationSecs: r.DurationSecs,
	}

	var err error
	if run.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, NewStoreError("toDomain", "run", r.ID, "invalid created_at", ErrInvalidData)
	}
	if run.StartedAt, err = parseTimePtr(r.StartedAt); err != nil {
		return nil, NewStoreError("toDomain", "run", r.ID, "invalid started_at", ErrInvalidData)
	}
	if run.CompletedAt, err = parseTimePtr(r.CompletedAt); err != nil {
		return nil, NewStoreError("toDomain", "run", r.ID, "invalid completed_at", ErrInvalidData)
	}

	if r.Report != nil && *r.Report != "" {
		var rep domain.ValidationReport
		if err := json.Unmarshal([]byte(*r.Report), &rep); err != nil {
			return nil, NewStoreError("toDomain", "run", r.ID, "invalid report json", ErrInvalidData)
		}
		run.Report = &rep
	}
	return run, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// =============================================================================
// Validation Run Operations
// =============================================================================

// CreateRun inserts a new validation run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.ValidationRun) error {
	query := `
		INSERT INTO validation_runs (
			id, request_id, revision_id, artifact_key, status,
			bundle_key, sandbox_id, error_message, created_at, duration_secs
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.RequestID, run.RevisionID, run.ArtifactKey, string(run.Status),
		run.BundleKey, run.SandboxID, run.ErrorMessage, formatTime(run.CreatedAt),
	)
	if err != nil {
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}
	return nil
}

// GetRun fetches a validation run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.ValidationRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM validation_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewStoreError("GetRun", "run", id, "not found", ErrNotFound)
	}
	if err != nil {
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	return row.toDomain()
}

// ListRunsByRequest returns all runs for a request, newest first.
func (s *SQLiteStore) ListRunsByRequest(ctx context.Context, requestID string) ([]domain.ValidationRun, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM validation_runs WHERE request_id = ? ORDER BY created_at DESC`, requestID)
	if err != nil {
		return nil, NewStoreError("ListRunsByRequest", "run", requestID, err.Error(), err)
	}

	runs := make([]domain.ValidationRun, 0, len(rows))
	for _, row := range rows {
		run, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// SetRunSandbox records the transient sandbox reference on the run.
func (s *SQLiteStore) SetRunSandbox(ctx context.Context, id, sandboxID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE validation_runs SET sandbox_id = ? WHERE id = ?`, sandboxID, id)
	if err != nil {
		return NewStoreError("SetRunSandbox", "run", id, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("SetRunSandbox", "run", id, "not found", ErrNotFound)
	}
	return nil
}

// ClaimRun atomically transitions QUEUED→RUNNING iff fewer than maxRunning
// runs are RUNNING. SQLite serializes writers, so the subquery and the
// update are one atomic step: two workers racing for the last slot cannot
// both win it.
func (s *SQLiteStore) ClaimRun(ctx context.Context, id string, maxRunning int) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE validation_runs
		SET status = ?, started_at = ?
		WHERE id = ?
		  AND status = ?
		  AND (SELECT COUNT(*) FROM validation_runs WHERE status = ?) < ?`,
		string(domain.RunStatusRunning), now, id,
		string(domain.RunStatusQueued), string(domain.RunStatusRunning), maxRunning,
	)
	if err != nil {
		return false, NewStoreError("ClaimRun", "run", id, err.Error(), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, NewStoreError("ClaimRun", "run", id, err.Error(), err)
	}
	if n == 1 {
		return true, nil
	}

	// Nothing updated: either the run left QUEUED or the cap is saturated.
	var status string
	err = s.db.GetContext(ctx, &status, `SELECT status FROM validation_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, NewStoreError("ClaimRun", "run", id, "not found", ErrNotFound)
	}
	if err != nil {
		return false, NewStoreError("ClaimRun", "run", id, err.Error(), err)
	}
	if domain.RunStatus(status) != domain.RunStatusQueued {
		return false, NewStoreError("ClaimRun", "run", id,
			fmt.Sprintf("status is %s", status), ErrNotQueued)
	}
	return false, nil
}

// CompleteRun writes the terminal state exactly once. The status guard in
// the WHERE clause makes a second write a no-op that reports
// ErrAlreadyTerminal instead of silently overwriting results.
func (s *SQLiteStore) CompleteRun(ctx context.Context, run *domain.ValidationRun) error {
	if !run.Status.Terminal() {
		return NewStoreError("CompleteRun", "run", run.ID,
			fmt.Sprintf("status %s is not terminal", run.Status), ErrInvalidData)
	}

	var reportJSON *string
	if run.Report != nil {
		data, err := json.Marshal(run.Report)
		if err != nil {
			return NewStoreError("CompleteRun", "run", run.ID, "failed to serialize report", ErrInvalidData)
		}
		s := string(data)
		reportJSON = &s
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE validation_runs
		SET status = ?, report = ?, bundle_key = ?, error_message = ?,
		    completed_at = ?, duration_secs = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(run.Status), reportJSON, run.BundleKey, run.ErrorMessage,
		formatTimePtr(run.CompletedAt), run.DurationSecs,
		run.ID, string(domain.RunStatusQueued), string(domain.RunStatusRunning),
	)
	if err != nil {
		return NewStoreError("CompleteRun", "run", run.ID, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("CompleteRun", "run", run.ID, "terminal state already written", ErrAlreadyTerminal)
	}
	return nil
}

// CountActiveRuns returns the number of runs in QUEUED or RUNNING.
func (s *SQLiteStore) CountActiveRuns(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM validation_runs WHERE status IN (?, ?)`,
		string(domain.RunStatusQueued), string(domain.RunStatusRunning))
	if err != nil {
		return 0, NewStoreError("CountActiveRuns", "run", "", err.Error(), err)
	}
	return count, nil
}

// ListStaleRunning returns runs stuck in RUNNING since before cutoff.
func (s *SQLiteStore) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]domain.ValidationRun, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM validation_runs WHERE status = ? AND started_at < ?`,
		string(domain.RunStatusRunning), formatTime(cutoff))
	if err != nil {
		return nil, NewStoreError("ListStaleRunning", "run", "", err.Error(), err)
	}

	runs := make([]domain.ValidationRun, 0, len(rows))
	for _, row := range rows {
		run, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// =============================================================================
// Request Operations
// =============================================================================

// GetRequest fetches the owning request.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	var row struct {
		ID        string `db:"id"`
		CreatorID string `db:"creator_id"`
		Status    string `db:"status"`
		UpdatedAt string `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewStoreError("GetRequest", "request", id, "not found", ErrNotFound)
	}
	if err != nil {
		return nil, NewStoreError("GetRequest", "request", id, err.Error(), err)
	}

	updatedAt, err := parseTime(row.UpdatedAt)
	if err != nil {
		return nil, NewStoreError("GetRequest", "request", id, "invalid updated_at", ErrInvalidData)
	}
	return &domain.Request{
		ID:        row.ID,
		CreatorID: row.CreatorID,
		Status:    domain.RequestStatus(row.Status),
		UpdatedAt: updatedAt,
	}, nil
}

// UpdateRequestStatus writes the request's status.
func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, id string, status domain.RequestStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return NewStoreError("UpdateRequestStatus", "request", id, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("UpdateRequestStatus", "request", id, "not found", ErrNotFound)
	}
	return nil
}

// =============================================================================
// Sample Operations
// =============================================================================

// ListActiveSamples returns the active samples attached to a request.
func (s *SQLiteStore) ListActiveSamples(ctx context.Context, requestID string) ([]domain.Sample, error) {
	var rows []struct {
		ID         string `db:"id"`
		RequestID  string `db:"request_id"`
		ObjectKey  string `db:"object_key"`
		Sourcetype string `db:"sourcetype"`
		Active     bool   `db:"active"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM samples WHERE request_id = ? AND active = 1 ORDER BY id`, requestID)
	if err != nil {
		return nil, NewStoreError("ListActiveSamples", "sample", requestID, err.Error(), err)
	}

	samples := make([]domain.Sample, 0, len(rows))
	for _, row := range rows {
		samples = append(samples, domain.Sample{
			ID:         row.ID,
			RequestID:  row.RequestID,
			ObjectKey:  row.ObjectKey,
			Sourcetype: row.Sourcetype,
			Active:     row.Active,
		})
	}
	return samples, nil
}
