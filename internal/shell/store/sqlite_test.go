package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alrudin/packcheck/internal/core/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "packcheck-test.db")
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRequest(t *testing.T, s *SQLiteStore, id string) {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO requests (id, creator_id, status, updated_at) VALUES (?, ?, ?, ?)`,
		id, "user-1", string(domain.RequestStatusValidating), formatTime(time.Now()))
	require.NoError(t, err)
}

func seedRun(t *testing.T, s *SQLiteStore, requestID string) *domain.ValidationRun {
	t.Helper()
	run := domain.NewValidationRun(requestID, "rev-1", "artifacts/pack.tgz")
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestSQLiteStore_CreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1")

	run := seedRun(t, s, "req-1")

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "rev-1", got.RevisionID)
	assert.Equal(t, "artifacts/pack.tgz", got.ArtifactKey)
	assert.Equal(t, domain.RunStatusQueued, got.Status)
	assert.Nil(t, got.Report)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestSQLiteStore_GetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ClaimRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1")

	run := seedRun(t, s, "req-1")

	claimed, err := s.ClaimRun(ctx, run.ID, 2)
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestSQLiteStore_ClaimRun_CapSaturated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1")

	first := seedRun(t, s, "req-1")
	second := seedRun(t, s, "req-1")

	claimed, err := s.ClaimRun(ctx, first.ID, 1)
	require.NoError(t, err)
	require.True(t, claimed)

	// Cap of one is now full: the second claim is deferred, not an error.
	claimed, err = s.ClaimRun(ctx, second.ID, 1)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := s.GetRun(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusQueued, got.Status)
}

func TestSQLiteStore_ClaimRun_NotQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1")

	run := seedRun(t, s, "req-1")
	claimed, err := s.ClaimRun(ctx, run.ID, 4)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = s.ClaimRun(ctx, run.ID, 4)
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestSQLiteStore_ClaimRun_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1")

	const total = 8
	const cap = 3
	runs := make([]*domain.ValidationRun, total)
	for i := range runs {
		runs[i] = seedRun(t, s, "req-1")
	}

	var wg sync.WaitGroup
	claims := make([]bool, total)
	for i := range runs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ClaimRun(ctx, runs[i].ID, cap)
			assert.NoError(t, err)
			claims[i] = ok
		}(i)
	}
	wg.Wait()

	won := 0
	for _, ok := range claims {
		if ok {
			won++
		}
	}
	assert.Equal(t, cap, won, "exactly cap claims may win the race")
}

func TestSQLiteStore_CompleteRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1")

	run := seedRun(t, s, "req-1")
	claimed, err := s.ClaimRun(ctx, run.ID, 1)
	require.NoError(t, err)
	require.True(t, claimed)

	run, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)

	report := &domain.ValidationReport{
		Status: "PASSED",
		Summary: domain.ReportSummary{
			TotalEvents: 120,
			PackageName: "TA-nginx",
			IndexName:   "main",
		},
	}
	require.NoError(t, run.Complete(domain.RunStatusPassed, report, ""))
	require.NoError(t, s.CompleteRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPassed, got.Status)
	require.NotNil(t, got.Report)
	assert.Equal(t, int64(120), got.Report.Summary.TotalEvents)
	assert.Equal(t, "TA-nginx", got.Report.Summary.PackageName)
	require.NotNil(t, got.CompletedAt)
	assert.Greater(t, got.DurationSecs, -1.0)
}

func TestSQLiteStore_CompleteRun_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1")

	run := seedRun(t, s, "req-1")
	claimed, err := s.ClaimRun(ctx, run.ID, 1)
	require.NoError(t, err)
	require.True(t, claimed)

	run, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NoError(t, run.Complete(domain.RunStatusFailed, nil, "sandbox timed out in phase startup"))
	require.NoError(t, s.CompleteRun(ctx, run))

	// A second terminal write must be rejected, not applied.
	dup := *run
	dup.Status = domain.RunStatusPassed
	dup.ErrorMessage = ""
	err = s.CompleteRun(ctx, &dup)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Equal(t, "sandbox timed out in phase startup", got.ErrorMessage)
}

func TestSQLiteStore_CompleteRun_RejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	seedRequest(t, s, "req-1")
	run := seedRun(t, s, "req-1")

	err := s.CompleteRun(context.Background(), run)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestSQLiteStore_SetRunSandbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1")

	run := seedRun(t, s, "req-1")
	require.NoError(t, s.SetRunSandbox(ctx, run.ID, "sbx-abc123"))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "sbx-abc123", got.SandboxID)

	err = s.SetRunSandbox(ctx, "no-such-run", "sbx-x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListRunsByRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1")
	seedRequest(t, s, "req-2")

	seedRun(t, s, "req-1")
	seedRun(t, s, "req-1")
	seedRun(t, s, "req-2")

	runs, err := s.ListRunsByRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, "req-1", r.RequestID)
	}
}

func TestSQLiteStore_CountActiveRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1")

	a := seedRun(t, s, "req-1")
	seedRun(t, s, "req-1")

	count, err := s.CountActiveRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	claimed, err := s.ClaimRun(ctx, a.ID, 1)
	require.NoError(t, err)
	require.True(t, claimed)

	run, err := s.GetRun(ctx, a.ID)
	require.NoError(t, err)
	require.NoError(t, run.Complete(domain.RunStatusPassed, nil, ""))
	require.NoError(t, s.CompleteRun(ctx, run))

	count, err = s.CountActiveRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteStore_ListStaleRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1")

	run := seedRun(t, s, "req-1")
	claimed, err := s.ClaimRun(ctx, run.ID, 1)
	require.NoError(t, err)
	require.True(t, claimed)

	stale, err := s.ListStaleRunning(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = s.ListStaleRunning(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, run.ID, stale[0].ID)
}

func TestSQLiteStore_RequestStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1")

	req, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusValidating, req.Status)

	require.NoError(t, s.UpdateRequestStatus(ctx, "req-1", domain.RequestStatusCompleted))
	req, err = s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusCompleted, req.Status)

	_, err = s.GetRequest(ctx, "no-such-request")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateRequestStatus(ctx, "no-such-request", domain.RequestStatusFailed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListActiveSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "req-1")

	insert := func(id, key, sourcetype string, active int) {
		_, err := s.db.Exec(
			`INSERT INTO samples (id, request_id, object_key, sourcetype, active) VALUES (?, ?, ?, ?, ?)`,
			id, "req-1", key, sourcetype, active)
		require.NoError(t, err)
	}
	insert("smp-1", "samples/access.log", "nginx:access", 1)
	insert("smp-2", "samples/error.log", "nginx:error", 1)
	insert("smp-3", "samples/old.log", "nginx:access", 0)

	samples, err := s.ListActiveSamples(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "samples/access.log", samples[0].ObjectKey)
	assert.Equal(t, "nginx:access", samples[0].Sourcetype)
	assert.True(t, samples[0].Active)
}

func TestSQLiteStore_StoreError(t *testing.T) {
	err := NewStoreError("GetRun", "run", "abc", "not found", ErrNotFound)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "GetRun")
	assert.Contains(t, err.Error(), "abc")
}
