package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alrudin/packcheck/internal/core/domain"
	"github.com/Alrudin/packcheck/internal/shell/pipeline"
	"github.com/Alrudin/packcheck/internal/shell/queue"
	"github.com/Alrudin/packcheck/internal/shell/store"
)

// =============================================================================
// Fakes
// =============================================================================

type memStore struct {
	mu       sync.Mutex
	runs     map[string]*domain.ValidationRun
	requests map[string]*domain.Request
}

func newMemStore() *memStore {
	return &memStore{
		runs:     map[string]*domain.ValidationRun{},
		requests: map[string]*domain.Request{},
	}
}

func (m *memStore) addRun(run *domain.ValidationRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	if _, ok := m.requests[run.RequestID]; !ok {
		m.requests[run.RequestID] = &domain.Request{
			ID: run.RequestID, CreatorID: "user-1", Status: domain.RequestStatusValidating,
		}
	}
}

func (m *memStore) GetRun(ctx context.Context, id string) (*domain.ValidationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) ClaimRun(ctx context.Context, id string, maxRunning int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if run.Status != domain.RunStatusQueued {
		return false, store.ErrNotQueued
	}
	running := 0
	for _, r := range m.runs {
		if r.Status == domain.RunStatusRunning {
			running++
		}
	}
	if running >= maxRunning {
		return false, nil
	}
	now := time.Now().UTC()
	run.Status = domain.RunStatusRunning
	run.StartedAt = &now
	return true, nil
}

func (m *memStore) CompleteRun(ctx context.Context, run *domain.ValidationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[run.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Status.Terminal() {
		return store.ErrAlreadyTerminal
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]domain.ValidationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []domain.ValidationRun
	for _, run := range m.runs {
		if run.Status == domain.RunStatusRunning && run.StartedAt != nil && run.StartedAt.Before(cutoff) {
			stale = append(stale, *run)
		}
	}
	return stale, nil
}

func (m *memStore) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *memStore) UpdateRequestStatus(ctx context.Context, id string, status domain.RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return store.ErrNotFound
	}
	req.Status = status
	return nil
}

type memQueue struct {
	mu    sync.Mutex
	acked []string
}

func (q *memQueue) Enqueue(ctx context.Context, runID, requestID string) error { return nil }
func (q *memQueue) Consume(ctx context.Context) ([]queue.WorkItem, error)      { return nil, nil }
func (q *memQueue) Reclaim(ctx context.Context) ([]queue.WorkItem, error)      { return nil, nil }
func (q *memQueue) Depth(ctx context.Context) (int64, error)                   { return 0, nil }
func (q *memQueue) Ping(ctx context.Context) error                             { return nil }
func (q *memQueue) Close() error                                               { return nil }

func (q *memQueue) Ack(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, messageID)
	return nil
}

func (q *memQueue) ackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

type fakePipeline struct {
	result *pipeline.Result
	err    error
	calls  int
}

func (f *fakePipeline) Run(ctx context.Context, run *domain.ValidationRun) (*pipeline.Result, error) {
	f.calls++
	if f.err != nil {
		return &pipeline.Result{BundleKey: f.result.BundleKey}, f.err
	}
	return f.result, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	userID    string
	eventType string
	requestID string
	context   map[string]string
	calls     int
	err       error
}

func (n *recordingNotifier) Notify(ctx context.Context, userID, eventType, requestID string, eventContext map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.userID = userID
	n.eventType = eventType
	n.requestID = requestID
	n.context = eventContext
	return n.err
}

type fakePresigner struct{}

func (fakePresigner) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://bundles.test/" + key, nil
}

// =============================================================================
// Setup
// =============================================================================

func passedReport() *domain.ValidationReport {
	return &domain.ValidationReport{
		Status: domain.RunStatusPassed,
		Summary: domain.ReportSummary{
			TotalEvents: 10, PackageName: "TA-nginx", IndexName: "main",
			FieldsExtracted: 5, FieldsExpected: 5, CoveragePct: 100,
		},
	}
}

func failedReport() *domain.ValidationReport {
	return &domain.ValidationReport{
		Status: domain.RunStatusFailed,
		Summary: domain.ReportSummary{
			TotalEvents: 10, PackageName: "TA-nginx", IndexName: "main",
			FieldsExtracted: 2, FieldsExpected: 5, CoveragePct: 40,
		},
		Errors: []string{"field coverage 40.00% is below the required 80.00%"},
	}
}

func newTestScheduler(t *testing.T, ms *memStore, p PipelineRunner, n *recordingNotifier) (*Scheduler, *memQueue) {
	t.Helper()
	q := &memQueue{}
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.MaxDeliveries = 5
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewScheduler(q, ms, p, n, fakePresigner{}, nil, cfg, logger)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	t.Cleanup(s.cancel)
	return s, q
}

// =============================================================================
// Tests
// =============================================================================

func TestScheduler_Handle_Passes(t *testing.T) {
	ms := newMemStore()
	run := domain.NewValidationRun("req-1", "rev-1", "packages/a.tgz")
	ms.addRun(run)

	fp := &fakePipeline{result: &pipeline.Result{Report: passedReport()}}
	notifier := &recordingNotifier{}
	s, q := newTestScheduler(t, ms, fp, notifier)

	s.handle(queue.WorkItem{MessageID: "m1", RunID: run.ID, RequestID: "req-1", Deliveries: 1}, s.logger)

	got, err := ms.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPassed, got.Status)
	require.NotNil(t, got.Report)
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.ErrorMessage)

	req, err := ms.GetRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusCompleted, req.Status)

	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, "user-1", notifier.userID)
	assert.Equal(t, "validation.passed", notifier.eventType)
	assert.NotContains(t, notifier.context, "bundle_url")

	assert.Equal(t, []string{"m1"}, q.ackedIDs())
}

func TestScheduler_Handle_FailedChecks(t *testing.T) {
	ms := newMemStore()
	run := domain.NewValidationRun("req-1", "rev-1", "packages/a.tgz")
	ms.addRun(run)

	fp := &fakePipeline{result: &pipeline.Result{Report: failedReport(), BundleKey: "bundles/" + run.ID + ".zip"}}
	notifier := &recordingNotifier{}
	s, _ := newTestScheduler(t, ms, fp, notifier)

	s.handle(queue.WorkItem{MessageID: "m1", RunID: run.ID, Deliveries: 1}, s.logger)

	got, err := ms.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "coverage")
	assert.Equal(t, "bundles/"+run.ID+".zip", got.BundleKey)

	req, err := ms.GetRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusFailed, req.Status)

	assert.Equal(t, "validation.failed", notifier.eventType)
	assert.Equal(t, "https://bundles.test/bundles/"+run.ID+".zip", notifier.context["bundle_url"])
}

func TestScheduler_Handle_PipelineError(t *testing.T) {
	ms := newMemStore()
	run := domain.NewValidationRun("req-1", "rev-1", "packages/a.tgz")
	ms.addRun(run)

	fp := &fakePipeline{
		result: &pipeline.Result{BundleKey: "bundles/x.zip"},
		err:    &pipeline.PhaseError{Phase: pipeline.PhaseReady, Details: "sandbox did not become ready"},
	}
	s, _ := newTestScheduler(t, ms, fp, &recordingNotifier{})

	s.handle(queue.WorkItem{MessageID: "m1", RunID: run.ID, Deliveries: 1}, s.logger)

	got, err := ms.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "ready")
	assert.Nil(t, got.Report)
	assert.Equal(t, "bundles/x.zip", got.BundleKey)
}

func TestScheduler_Handle_CapSaturatedDefers(t *testing.T) {
	ms := newMemStore()

	running1 := domain.NewValidationRun("req-a", "rev-1", "packages/a.tgz")
	running2 := domain.NewValidationRun("req-b", "rev-1", "packages/b.tgz")
	ms.addRun(running1)
	ms.addRun(running2)
	_, err := ms.ClaimRun(context.Background(), running1.ID, 2)
	require.NoError(t, err)
	_, err = ms.ClaimRun(context.Background(), running2.ID, 2)
	require.NoError(t, err)

	queued := domain.NewValidationRun("req-c", "rev-1", "packages/c.tgz")
	ms.addRun(queued)

	fp := &fakePipeline{result: &pipeline.Result{Report: passedReport()}}
	s, q := newTestScheduler(t, ms, fp, &recordingNotifier{})

	item := queue.WorkItem{MessageID: "m3", RunID: queued.ID, Deliveries: 1}
	s.handle(item, s.logger)

	// Deferred, not started, not acked, still QUEUED.
	got, err := ms.GetRun(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusQueued, got.Status)
	assert.Equal(t, 0, fp.calls)
	assert.Empty(t, q.ackedIDs())

	// One slot frees up; the redelivered item now claims and runs.
	first, err := ms.GetRun(context.Background(), running1.ID)
	require.NoError(t, err)
	require.NoError(t, first.Complete(domain.RunStatusPassed, passedReport(), ""))
	require.NoError(t, ms.CompleteRun(context.Background(), first))

	item.Deliveries = 2
	s.handle(item, s.logger)

	got, err = ms.GetRun(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPassed, got.Status)
	assert.Equal(t, 1, fp.calls)
	assert.Equal(t, []string{"m3"}, q.ackedIDs())
}

func TestScheduler_Handle_DeliveryCeilingExhausted(t *testing.T) {
	ms := newMemStore()
	run := domain.NewValidationRun("req-1", "rev-1", "packages/a.tgz")
	ms.addRun(run)

	fp := &fakePipeline{result: &pipeline.Result{Report: passedReport()}}
	s, q := newTestScheduler(t, ms, fp, &recordingNotifier{})

	s.handle(queue.WorkItem{MessageID: "m1", RunID: run.ID, Deliveries: 6}, s.logger)

	got, err := ms.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "capacity saturated")
	assert.Equal(t, 0, fp.calls, "the pipeline must not run for an exhausted item")
	assert.Equal(t, []string{"m1"}, q.ackedIDs())
}

func TestScheduler_Handle_TerminalRunAckedWithoutWork(t *testing.T) {
	ms := newMemStore()
	run := domain.NewValidationRun("req-1", "rev-1", "packages/a.tgz")
	require.NoError(t, run.Complete(domain.RunStatusPassed, passedReport(), ""))
	ms.addRun(run)

	fp := &fakePipeline{result: &pipeline.Result{Report: passedReport()}}
	s, q := newTestScheduler(t, ms, fp, &recordingNotifier{})

	s.handle(queue.WorkItem{MessageID: "dup", RunID: run.ID, Deliveries: 2}, s.logger)

	assert.Equal(t, 0, fp.calls)
	assert.Equal(t, []string{"dup"}, q.ackedIDs())
}

func TestScheduler_Handle_UnknownRunDropped(t *testing.T) {
	ms := newMemStore()
	fp := &fakePipeline{result: &pipeline.Result{Report: passedReport()}}
	s, q := newTestScheduler(t, ms, fp, &recordingNotifier{})

	s.handle(queue.WorkItem{MessageID: "ghost", RunID: "no-such-run", Deliveries: 1}, s.logger)

	assert.Equal(t, 0, fp.calls)
	assert.Equal(t, []string{"ghost"}, q.ackedIDs())
}

func TestScheduler_Handle_NotificationFailureDoesNotAffectRun(t *testing.T) {
	ms := newMemStore()
	run := domain.NewValidationRun("req-1", "rev-1", "packages/a.tgz")
	ms.addRun(run)

	fp := &fakePipeline{result: &pipeline.Result{Report: passedReport()}}
	notifier := &recordingNotifier{err: errors.New("endpoint down")}
	s, q := newTestScheduler(t, ms, fp, notifier)

	s.handle(queue.WorkItem{MessageID: "m1", RunID: run.ID, Deliveries: 1}, s.logger)

	got, err := ms.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPassed, got.Status)
	assert.Equal(t, []string{"m1"}, q.ackedIDs())
}

func TestScheduler_SweepStale(t *testing.T) {
	ms := newMemStore()
	run := domain.NewValidationRun("req-1", "rev-1", "packages/a.tgz")
	ms.addRun(run)
	_, err := ms.ClaimRun(context.Background(), run.ID, 1)
	require.NoError(t, err)

	// Backdate the start so the run counts as stale.
	ms.mu.Lock()
	old := time.Now().Add(-3 * time.Hour)
	ms.runs[run.ID].StartedAt = &old
	ms.mu.Unlock()

	fp := &fakePipeline{result: &pipeline.Result{Report: passedReport()}}
	notifier := &recordingNotifier{}
	s, _ := newTestScheduler(t, ms, fp, notifier)
	s.config.StaleAfter = time.Hour

	s.sweepStale()

	got, err := ms.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "worker lost")
	assert.Equal(t, 1, notifier.calls)
}
