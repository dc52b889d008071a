// Package scheduler is the queue-facing layer of validation: it pulls work
// items, enforces the global concurrency cap through atomic claims in the
// state store, drives the pipeline, persists terminal results, updates the
// owning request, and fires outcome notifications.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Alrudin/packcheck/internal/core/domain"
	"github.com/Alrudin/packcheck/internal/shell/artifact"
	"github.com/Alrudin/packcheck/internal/shell/notify"
	"github.com/Alrudin/packcheck/internal/shell/pipeline"
	"github.com/Alrudin/packcheck/internal/shell/queue"
	"github.com/Alrudin/packcheck/internal/shell/store"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// PipelineRunner is the pipeline surface the scheduler drives, satisfied by
// *pipeline.Pipeline.
type PipelineRunner interface {
	Run(ctx context.Context, run *domain.ValidationRun) (*pipeline.Result, error)
}

// RunStore is the state-store surface the scheduler consumes.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*domain.ValidationRun, error)
	ClaimRun(ctx context.Context, id string, maxRunning int) (bool, error)
	CompleteRun(ctx context.Context, run *domain.ValidationRun) error
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]domain.ValidationRun, error)
	GetRequest(ctx context.Context, id string) (*domain.Request, error)
	UpdateRequestStatus(ctx context.Context, id string, status domain.RequestStatus) error
}

// Presigner mints time-limited download URLs for diagnostic bundles.
type Presigner interface {
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// =============================================================================
// Scheduler
// =============================================================================

// Config holds scheduler tunables.
type Config struct {
	// Workers is the number of concurrent dequeue loops in this process.
	Workers int

	// MaxConcurrent is the system-wide cap on RUNNING validations, enforced
	// through the state store so it holds across processes.
	MaxConcurrent int

	// MaxDeliveries bounds how often a capacity-deferred work item is
	// redelivered before its run is failed outright.
	MaxDeliveries int64

	// ReclaimInterval is how often pending unacked messages are reclaimed.
	ReclaimInterval time.Duration

	// StaleAfter marks a RUNNING run as lost when its worker has not
	// finished it within this window.
	StaleAfter time.Duration

	// JanitorInterval is how often stale RUNNING runs are swept.
	JanitorInterval time.Duration

	// BundleURLTTL bounds the presigned bundle link in notifications.
	BundleURLTTL time.Duration
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         2,
		MaxConcurrent:   2,
		MaxDeliveries:   20,
		ReclaimInterval: 30 * time.Second,
		StaleAfter:      time.Hour,
		JanitorInterval: 5 * time.Minute,
		BundleURLTTL:    24 * time.Hour,
	}
}

// Scheduler runs the validation worker pool.
type Scheduler struct {
	queue    queue.Queue
	store    RunStore
	pipeline PipelineRunner
	notifier notify.Notifier
	bundles  Presigner
	metrics  *Metrics
	config   Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler.
func NewScheduler(
	q queue.Queue,
	runStore RunStore,
	p PipelineRunner,
	notifier notify.Notifier,
	bundles Presigner,
	metrics *Metrics,
	config Config,
	logger *slog.Logger,
) *Scheduler {
	if config.Workers == 0 {
		config.Workers = 2
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 2
	}
	return &Scheduler{
		queue:    q,
		store:    runStore,
		pipeline: p,
		notifier: notifier,
		bundles:  bundles,
		metrics:  metrics,
		config:   config,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start launches the worker pool, the reclaim loop, and the janitor.
func (s *Scheduler) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.consumeLoop(i)
	}

	s.wg.Add(1)
	go s.reclaimLoop()

	s.wg.Add(1)
	go s.janitorLoop()

	s.logger.Info("scheduler started",
		"workers", s.config.Workers, "max_concurrent", s.config.MaxConcurrent)
}

// Stop drains the workers. In-flight validations finish; the pipeline's
// own teardown guarantees their sandboxes are removed.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) consumeLoop(id int) {
	defer s.wg.Done()
	logger := s.logger.With("worker", id)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		items, err := s.queue.Consume(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logger.Error("failed to consume work items", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, item := range items {
			s.handle(item, logger)
		}
	}
}

func (s *Scheduler) reclaimLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			items, err := s.queue.Reclaim(s.ctx)
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Error("failed to reclaim work items", "error", err)
				}
				continue
			}
			for _, item := range items {
				s.handle(item, s.logger)
			}
			if s.metrics != nil {
				if depth, err := s.queue.Depth(s.ctx); err == nil {
					s.metrics.QueueDepth.Set(float64(depth))
				}
			}
		}
	}
}

// =============================================================================
// Work Item Handling
// =============================================================================

// handle processes one delivery of one work item. Items are acked once the
// run can make no further progress; leaving an item unacked defers it to a
// later redelivery via the reclaim loop.
func (s *Scheduler) handle(item queue.WorkItem, logger *slog.Logger) {
	ctx := s.ctx
	logger = logger.With("run_id", item.RunID, "deliveries", item.Deliveries)

	run, err := s.store.GetRun(ctx, item.RunID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("work item references unknown run, dropping")
		s.ack(ctx, item, logger)
		return
	}
	if err != nil {
		logger.Error("failed to load run", "error", err)
		return
	}

	if run.Status.Terminal() {
		// Duplicate delivery of an already-finished run.
		s.ack(ctx, item, logger)
		return
	}

	// Repeated capacity deferrals eventually exhaust the delivery ceiling;
	// the run fails instead of dwelling QUEUED forever.
	if s.config.MaxDeliveries > 0 && item.Deliveries > s.config.MaxDeliveries {
		logger.Warn("run exhausted its delivery ceiling, failing it")
		if s.metrics != nil {
			s.metrics.RunsExhausted.Inc()
		}
		s.finish(ctx, run, domain.RunStatusFailed, nil, "",
			fmt.Sprintf("validation could not be scheduled within %d attempts (capacity saturated)", s.config.MaxDeliveries),
			logger)
		s.ack(ctx, item, logger)
		return
	}

	claimed, err := s.store.ClaimRun(ctx, run.ID, s.config.MaxConcurrent)
	if errors.Is(err, store.ErrNotQueued) {
		// Lost a race with another worker; nothing left to do here.
		s.ack(ctx, item, logger)
		return
	}
	if err != nil {
		logger.Error("failed to claim run", "error", err)
		return
	}
	if !claimed {
		// Cap saturated. The unacked message is redelivered after the
		// queue's retry delay without consuming a slot.
		logger.Info("concurrency cap saturated, deferring run")
		if s.metrics != nil {
			s.metrics.RunsDeferred.Inc()
		}
		return
	}

	// Re-read after the claim so StartedAt reflects the store's clock.
	run, err = s.store.GetRun(ctx, run.ID)
	if err != nil {
		logger.Error("failed to reload claimed run", "error", err)
		return
	}

	s.execute(ctx, run, logger)
	s.ack(ctx, item, logger)
}

// execute drives the pipeline for a claimed run and persists its outcome.
func (s *Scheduler) execute(ctx context.Context, run *domain.ValidationRun, logger *slog.Logger) {
	if s.metrics != nil {
		s.metrics.ActiveRuns.Inc()
		defer s.metrics.ActiveRuns.Dec()
	}

	result, err := s.pipeline.Run(ctx, run)

	bundleKey := ""
	if result != nil {
		bundleKey = result.BundleKey
	}

	if err != nil {
		s.finish(ctx, run, domain.RunStatusFailed, nil, bundleKey, err.Error(), logger)
		return
	}

	rep := result.Report
	errorMessage := ""
	if rep.Status == domain.RunStatusFailed {
		errorMessage = summarizeErrors(rep.Errors)
	}
	s.finish(ctx, run, rep.Status, rep, bundleKey, errorMessage, logger)
}

// finish writes the terminal state exactly once, updates the owning
// request, and fires the best-effort notification.
func (s *Scheduler) finish(
	ctx context.Context,
	run *domain.ValidationRun,
	status domain.RunStatus,
	rep *domain.ValidationReport,
	bundleKey, errorMessage string,
	logger *slog.Logger,
) {
	if err := run.Complete(status, rep, errorMessage); err != nil {
		logger.Warn("run already terminal, skipping result write", "error", err)
		return
	}
	run.BundleKey = bundleKey

	if err := s.store.CompleteRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			logger.Warn("terminal state already persisted by another worker")
			return
		}
		logger.Error("failed to persist terminal run state", "error", err)
		return
	}

	if s.metrics != nil {
		s.metrics.RunsCompleted.WithLabelValues(string(status)).Inc()
		s.metrics.RunDuration.Observe(run.DurationSecs)
	}

	requestStatus := domain.RequestStatusCompleted
	if status == domain.RunStatusFailed {
		requestStatus = domain.RequestStatusFailed
	}
	if err := s.store.UpdateRequestStatus(ctx, run.RequestID, requestStatus); err != nil {
		logger.Error("failed to update request status", "request_id", run.RequestID, "error", err)
	}

	s.notify(ctx, run, logger)

	logger.Info("validation run finished",
		"status", status, "duration_secs", run.DurationSecs, "bundle_key", run.BundleKey)
}

// notify delivers the outcome to the request creator. Failures are logged
// and never affect the run.
func (s *Scheduler) notify(ctx context.Context, run *domain.ValidationRun, logger *slog.Logger) {
	if s.notifier == nil {
		return
	}

	req, err := s.store.GetRequest(ctx, run.RequestID)
	if err != nil {
		logger.Warn("failed to load request for notification", "error", err)
		return
	}

	eventType := notify.EventValidationPassed
	if run.Status == domain.RunStatusFailed {
		eventType = notify.EventValidationFailed
	}

	eventContext := map[string]string{
		"run_id": run.ID,
		"status": string(run.Status),
	}
	if run.Report != nil {
		eventContext["coverage_pct"] = fmt.Sprintf("%.2f", run.Report.Summary.CoveragePct)
	}
	if run.ErrorMessage != "" {
		eventContext["error"] = run.ErrorMessage
	}
	if run.BundleKey != "" && s.bundles != nil {
		if url, err := s.bundles.Presign(ctx, run.BundleKey, s.config.BundleURLTTL); err == nil {
			eventContext["bundle_url"] = url
		} else {
			logger.Warn("failed to presign bundle url", "key", run.BundleKey, "error", err)
		}
	}

	if err := s.notifier.Notify(ctx, req.CreatorID, eventType, run.RequestID, eventContext); err != nil {
		logger.Warn("failed to deliver notification", "error", err)
	}
}

func (s *Scheduler) ack(ctx context.Context, item queue.WorkItem, logger *slog.Logger) {
	if err := s.queue.Ack(ctx, item.MessageID); err != nil {
		logger.Warn("failed to ack work item", "message_id", item.MessageID, "error", err)
	}
}

// summarizeErrors joins report errors into one error_message line.
func summarizeErrors(errs []string) string {
	if len(errs) == 0 {
		return "validation checks failed"
	}
	return strings.Join(errs, "; ")
}

// =============================================================================
// Janitor
// =============================================================================

// janitorLoop fails RUNNING runs whose worker disappeared, so crashed
// processes cannot pin the concurrency cap forever. It runs once at start
// and then on its interval.
func (s *Scheduler) janitorLoop() {
	defer s.wg.Done()

	s.sweepStale()

	ticker := time.NewTicker(s.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepStale()
		}
	}
}

func (s *Scheduler) sweepStale() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.config.StaleAfter)
	stale, err := s.store.ListStaleRunning(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to list stale runs", "error", err)
		return
	}

	for i := range stale {
		run := &stale[i]
		logger := s.logger.With("run_id", run.ID)
		logger.Warn("failing stale run", "started_at", run.StartedAt)
		s.finish(ctx, run, domain.RunStatusFailed, nil, "",
			fmt.Sprintf("validation worker lost; run exceeded the %s execution ceiling", s.config.StaleAfter),
			logger)
	}
}

// ensure the production types satisfy the narrow interfaces
var (
	_ RunStore  = (*store.SQLiteStore)(nil)
	_ Presigner = (artifact.Store)(nil)
)
