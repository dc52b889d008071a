package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Alrudin/packcheck/internal/shell/api"
	"github.com/Alrudin/packcheck/internal/shell/artifact"
	"github.com/Alrudin/packcheck/internal/shell/notify"
	"github.com/Alrudin/packcheck/internal/shell/pipeline"
	"github.com/Alrudin/packcheck/internal/shell/queue"
	"github.com/Alrudin/packcheck/internal/shell/sandbox"
	"github.com/Alrudin/packcheck/internal/shell/scheduler"
	"github.com/Alrudin/packcheck/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitQueueError      = 4
	ExitArtifactError   = 5
	ExitHTTPServerError = 6
)

// =============================================================================
// Server
// =============================================================================

// Server wires the validation service: state store, work queue, artifact
// store, sandbox orchestration, pipeline, scheduler, and the HTTP surface.
type Server struct {
	config       *Config
	httpServer   *http.Server
	store        *store.SQLiteStore
	docker       *sandbox.DockerClient
	queue        *queue.RedisQueue
	artifacts    *artifact.MinioStore
	orchestrator *sandbox.Orchestrator
	scheduler    *scheduler.Scheduler
	logger       *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}

	// Connect to Docker
	d, err := sandbox.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDockerError}
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Ping(pingCtx); err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDockerError}
	}

	// Connect to the work queue
	q, err := queue.NewRedisQueue(queue.RedisConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		Stream:     cfg.Redis.Stream,
		Group:      cfg.Redis.Group,
		Consumer:   cfg.Redis.Consumer,
		RetryDelay: cfg.Redis.RetryDelay,
	}, logger)
	if err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitQueueError}
	}

	// Connect to the artifact store
	arts, err := artifact.NewMinioStore(artifact.MinioConfig{
		Endpoint:  cfg.Artifacts.Endpoint,
		AccessKey: cfg.Artifacts.AccessKey,
		SecretKey: cfg.Artifacts.SecretKey,
		Bucket:    cfg.Artifacts.Bucket,
		UseSSL:    cfg.Artifacts.UseSSL,
	})
	if err != nil {
		s.Close()
		d.Close()
		q.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitArtifactError}
	}
	if err := arts.EnsureBucket(pingCtx); err != nil {
		s.Close()
		d.Close()
		q.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitArtifactError}
	}

	// Sandbox orchestrator
	sandboxCfg := sandbox.DefaultConfig()
	if cfg.Sandbox.Image != "" {
		sandboxCfg.Image = cfg.Sandbox.Image
	}
	if cfg.Sandbox.CreateRetries > 0 {
		sandboxCfg.CreateRetries = cfg.Sandbox.CreateRetries
	}
	if cfg.Sandbox.StopTimeout > 0 {
		sandboxCfg.StopTimeout = cfg.Sandbox.StopTimeout
	}
	orch := sandbox.NewOrchestrator(d, sandboxCfg, logger)

	// Validation pipeline
	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.WorkDir = cfg.Pipeline.WorkDir
	pipeCfg.IndexName = cfg.Pipeline.IndexName
	pipeCfg.CoverageThreshold = cfg.Pipeline.CoverageThreshold
	pipeCfg.SampleLimit = cfg.Pipeline.SampleLimit
	pipeCfg.ReadyTimeout = cfg.Pipeline.ReadyTimeout
	pipeCfg.IndexTimeout = cfg.Pipeline.IndexTimeout
	pipeCfg.QueryTimeout = cfg.Pipeline.QueryTimeout
	pipe := pipeline.NewPipeline(orch, arts, s, pipeCfg, logger)

	// Outcome notifications
	var notifier notify.Notifier
	if cfg.Notify.Endpoint != "" {
		notifier = notify.NewWebhookNotifier(notify.Config{
			Endpoint:   cfg.Notify.Endpoint,
			ServiceKey: cfg.Notify.ServiceKey,
		}, logger)
		logger.Info("notifications enabled", "endpoint", cfg.Notify.Endpoint)
	} else {
		notifier = notify.NoopNotifier{}
		logger.Info("notifications disabled")
	}

	// Scheduler worker pool
	schedCfg := scheduler.DefaultConfig()
	schedCfg.Workers = cfg.Scheduler.Workers
	schedCfg.MaxConcurrent = cfg.Scheduler.MaxConcurrent
	schedCfg.MaxDeliveries = cfg.Scheduler.MaxDeliveries
	schedCfg.StaleAfter = cfg.Scheduler.StaleAfter
	metrics := scheduler.NewMetrics(prometheus.DefaultRegisterer)
	sched := scheduler.NewScheduler(q, s, pipe, notifier, arts, metrics, schedCfg, logger)

	// HTTP surface
	handler := api.NewRouter(api.Config{
		Store:  s,
		Queue:  q,
		Logger: logger,
		Pings: map[string]api.Pinger{
			"database":  s.Ping,
			"queue":     q.Ping,
			"docker":    d.Ping,
			"artifacts": arts.Ping,
		},
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:       cfg,
		httpServer:   httpServer,
		store:        s,
		docker:       d,
		queue:        q,
		artifacts:    arts,
		orchestrator: orch,
		scheduler:    sched,
		logger:       logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Remove sandbox containers orphaned by a previous process. Stale
	// RUNNING runs are swept by the scheduler's janitor on start.
	sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	if n := s.orchestrator.SweepOrphans(sweepCtx); n > 0 {
		s.logger.Warn("removed orphaned sandbox containers", "count", n)
	}
	cancel()

	s.scheduler.Start()

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{Op: "Start", Err: err, ExitCode: ExitHTTPServerError}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting new work first, then let in-flight validations drain.
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.scheduler.Stop()

	if err := s.queue.Close(); err != nil {
		s.logger.Error("queue close error", "error", err)
	}
	if err := s.docker.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server startup or operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
