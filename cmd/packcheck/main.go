package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/Alrudin/packcheck/internal/shell/sandbox"
)

// Version is set by the build; falls back to module build info.
var Version = ""

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	sweepOnly := flag.Bool("sweep", false, "Remove orphaned sandbox containers and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("packcheck %s\n", version())
		return ExitSuccess
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	logger := SetupLogger(cfg)

	if *sweepOnly {
		return sweep(cfg, logger)
	}

	logger.Info("starting packcheck",
		"version", version(),
		"config", *configPath,
		"sandbox_image", cfg.Sandbox.Image,
		"max_concurrent", cfg.Scheduler.MaxConcurrent,
	)

	server, err := NewServer(cfg, logger)
	if err != nil {
		return exitCode("failed to create server", err, logger)
	}

	if err := server.Start(context.Background()); err != nil {
		return exitCode("server error", err, logger)
	}
	return ExitSuccess
}

// sweep removes sandbox containers left behind by a crashed process without
// bringing the daemon up. Useful after a host reboot or a bad deploy.
func sweep(cfg *Config, logger *slog.Logger) int {
	docker, err := sandbox.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		logger.Error("failed to connect to Docker", "error", err)
		return ExitDockerError
	}
	defer docker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	orch := sandbox.NewOrchestrator(docker, sandbox.DefaultConfig(), logger)
	n := orch.SweepOrphans(ctx)
	logger.Info("orphan sweep complete", "removed", n)
	return ExitSuccess
}

func exitCode(msg string, err error, logger *slog.Logger) int {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		logger.Error(msg, "operation", sErr.Op, "error", sErr.Err)
		return sErr.ExitCode
	}
	logger.Error(msg, "error", err)
	return ExitConfigError
}

func version() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
