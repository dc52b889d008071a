package main

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sErr := &ServerError{Op: "NewServer", Err: errors.New("dial tcp"), ExitCode: ExitQueueError}
	assert.Equal(t, ExitQueueError, exitCode("failed to create server", sErr, logger))

	// Wrapped ServerErrors still carry their exit code out.
	wrapped := &ServerError{Op: "Start", Err: sErr, ExitCode: ExitHTTPServerError}
	assert.Equal(t, ExitHTTPServerError, exitCode("server error", wrapped, logger))

	assert.Equal(t, ExitConfigError, exitCode("server error", errors.New("plain"), logger))
}

func TestVersion(t *testing.T) {
	old := Version
	defer func() { Version = old }()

	Version = "1.2.3"
	assert.Equal(t, "1.2.3", version())

	Version = ""
	assert.NotEmpty(t, version())
}
