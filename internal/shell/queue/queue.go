// Package queue provides the validation work queue. Runs are enqueued as
// messages and consumed by scheduler workers; messages that cannot be
// processed yet stay pending and are redelivered until a delivery ceiling
// is reached.
package queue

import (
	"context"
	"errors"
)

// Sentinel errors for queue operations.
var (
	ErrQueueClosed      = errors.New("queue is closed")
	ErrConnectionFailed = errors.New("queue connection failed")
	ErrBadMessage       = errors.New("malformed queue message")
)

// WorkItem is one enqueued validation run.
type WorkItem struct {
	// MessageID identifies the message inside the queue, used to ack it.
	MessageID string

	RunID     string
	RequestID string

	// Deliveries counts how many times this message has been handed to a
	// consumer, including the current delivery.
	Deliveries int64
}

// Queue hands validation runs to scheduler workers.
type Queue interface {
	// Enqueue appends a run to the queue.
	Enqueue(ctx context.Context, runID, requestID string) error

	// Consume blocks up to the configured poll interval and returns the
	// next batch of work items. An empty slice means nothing arrived.
	// Items not acked are redelivered via Reclaim after an idle delay.
	Consume(ctx context.Context) ([]WorkItem, error)

	// Reclaim returns messages delivered to a consumer but left unacked
	// longer than the configured retry delay. This is both the retry path
	// for capacity-deferred runs and the recovery path for crashed workers.
	Reclaim(ctx context.Context) ([]WorkItem, error)

	// Ack marks a message as fully processed so it is never redelivered.
	Ack(ctx context.Context, messageID string) error

	// Depth returns the number of messages waiting in the queue.
	Depth(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
