package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Redis Streams Queue
// =============================================================================

// RedisConfig holds connection and consumption settings for the Redis queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Stream is the stream key, Group the consumer group, Consumer this
	// process's consumer name within the group.
	Stream   string
	Group    string
	Consumer string

	// BlockTimeout bounds how long Consume blocks waiting for messages.
	BlockTimeout time.Duration

	// RetryDelay is the minimum idle time before an unacked message is
	// reclaimed for redelivery.
	RetryDelay time.Duration

	// BatchSize caps how many messages one Consume or Reclaim call returns.
	BatchSize int64
}

// RedisQueue implements Queue on a Redis stream with a consumer group.
type RedisQueue struct {
	client *redis.Client
	config RedisConfig
	logger *slog.Logger
}

// NewRedisQueue connects to Redis and ensures the stream's consumer group
// exists. Creating a group that already exists is not an error.
func NewRedisQueue(config RedisConfig, logger *slog.Logger) (*RedisQueue, error) {
	if config.BlockTimeout == 0 {
		config.BlockTimeout = 5 * time.Second
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 30 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 8
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	err := client.XGroupCreateMkStream(ctx, config.Stream, config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		client.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &RedisQueue{
		client: client,
		config: config,
		logger: logger.With("component", "queue"),
	}, nil
}

// Enqueue appends a run to the stream.
func (q *RedisQueue) Enqueue(ctx context.Context, runID, requestID string) error {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.config.Stream,
		Values: map[string]interface{}{
			"run_id":     runID,
			"request_id": requestID,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to enqueue run %s: %w", runID, err)
	}

	q.logger.Debug("enqueued validation run", "run_id", runID, "message_id", id)
	return nil
}

// Consume reads new messages for this consumer. Messages stay in the
// group's pending list until Ack.
func (q *RedisQueue) Consume(ctx context.Context) ([]WorkItem, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		Streams:  []string{q.config.Stream, ">"},
		Count:    q.config.BatchSize,
		Block:    q.config.BlockTimeout,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read from queue: %w", err)
	}

	var items []WorkItem
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			item, err := q.toWorkItem(msg, 1)
			if err != nil {
				// Poison message. Ack it so it never comes back.
				q.logger.Warn("dropping malformed queue message", "message_id", msg.ID, "error", err)
				q.Ack(ctx, msg.ID)
				continue
			}
			items = append(items, item)
		}
	}
	return items, nil
}

// Reclaim takes over pending messages idle longer than RetryDelay,
// regardless of which consumer first received them. The returned items
// carry their true delivery counts from the pending entries list.
func (q *RedisQueue) Reclaim(ctx context.Context) ([]WorkItem, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.config.Stream,
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		MinIdle:  q.config.RetryDelay,
		Start:    "0",
		Count:    q.config.BatchSize,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to reclaim pending messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
	}
	deliveries := q.deliveryCounts(ctx, ids)

	var items []WorkItem
	for _, msg := range msgs {
		item, err := q.toWorkItem(msg, deliveries[msg.ID])
		if err != nil {
			q.logger.Warn("dropping malformed queue message", "message_id", msg.ID, "error", err)
			q.Ack(ctx, msg.ID)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// deliveryCounts looks up per-message delivery counts via XPENDING.
func (q *RedisQueue) deliveryCounts(ctx context.Context, ids []string) map[string]int64 {
	counts := make(map[string]int64, len(ids))
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.config.Stream,
		Group:  q.config.Group,
		Start:  "-",
		End:    "+",
		Count:  int64(len(ids)) + q.config.BatchSize,
	}).Result()
	if err != nil {
		q.logger.Warn("failed to read pending entries", "error", err)
		return counts
	}
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

// Ack acknowledges a message so it is never redelivered.
func (q *RedisQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.client.XAck(ctx, q.config.Stream, q.config.Group, messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", messageID, err)
	}
	return nil
}

// Depth returns the stream length.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.config.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) toWorkItem(msg redis.XMessage, deliveries int64) (WorkItem, error) {
	runID, ok := msg.Values["run_id"].(string)
	if !ok || runID == "" {
		return WorkItem{}, fmt.Errorf("%w: missing run_id", ErrBadMessage)
	}
	requestID, _ := msg.Values["request_id"].(string)
	if deliveries < 1 {
		deliveries = 1
	}
	return WorkItem{
		MessageID:  msg.ID,
		RunID:      runID,
		RequestID:  requestID,
		Deliveries: deliveries,
	}, nil
}
