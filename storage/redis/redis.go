// Package redis provides a Redis Streams implementation of the
// resync.Queue interface. Tasks are stream entries read through a consumer
// group; entries that stay unacknowledged longer than the visibility
// timeout are reclaimed with XAUTOCLAIM, which gives at-least-once delivery
// across process crashes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gopremium/pkg/resync"
)

const taskField = "task"

// Queue implements resync.Queue using Redis Streams
type Queue struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis queue configuration
type Config struct {
	// Stream is the stream key (default: "gopremium:resync")
	Stream string

	// Group is the consumer group shared by all workers (default: "resync-workers")
	Group string

	// Consumer names this process inside the group (default: hostname plus a random suffix)
	Consumer string

	// VisibilityTimeout is how long a delivery may stay unacknowledged
	// before another consumer reclaims it (default: 5m)
	VisibilityTimeout time.Duration

	// BlockTimeout bounds how long Dequeue waits for new entries (default: 2s)
	BlockTimeout time.Duration

	// MaxLen approximately caps the stream length (0 = unbounded)
	MaxLen int64
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Stream:            "gopremium:resync",
		Group:             "resync-workers",
		VisibilityTimeout: 5 * time.Minute,
		BlockTimeout:      2 * time.Second,
	}
}

// New creates a Redis queue and ensures the consumer group exists.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(ctx context.Context, client redis.UniversalClient, config Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.Stream == "" {
		config.Stream = defaults.Stream
	}
	if config.Group == "" {
		config.Group = defaults.Group
	}
	if config.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		config.Consumer = host + "-" + uuid.NewString()[:8]
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = defaults.BlockTimeout
	}

	err := client.XGroupCreateMkStream(ctx, config.Stream, config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &Queue{client: client, config: config}, nil
}

// Enqueue implements resync.Queue
func (q *Queue) Enqueue(ctx context.Context, tasks ...resync.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	pipe := q.client.Pipeline()
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return err
		}
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		args := &redis.XAddArgs{
			Stream: q.config.Stream,
			Values: map[string]interface{}{taskField: string(data)},
		}
		if q.config.MaxLen > 0 {
			args.MaxLen = q.config.MaxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue tasks: %w", err)
	}
	return nil
}

// Dequeue implements resync.Queue. Expired leases of any consumer are
// reclaimed before new entries are read.
func (q *Queue) Dequeue(ctx context.Context, max int) ([]resync.Delivery, error) {
	if max <= 0 {
		max = 1
	}

	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.config.Stream,
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		MinIdle:  q.config.VisibilityTimeout,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to reclaim tasks: %w", err)
	}
	if len(claimed) > 0 {
		return q.decode(ctx, claimed)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		Streams:  []string{q.config.Stream, ">"},
		Count:    int64(max),
		Block:    q.config.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}

	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return q.decode(ctx, messages)
}

// decode converts stream entries into deliveries. Entries that cannot be
// decoded are acknowledged and dropped.
func (q *Queue) decode(ctx context.Context, messages []redis.XMessage) ([]resync.Delivery, error) {
	out := make([]resync.Delivery, 0, len(messages))
	var poison []string
	for _, msg := range messages {
		raw, ok := msg.Values[taskField].(string)
		var task resync.Task
		if !ok || json.Unmarshal([]byte(raw), &task) != nil || task.Validate() != nil {
			poison = append(poison, msg.ID)
			continue
		}
		out = append(out, resync.Delivery{ID: msg.ID, Task: task})
	}
	if len(poison) > 0 {
		if err := q.Ack(ctx, poison...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Ack implements resync.Queue. Acknowledged entries are also deleted from
// the stream.
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.config.Stream, q.config.Group, ids...)
	pipe.XDel(ctx, q.config.Stream, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack tasks: %w", err)
	}
	return nil
}

// Pending returns the number of delivered but unacknowledged entries.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	res, err := q.client.XPending(ctx, q.config.Stream, q.config.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending tasks: %w", err)
	}
	return res.Count, nil
}

// Len returns the number of entries in the stream, acknowledged ones excluded.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.config.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read stream length: %w", err)
	}
	return n, nil
}

// Ping checks the Redis connection
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
