package resync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultVisibilityTimeout = 5 * time.Minute
	defaultBlockTimeout      = time.Second
)

// MemoryQueue is an in-process Queue. Leases that are not acknowledged
// within the visibility timeout are handed out again. It does not survive
// a restart; use the Redis queue for that.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []Delivery
	leased     map[string]lease
	visibility time.Duration
	block      time.Duration
	now        func() time.Time
	ready      chan struct{}
}

type lease struct {
	delivery Delivery
	until    time.Time
}

// NewMemoryQueue creates a queue with the given visibility timeout
// (0 means 5 minutes).
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &MemoryQueue{
		leased:     make(map[string]lease),
		visibility: visibility,
		block:      defaultBlockTimeout,
		now:        time.Now,
		ready:      make(chan struct{}, 1),
	}
}

// Enqueue implements Queue
func (q *MemoryQueue) Enqueue(_ context.Context, tasks ...Task) error {
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return err
		}
	}

	q.mu.Lock()
	for _, task := range tasks {
		q.pending = append(q.pending, Delivery{ID: uuid.NewString(), Task: task})
	}
	q.mu.Unlock()

	q.signal()
	return nil
}

// Dequeue implements Queue
func (q *MemoryQueue) Dequeue(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	timer := time.NewTimer(q.block)
	defer timer.Stop()

	for {
		if out := q.take(max); len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.ready:
		case <-time.After(q.block / 4):
			// re-check for expired leases
		}
	}
}

func (q *MemoryQueue) take(max int) []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for id, l := range q.leased {
		if now.After(l.until) {
			delete(q.leased, id)
			q.pending = append(q.pending, l.delivery)
		}
	}

	n := min(max, len(q.pending))
	if n == 0 {
		return nil
	}
	out := make([]Delivery, n)
	copy(out, q.pending[:n])
	q.pending = q.pending[n:]
	for _, d := range out {
		q.leased[d.ID] = lease{delivery: d, until: now.Add(q.visibility)}
	}
	return out
}

// Ack implements Queue
func (q *MemoryQueue) Ack(_ context.Context, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		delete(q.leased, id)
	}
	return nil
}

// Len returns the number of pending and leased tasks.
func (q *MemoryQueue) Len() (pending, leased int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.leased)
}

func (q *MemoryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
