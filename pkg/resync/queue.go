// Package resync runs bulk reconciliation of user entitlements against
// the billing providers. Tasks flow through a durable Queue and are
// executed by a bounded Pool; a task is acknowledged only after its sync
// succeeded, so crashed or failed work is delivered again.
package resync

import (
	"context"
	"errors"
	"time"
)

// Task asks for one user to be re-synced against one provider.
type Task struct {
	UserID     string    `json:"user_id"`
	Provider   string    `json:"provider"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is a leased Task. It stays invisible to other consumers until
// it is acknowledged or its lease expires.
type Delivery struct {
	ID   string
	Task Task
}

// Queue is an at-least-once task queue.
type Queue interface {
	// Enqueue appends tasks to the queue.
	Enqueue(ctx context.Context, tasks ...Task) error

	// Dequeue leases up to max tasks. It blocks until at least one task is
	// available, ctx is done, or the implementation's block timeout elapses,
	// and may return an empty slice.
	Dequeue(ctx context.Context, max int) ([]Delivery, error)

	// Ack removes delivered tasks for good.
	Ack(ctx context.Context, ids ...string) error
}

// ErrInvalidTask is returned when enqueueing a task without user or provider.
var ErrInvalidTask = errors.New("resync: task requires user id and provider")

// Validate checks the task's required fields.
func (t Task) Validate() error {
	if t.UserID == "" || t.Provider == "" {
		return ErrInvalidTask
	}
	return nil
}
