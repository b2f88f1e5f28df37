package resync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

const (
	defaultWorkers     = 4
	defaultTaskTimeout = 30 * time.Second
	defaultErrorPause  = time.Second
)

// Syncer re-reads one user's subscriptions from a provider.
// billing.Provider implementations satisfy it.
type Syncer interface {
	SyncUser(ctx context.Context, userID string) (*entitlement.Outcome, error)
}

// Config configures a Pool.
type Config struct {
	Queue Queue

	// Syncers maps Task.Provider to the provider that serves it.
	Syncers map[string]Syncer

	// Workers bounds concurrent tasks (default 4).
	Workers int

	// TaskTimeout bounds a single sync (default 30s).
	TaskTimeout time.Duration

	// OnResult is called after each task with its outcome or error.
	OnResult func(task Task, outcome *entitlement.Outcome, err error)

	Logger entitlement.Logger
}

// DefaultConfig returns a Config with default limits.
func DefaultConfig() Config {
	return Config{
		Workers:     defaultWorkers,
		TaskTimeout: defaultTaskTimeout,
		Logger:      &entitlement.NoopLogger{},
	}
}

// Pool executes queued tasks with bounded concurrency.
type Pool struct {
	config     Config
	errorPause time.Duration
}

// NewPool validates config and creates a Pool.
func NewPool(config Config) (*Pool, error) {
	if config.Queue == nil {
		return nil, errors.New("resync: queue is required")
	}
	if len(config.Syncers) == 0 {
		return nil, errors.New("resync: at least one syncer is required")
	}
	if config.Workers <= 0 {
		config.Workers = defaultWorkers
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = defaultTaskTimeout
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Pool{config: config, errorPause: defaultErrorPause}, nil
}

// Run consumes the queue until ctx is cancelled. Cancellation reaches
// in-flight tasks too; they stay unacknowledged and are delivered again.
// Run returns once every started task has returned.
func (p *Pool) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(p.config.Workers)
	defer func() { _ = g.Wait() }()

	p.config.Logger.Info("resync pool started", entitlement.Field{Key: "workers", Value: p.config.Workers})
	for {
		if ctx.Err() != nil {
			p.config.Logger.Info("resync pool stopping")
			return nil
		}

		deliveries, err := p.config.Queue.Dequeue(ctx, p.config.Workers)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.config.Logger.Error("resync dequeue failed", entitlement.Field{Key: "error", Value: err})
			select {
			case <-ctx.Done():
			case <-time.After(p.errorPause):
			}
			continue
		}

		for _, d := range deliveries {
			// blocks while Workers tasks are in flight
			g.Go(func() error {
				p.process(ctx, d)
				return nil
			})
		}
	}
}

// process runs a single delivery and acknowledges it unless it should be
// retried.
func (p *Pool) process(ctx context.Context, d Delivery) {
	logger := p.config.Logger
	syncer, ok := p.config.Syncers[d.Task.Provider]
	if !ok {
		logger.Error("resync task for unknown provider dropped",
			entitlement.Field{Key: "provider", Value: d.Task.Provider},
			entitlement.Field{Key: "user_id", Value: d.Task.UserID},
		)
		p.ack(ctx, d)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.config.TaskTimeout)
	outcome, err := syncer.SyncUser(taskCtx, d.Task.UserID)
	cancel()

	if p.config.OnResult != nil {
		p.config.OnResult(d.Task, outcome, err)
	}

	switch {
	case err == nil:
		logger.Debug("resync task done",
			entitlement.Field{Key: "provider", Value: d.Task.Provider},
			entitlement.Field{Key: "user_id", Value: d.Task.UserID},
			entitlement.Field{Key: "premium", Value: outcome.IsPremium},
			entitlement.Field{Key: "changed", Value: outcome.Changed},
		)
		p.ack(ctx, d)
	case permanent(err):
		logger.Error("resync task failed permanently, dropped",
			entitlement.Field{Key: "provider", Value: d.Task.Provider},
			entitlement.Field{Key: "user_id", Value: d.Task.UserID},
			entitlement.Field{Key: "error", Value: err},
		)
		p.ack(ctx, d)
	default:
		// left unacknowledged; redelivered when the lease expires
		logger.Error("resync task failed",
			entitlement.Field{Key: "provider", Value: d.Task.Provider},
			entitlement.Field{Key: "user_id", Value: d.Task.UserID},
			entitlement.Field{Key: "error", Value: err},
		)
	}
}

func (p *Pool) ack(ctx context.Context, d Delivery) {
	if err := p.config.Queue.Ack(context.WithoutCancel(ctx), d.ID); err != nil {
		p.config.Logger.Error("resync ack failed",
			entitlement.Field{Key: "delivery_id", Value: d.ID},
			entitlement.Field{Key: "error", Value: fmt.Errorf("ack: %w", err)},
		)
	}
}

// permanent reports errors that a retry cannot fix. Rejected credentials
// are not among them: the task waits for the key to be fixed.
func permanent(err error) bool {
	if errors.Is(err, billing.ErrProviderAuth) {
		return false
	}
	return errors.Is(err, billing.ErrProviderNotConfigured) ||
		errors.Is(err, billing.ErrCustomerNotFound) ||
		errors.Is(err, billing.ErrUserNotFound) ||
		errors.Is(err, entitlement.ErrInvalidUserID)
}
