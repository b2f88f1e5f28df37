package internal

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrPermanent marks a provider failure that retrying cannot fix
// (bad credentials, unknown resource).
var ErrPermanent = errors.New("permanent provider error")

// RetryPolicy configures Retry.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
	// Notify is called before each wait with the error that triggered it.
	Notify func(err error, wait time.Duration)
}

// DefaultRetryPolicy is used for provider API calls.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxTries:        3,
}

// Retry runs op with exponential backoff until it succeeds, returns an
// error wrapping ErrPermanent, exhausts the policy, or ctx is done.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}
	tries := policy.MaxTries
	if tries == 0 {
		tries = DefaultRetryPolicy.MaxTries
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
	}
	if policy.Notify != nil {
		opts = append(opts, backoff.WithNotify(policy.Notify))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && (errors.Is(err, ErrPermanent) || ctx.Err() != nil) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
