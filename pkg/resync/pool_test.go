package resync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

type fakeSyncer struct {
	mu       sync.Mutex
	calls    map[string]int
	fail     map[string]error
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{calls: make(map[string]int), fail: make(map[string]error)}
}

func (f *fakeSyncer) SyncUser(ctx context.Context, userID string) (*entitlement.Outcome, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[userID]++
	if err := f.fail[userID]; err != nil {
		return nil, err
	}
	return &entitlement.Outcome{UserID: userID}, nil
}

func (f *fakeSyncer) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[userID]
}

func runPool(t *testing.T, pool *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNewPool_Validation(t *testing.T) {
	_, err := NewPool(Config{})
	assert.Error(t, err)

	_, err = NewPool(Config{Queue: NewMemoryQueue(0)})
	assert.Error(t, err)

	pool, err := NewPool(Config{Queue: NewMemoryQueue(0), Syncers: map[string]Syncer{"stripe": newFakeSyncer()}})
	require.NoError(t, err)
	assert.Equal(t, defaultWorkers, pool.config.Workers)
	assert.Equal(t, defaultTaskTimeout, pool.config.TaskTimeout)
}

func TestPool_ProcessesAndAcksAllTasks(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	q.block = 20 * time.Millisecond
	syncer := newFakeSyncer()
	syncer.delay = 10 * time.Millisecond

	pool, err := NewPool(Config{Queue: q, Syncers: map[string]Syncer{"stripe": syncer}, Workers: 3})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(context.Background(), Task{UserID: fmt.Sprintf("u%d", i), Provider: "stripe"}))
	}

	stop := runPool(t, pool)
	waitFor(t, func() bool {
		pending, leased := q.Len()
		return pending == 0 && leased == 0
	})
	stop()

	for i := 0; i < 20; i++ {
		assert.Equal(t, 1, syncer.count(fmt.Sprintf("u%d", i)))
	}
	assert.LessOrEqual(t, syncer.peak.Load(), int32(3), "concurrency must stay within Workers")
}

func TestPool_FailedTaskIsRedelivered(t *testing.T) {
	q := NewMemoryQueue(50 * time.Millisecond)
	q.block = 10 * time.Millisecond
	syncer := newFakeSyncer()
	syncer.fail["u1"] = fmt.Errorf("%w: stripe down", billing.ErrProviderAPIError)

	var results atomic.Int32
	pool, err := NewPool(Config{
		Queue:    q,
		Syncers:  map[string]Syncer{"stripe": syncer},
		OnResult: func(Task, *entitlement.Outcome, error) { results.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), Task{UserID: "u1", Provider: "stripe"}))

	stop := runPool(t, pool)
	waitFor(t, func() bool { return syncer.count("u1") >= 2 })

	syncer.mu.Lock()
	delete(syncer.fail, "u1")
	syncer.mu.Unlock()

	waitFor(t, func() bool {
		pending, leased := q.Len()
		return pending == 0 && leased == 0
	})
	stop()
	assert.GreaterOrEqual(t, results.Load(), int32(3))
}

func TestPool_RejectedCredentialsKeepTask(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	q.block = 10 * time.Millisecond
	syncer := newFakeSyncer()
	syncer.fail["u1"] = fmt.Errorf("%w: status 401", billing.ErrProviderAuth)

	pool, err := NewPool(Config{Queue: q, Syncers: map[string]Syncer{"stripe": syncer}})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), Task{UserID: "u1", Provider: "stripe"}))

	stop := runPool(t, pool)
	waitFor(t, func() bool { return syncer.count("u1") >= 1 })
	stop()

	pending, leased := q.Len()
	assert.Equal(t, 1, pending+leased, "a rotated key must not drop queued work")
	assert.False(t, permanent(syncer.fail["u1"]))
}

func TestPool_PermanentFailureAndUnknownProviderAreDropped(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	q.block = 10 * time.Millisecond
	syncer := newFakeSyncer()
	syncer.fail["u1"] = fmt.Errorf("%w: no credentials", billing.ErrProviderNotConfigured)

	pool, err := NewPool(Config{Queue: q, Syncers: map[string]Syncer{"appstore": syncer}})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(),
		Task{UserID: "u1", Provider: "appstore"},
		Task{UserID: "u2", Provider: "paypal"},
	))

	stop := runPool(t, pool)
	waitFor(t, func() bool {
		pending, leased := q.Len()
		return pending == 0 && leased == 0
	})
	stop()
	assert.Equal(t, 1, syncer.count("u1"))
}

func TestPool_TaskTimeout(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	q.block = 10 * time.Millisecond
	syncer := newFakeSyncer()
	syncer.delay = time.Second

	errs := make(chan error, 1)
	pool, err := NewPool(Config{
		Queue:       q,
		Syncers:     map[string]Syncer{"stripe": syncer},
		TaskTimeout: 20 * time.Millisecond,
		OnResult:    func(_ Task, _ *entitlement.Outcome, err error) { errs <- err },
	})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), Task{UserID: "u1", Provider: "stripe"}))

	stop := runPool(t, pool)
	defer stop()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not time out")
	}
	_, leased := q.Len()
	assert.Equal(t, 1, leased, "timed out task stays leased for redelivery")
}
