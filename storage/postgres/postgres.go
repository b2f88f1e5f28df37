// Package postgres provides a PostgreSQL implementation of the entitlement.Storage interface.
// Every apply runs in one SQL transaction holding a row lock on the user's
// user_entitlements row (INSERT ... ON CONFLICT DO NOTHING, then SELECT FOR UPDATE),
// so concurrent events for the same user serialize while different users proceed in parallel.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

// Pool is the subset of *pgxpool.Pool used by Storage.
// pgxmock.PgxPoolIface satisfies it in tests.
type Pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Storage implements entitlement.Storage using PostgreSQL
type Storage struct {
	pool   Pool
	pgPool *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies pending migrations in New
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to prune the ledger
	LedgerRetention time.Duration // Processed ledger entries older than this are pruned
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  false,
		CleanupInterval: time.Hour,
		LedgerRetention: entitlement.DefaultLedgerRetention,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", entitlement.ErrStorageUnavailable, err)
	}
	if config.AutoMigrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	s := NewWithPool(pool, config)
	s.pgPool = pool
	return s, nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of
// migrations; Close closes the pool.
func NewWithPool(pool Pool, config Config) *Storage {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.LedgerRetention <= 0 {
		config.LedgerRetention = entitlement.DefaultLedgerRetention
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}
	return s
}

// Pool returns the underlying pgx pool, or nil when the Storage wraps a
// caller-provided Pool.
func (s *Storage) Pool() *pgxpool.Pool {
	return s.pgPool
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Now implements entitlement.TimeSource using the database clock.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now.UTC(), nil
}

// RecordEvent implements entitlement.Storage
func (s *Storage) RecordEvent(
	ctx context.Context, provider entitlement.Provider, eventID string, receivedAt time.Time,
) (bool, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (provider, event_id, received_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (provider, event_id) DO NOTHING`,
		string(provider), eventID, receivedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}

	var processedAt *time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT processed_at FROM webhook_events WHERE provider = $1 AND event_id = $2`,
		string(provider), eventID).Scan(&processedAt)
	if err != nil {
		return false, fmt.Errorf("failed to read event: %w", err)
	}
	return processedAt != nil, nil
}

// MarkEventProcessed implements entitlement.Storage
func (s *Storage) MarkEventProcessed(
	ctx context.Context, provider entitlement.Provider, eventID string, at time.Time,
) error {
	return markProcessed(ctx, s.pool, provider, eventID, at)
}

func markProcessed(ctx context.Context, q querier, provider entitlement.Provider, eventID string, at time.Time) error {
	_, err := q.Exec(ctx,
		`INSERT INTO webhook_events (provider, event_id, received_at, processed_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (provider, event_id) DO UPDATE SET
				processed_at = COALESCE(webhook_events.processed_at, EXCLUDED.processed_at)`,
		string(provider), eventID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// WithUserLock implements entitlement.Storage
func (s *Storage) WithUserLock(ctx context.Context, userID string, fn func(tx entitlement.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", entitlement.ErrStorageUnavailable, err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Ensure the row exists, then lock it
	_, err = tx.Exec(ctx,
		`INSERT INTO user_entitlements (user_id) VALUES ($1)
			ON CONFLICT (user_id) DO NOTHING`,
		userID)
	if err != nil {
		return fmt.Errorf("failed to ensure entitlement row: %w", err)
	}

	var locked string
	err = tx.QueryRow(ctx,
		`SELECT user_id FROM user_entitlements WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&locked)
	if err != nil {
		return fmt.Errorf("failed to lock entitlement row: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetUserEntitlement implements entitlement.Storage
func (s *Storage) GetUserEntitlement(ctx context.Context, userID string) (*entitlement.UserEntitlement, error) {
	ent, err := getUserEntitlement(ctx, s.pool, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrUserNotFound
	}
	return ent, err
}

func getUserEntitlement(ctx context.Context, q querier, userID string) (*entitlement.UserEntitlement, error) {
	ent := entitlement.UserEntitlement{UserID: userID}
	var computedAt *time.Time

	err := q.QueryRow(ctx,
		`SELECT premium, effective_expiry, entitlement_computed_at
			FROM user_entitlements WHERE user_id = $1`,
		userID).Scan(&ent.Premium, &ent.EffectiveExpiry, &computedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	if computedAt != nil {
		ent.ComputedAt = computedAt.UTC()
	}
	if ent.EffectiveExpiry != nil {
		expiry := ent.EffectiveExpiry.UTC()
		ent.EffectiveExpiry = &expiry
	}
	return &ent, nil
}

// FindWebSubscription implements entitlement.Storage
func (s *Storage) FindWebSubscription(ctx context.Context, id string) (*entitlement.WebSubscription, error) {
	return getWebSubscription(ctx, s.pool, id)
}

// FindStoreSubscription implements entitlement.Storage
func (s *Storage) FindStoreSubscription(ctx context.Context, id string) (*entitlement.StoreSubscription, error) {
	return getStoreSubscription(ctx, s.pool, id)
}

// ListWebSubscriptions implements entitlement.Storage
func (s *Storage) ListWebSubscriptions(ctx context.Context, userID string) ([]entitlement.WebSubscription, error) {
	return listWebSubscriptions(ctx, s.pool, userID)
}

// ListStoreSubscriptions implements entitlement.Storage
func (s *Storage) ListStoreSubscriptions(ctx context.Context, userID string) ([]entitlement.StoreSubscription, error) {
	return listStoreSubscriptions(ctx, s.pool, userID)
}

// PruneEvents implements entitlement.Storage
func (s *Storage) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_events WHERE processed_at IS NOT NULL AND received_at < $1`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// startCleanup prunes the ledger periodically until Close is called
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // retried on the next tick
			_, _ = s.pruneExpired(ctx)
		}
	}
}

// pruneExpired prunes processed events older than LedgerRetention, measured
// on the database clock the manager asserts against.
func (s *Storage) pruneExpired(ctx context.Context) (int64, error) {
	now, err := s.Now(ctx)
	if err != nil {
		return 0, err
	}
	return s.PruneEvents(ctx, now.Add(-s.config.LedgerRetention))
}

var (
	_ entitlement.Storage    = (*Storage)(nil)
	_ entitlement.TimeSource = (*Storage)(nil)
	_ entitlement.Tx         = (*pgTx)(nil)
)
