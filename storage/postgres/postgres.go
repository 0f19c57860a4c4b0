// Package postgres provides a PostgreSQL implementation of billsync.Store.
// Event dedup relies on a unique index over the provider event id, and
// reconciliation reads lock subscription rows with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ billsync.Store         = (*Storage)(nil)
	_ billsync.UsageRecorder = (*Storage)(nil)
)

// Storage implements billsync.Store on PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger billsync.Logger

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

	// CleanupEnabled prunes usage rows that were synchronized more than
	// UsageRetention ago.
	CleanupEnabled  bool
	CleanupInterval time.Duration
	UsageRetention  time.Duration

	Logger billsync.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		UsageRetention:  90 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("%w: connection string is required", billsync.ErrConfiguration)
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
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config, logger: config.Logger}
	if s.logger == nil {
		s.logger = &billsync.NoopLogger{}
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.UsageRetention > 0 {
		cleanupCtx, cancel := context.WithCancel(context.Background())
		s.stopCleanup = cancel
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
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

// Ping checks database connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx implements billsync.Store
func (s *Storage) WithTx(ctx context.Context, fn func(billsync.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback after Commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&txStore{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PruneSyncedUsage(ctx, time.Now().UTC().Add(-s.config.UsageRetention))
			if err != nil {
				s.logger.Warn("usage cleanup failed", billsync.F("error", err))
				continue
			}
			if n > 0 {
				s.logger.Info("pruned synced usage rows", billsync.F("rows", n))
			}
		}
	}
}

// PruneSyncedUsage deletes usage rows recorded before cutoff that are
// already covered by their tenant's high-water mark.
func (s *Storage) PruneSyncedUsage(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM usage_units u
			USING tenant_subscriptions t
			WHERE u.tenant_id = t.tenant_id
				AND t.usage_synced_until IS NOT NULL
				AND u.recorded_at <= t.usage_synced_until
				AND u.recorded_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage: %w", err)
	}
	return tag.RowsAffected(), nil
}
