// Package postgres provides PostgreSQL implementation of the store interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/narvanalabs/fleet/internal/store"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger

	clusters *ClusterStore
	nodes    *NodeStore
	jobs     *JobStore
	pools    *PoolStore
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewPostgresStore creates a new PostgreSQL store with the given configuration.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("connected to PostgreSQL database")
	return newStore(db, logger), nil
}

func newStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:       db,
		logger:   logger,
		clusters: &ClusterStore{db: db, logger: logger},
		nodes:    &NodeStore{db: db, logger: logger},
		jobs:     &JobStore{db: db, logger: logger},
		pools:    &PoolStore{db: db, logger: logger},
	}
}

// Clusters returns the ClusterStore.
func (s *PostgresStore) Clusters() store.ClusterStore {
	return s.clusters
}

// Nodes returns the NodeStore.
func (s *PostgresStore) Nodes() store.NodeStore {
	return s.nodes
}

// Jobs returns the JobStore.
func (s *PostgresStore) Jobs() store.JobStore {
	return s.jobs
}

// Pools returns the PoolStore.
func (s *PostgresStore) Pools() store.PoolStore {
	return s.pools
}

// WithTx executes the given function within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Unknown("beginning transaction", err)
	}

	txStore := &txStore{
		tx:     tx,
		logger: s.logger,
	}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return store.Unknown("committing transaction", err)
	}

	return nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return store.Unknown("pinging database", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// txStore wraps a transaction and implements the Store interface.
type txStore struct {
	tx     *sql.Tx
	logger *slog.Logger

	clusters *ClusterStore
	nodes    *NodeStore
	jobs     *JobStore
	pools    *PoolStore
}

func (s *txStore) Clusters() store.ClusterStore {
	if s.clusters == nil {
		s.clusters = &ClusterStore{tx: s.tx, logger: s.logger}
	}
	return s.clusters
}

func (s *txStore) Nodes() store.NodeStore {
	if s.nodes == nil {
		s.nodes = &NodeStore{tx: s.tx, logger: s.logger}
	}
	return s.nodes
}

func (s *txStore) Jobs() store.JobStore {
	if s.jobs == nil {
		s.jobs = &JobStore{tx: s.tx, logger: s.logger}
	}
	return s.jobs
}

func (s *txStore) Pools() store.PoolStore {
	if s.pools == nil {
		s.pools = &PoolStore{tx: s.tx, logger: s.logger}
	}
	return s.pools
}

func (s *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txStore) Ping(ctx context.Context) error {
	return nil
}

func (s *txStore) Close() error {
	// No-op for transaction store
	return nil
}

// queryable is an interface that both *sql.DB and *sql.Tx implement.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn picks the transaction when one is set.
func conn(db *sql.DB, tx *sql.Tx) queryable {
	if tx != nil {
		return tx
	}
	return db
}
