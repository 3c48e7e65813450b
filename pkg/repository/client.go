// Package repository is the abstract persistent store for run cases,
// experiments, evaluators' outputs, and observability rows. No SQL leaks
// out of this package: callers only see the Repository
// interface in repository.go.
package repository

import (
	"context"
	"embed"
	"fmt"
	"net/url"

	"github.com/benchrun/worker/pkg/config"
	"github.com/benchrun/worker/pkg/models"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// migrate driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations
var migrationsFS embed.FS

// Store is the pgx-backed Repository implementation.
type Store struct {
	pool     *pgxpool.Pool
	notifier ExperimentNotifier
}

// ExperimentNotifier receives terminal experiment transitions after the
// reconciling transaction commits. Optional: a nil notifier is skipped, the
// same convention the worker uses for every outbound hook.
type ExperimentNotifier interface {
	ExperimentFinished(ctx context.Context, experimentID string, status models.QueueStatus)
}

// SetNotifier installs the optional terminal-transition hook.
func (s *Store) SetNotifier(n ExperimentNotifier) {
	s.notifier = n
}

// NewStore opens a connection pool against cfg and applies pending
// migrations before returning.
func NewStore(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode, cfg.MaxOpenConns,
	)
	migrateURL := fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password), cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(migrateURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity; used by the worker's health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// runMigrations applies embedded golang-migrate migrations via a dedicated
// database/sql connection, kept separate from the pgxpool used for normal
// queries (the migrate library owns and closes its own connection).
func runMigrations(migrateURL string) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	defer sourceDriver.Close()

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, migrateURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
