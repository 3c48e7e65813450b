// Package util provides test utilities for integration tests that need a
// real PostgreSQL database.
package util

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/benchrun/worker/pkg/config"
	"github.com/benchrun/worker/pkg/repository"
)

// NewTestStoreWithPool starts a disposable PostgreSQL container, opens a
// fully migrated Store against it, and additionally returns a raw pgx pool
// on the same database for seeding rows and asserting persisted state.
// Everything is cleaned up when the test finishes.
func NewTestStoreWithPool(t *testing.T) (*repository.Store, *pgxpool.Pool) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}

	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("benchrun_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := config.DatabaseConfig{
		Host:         host,
		Port:         mappedPort.Int(),
		User:         "postgres",
		Password:     "postgres",
		Database:     "benchrun_test",
		SSLMode:      "disable",
		MaxOpenConns: 5,
	}

	store, err := repository.NewStore(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return store, pool
}

// NewTestStore starts a disposable PostgreSQL container and opens a fully
// migrated Store against it. Everything is cleaned up when the test
// finishes.
func NewTestStore(t *testing.T) *repository.Store {
	t.Helper()
	store, _ := NewTestStoreWithPool(t)
	return store
}
