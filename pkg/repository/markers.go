package repository

import (
	"context"
	"fmt"
	"time"
)

const (
	markerStateProcessing = "processing"
	markerStateProcessed  = "processed"
)

// markerStore adapts Store's pool to the MarkerStore surface consumed by
// the idempotency gate. An expired row is treated as if it never existed,
// so a new acquire can proceed.
type markerStore struct {
	s *Store
}

// IdempotencyMarkers implements Repository.
func (s *Store) IdempotencyMarkers() MarkerStore {
	return &markerStore{s: s}
}

// TryAcquireProcessing implements MarkerStore.
func (m *markerStore) TryAcquireProcessing(ctx context.Context, key string, ttlSeconds int) (bool, error) {
	expiresAt := time.Now().Add(time.Duration(ttlSeconds) * time.Second)

	tag, err := m.s.pool.Exec(ctx,
		`INSERT INTO idempotency_markers (key, state, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE
		   SET state = $2, expires_at = $3
		   WHERE idempotency_markers.expires_at < now()`,
		key, markerStateProcessing, expiresAt)
	if err != nil {
		return false, fmt.Errorf("acquiring processing marker: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IsProcessed implements MarkerStore.
func (m *markerStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	var state string
	var expiresAt time.Time
	err := m.s.pool.QueryRow(ctx,
		`SELECT state, expires_at FROM idempotency_markers WHERE key = $1`, key,
	).Scan(&state, &expiresAt)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking processed marker: %w", err)
	}
	return state == markerStateProcessed && expiresAt.After(time.Now()), nil
}

// MarkProcessed implements MarkerStore.
func (m *markerStore) MarkProcessed(ctx context.Context, key string, ttlSeconds int) error {
	expiresAt := time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	_, err := m.s.pool.Exec(ctx,
		`INSERT INTO idempotency_markers (key, state, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET state = $2, expires_at = $3`,
		key, markerStateProcessed, expiresAt)
	if err != nil {
		return fmt.Errorf("writing processed marker: %w", err)
	}
	return nil
}

// ReleaseProcessing implements MarkerStore.
func (m *markerStore) ReleaseProcessing(ctx context.Context, key string) error {
	_, err := m.s.pool.Exec(ctx,
		`DELETE FROM idempotency_markers WHERE key = $1 AND state = $2`,
		key, markerStateProcessing)
	if err != nil {
		return fmt.Errorf("releasing processing marker: %w", err)
	}
	return nil
}
