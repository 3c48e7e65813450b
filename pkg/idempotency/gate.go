// Package idempotency implements the two-marker (in-flight + processed)
// mechanism that makes message processing effectively at-most-once. The
// in-flight marker's TTL expiry doubles as orphan detection: a worker that
// died mid-message leaves a marker that simply ages out.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/benchrun/worker/pkg/repository"
)

// Default marker TTLs.
const (
	DefaultProcessingTTLSeconds = 900   // 15 minutes: covers one message's worst-case processing time.
	DefaultProcessedTTLSeconds  = 86400 // 24 hours: long enough to absorb a broker redelivery window.
)

// Gate is the IdempotencyGate.
type Gate struct {
	markers        repository.MarkerStore
	processingTTL  int
	processedTTL   int
}

// NewGate constructs a Gate backed by the given marker store.
func NewGate(markers repository.MarkerStore) *Gate {
	return &Gate{
		markers:       markers,
		processingTTL: DefaultProcessingTTLSeconds,
		processedTTL:  DefaultProcessedTTLSeconds,
	}
}

// Suffix returns message_id if non-empty, else a content hash of payload.
func Suffix(messageID string, payload []byte) string {
	if messageID != "" {
		return messageID
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// AlreadyProcessed implements the already_processed contract.
func (g *Gate) AlreadyProcessed(ctx context.Context, key string) (bool, error) {
	return g.markers.IsProcessed(ctx, key)
}

// AcquireProcessing implements the acquire_processing contract: atomic
// compare-and-set with TTL. Returns false when another worker (or a stale,
// un-expired marker from this worker) holds the key.
func (g *Gate) AcquireProcessing(ctx context.Context, key string) (bool, error) {
	return g.markers.TryAcquireProcessing(ctx, key, g.processingTTL)
}

// MarkProcessed implements the mark_processed contract.
func (g *Gate) MarkProcessed(ctx context.Context, key string) error {
	return g.markers.MarkProcessed(ctx, key, g.processedTTL)
}

// ReleaseProcessing implements the release_processing contract.
func (g *Gate) ReleaseProcessing(ctx context.Context, key string) error {
	return g.markers.ReleaseProcessing(ctx, key)
}

// ErrAlreadyProcessing is returned by Run when another worker holds the key.
type ErrAlreadyProcessing struct{ Key string }

func (e *ErrAlreadyProcessing) Error() string {
	return fmt.Sprintf("message %q is already being processed or was already processed", e.Key)
}

// Run drives the gate around fn per the contract rules:
// already_processed is checked before acquire_processing to avoid
// resurrecting completed work; a successful fn sets the processed marker
// before releasing the in-flight one; a failing fn releases the in-flight
// marker and re-raises.
func (g *Gate) Run(ctx context.Context, messageID string, payload []byte, fn func(ctx context.Context) error) error {
	key := Suffix(messageID, payload)

	done, err := g.AlreadyProcessed(ctx, key)
	if err != nil {
		return fmt.Errorf("checking already-processed marker: %w", err)
	}
	if done {
		slog.Info("Duplicate message short-circuited by idempotency gate", "key", key)
		return nil
	}

	acquired, err := g.AcquireProcessing(ctx, key)
	if err != nil {
		return fmt.Errorf("acquiring processing marker: %w", err)
	}
	if !acquired {
		return &ErrAlreadyProcessing{Key: key}
	}

	if err := fn(ctx); err != nil {
		if relErr := g.ReleaseProcessing(ctx, key); relErr != nil {
			slog.Warn("Failed to release in-flight marker after failure", "key", key, "error", relErr)
		}
		return err
	}

	if err := g.MarkProcessed(ctx, key); err != nil {
		return fmt.Errorf("writing processed marker: %w", err)
	}
	if err := g.ReleaseProcessing(ctx, key); err != nil {
		slog.Warn("Failed to release in-flight marker after success", "key", key, "error", err)
	}
	return nil
}
