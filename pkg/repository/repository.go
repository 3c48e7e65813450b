package repository

import (
	"context"

	"github.com/benchrun/worker/pkg/models"
)

// Repository is the abstract persistent store consumed by the core.
// All operations are transactional at the level of a single case
// update or a single batch insert; no SQL leaks past this interface.
type Repository interface {
	// GetExperimentQueueState returns the experiment's current aggregate
	// status and the message id it is currently bound to, if any.
	GetExperimentQueueState(ctx context.Context, experimentID string) (queueStatus models.QueueStatus, queueMessageID string, found bool, err error)

	// MarkCasesQueued transitions the given case ids from pending to queued
	// in a single call. Cases already past queued are left alone.
	MarkCasesQueued(ctx context.Context, experimentID string, runCaseIDs []string) error

	// MarkCaseStatus writes a case status, enforcing the allowed-from set
	// (models.AllowedCaseTransition). Rows whose current status is not an
	// allowed predecessor are left unchanged (zero rows affected, no error).
	MarkCaseStatus(ctx context.Context, experimentID, runCaseID string, status models.CaseStatus) error

	// PersistCaseResult atomically updates the case row, replaces its
	// scorer rows, recomputes final_score, and runs the Reconciler in the
	// same transaction.
	PersistCaseResult(ctx context.Context, experimentID string, result models.CaseResult) error

	// FetchSpansByRunCase returns up to limit spans for runCaseID within
	// [startMS, endMS], ordered per the TrajectoryResolver mapping rules.
	FetchSpansByRunCase(ctx context.Context, runCaseID string, startMS, endMS int64, limit int) ([]models.Span, error)

	// FetchLogsByRunCase returns up to limit logs for runCaseID within
	// [startMS, endMS].
	FetchLogsByRunCase(ctx context.Context, runCaseID string, startMS, endMS int64, limit int) ([]models.Log, error)

	// PersistSpans inserts normalized spans in a single batch.
	PersistSpans(ctx context.Context, spans []models.Span) error

	// PersistLogs inserts normalized logs in a single batch.
	PersistLogs(ctx context.Context, logs []models.Log) error

	// IdempotencyMarkers exposes the marker storage consumed by IdempotencyGate.
	IdempotencyMarkers() MarkerStore
}

// MarkerStore is the persistence surface IdempotencyGate needs.
type MarkerStore interface {
	// TryAcquireProcessing atomically inserts an in-flight marker with ttl,
	// returning false if one already exists and has not expired.
	TryAcquireProcessing(ctx context.Context, key string, ttlSeconds int) (bool, error)

	// IsProcessed reports whether a non-expired processed marker exists for key.
	IsProcessed(ctx context.Context, key string) (bool, error)

	// MarkProcessed writes a processed marker with a long ttl, replacing any
	// in-flight marker for the same key.
	MarkProcessed(ctx context.Context, key string, ttlSeconds int) error

	// ReleaseProcessing removes the in-flight marker for key.
	ReleaseProcessing(ctx context.Context, key string) error
}
