package repository

import (
	"context"
	"fmt"

	"github.com/benchrun/worker/pkg/models"
	"github.com/jackc/pgx/v5"
)

// reconcileExperimentTx implements the Experiment Reconciler
// inside the caller's transaction. It is invoked by PersistCaseResult so
// every case write and its status aggregation commit atomically together.
// Returns the written status and whether this call transitioned the
// experiment to it; sticky and missing-row paths report no transition.
func reconcileExperimentTx(ctx context.Context, tx pgx.Tx, experimentID string) (models.QueueStatus, bool, error) {
	var currentStatus string
	var queueStatus string
	var hasStartedAt bool
	err := tx.QueryRow(ctx,
		`SELECT queue_status, started_at IS NOT NULL FROM experiments WHERE id = $1 FOR UPDATE`,
		experimentID,
	).Scan(&queueStatus, &hasStartedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Experiment row is created upstream; if it
			// is not present yet there is nothing to reconcile.
			return "", false, nil
		}
		return "", false, fmt.Errorf("locking experiment row: %w", err)
	}
	currentStatus = queueStatus

	if models.QueueStatus(currentStatus) == models.QueueStatusManualTerminated {
		return models.QueueStatusManualTerminated, false, nil
	}

	counts, err := countCaseStatuses(ctx, tx, experimentID)
	if err != nil {
		return "", false, err
	}

	runStatus := counts.DeriveRunStatus()

	if models.QueueStatus(currentStatus) == models.QueueStatusTestCase {
		// Sticky: preview runs must not flip to done/failed, but started_at
		// bookkeeping still applies so the preview shows progress.
		if runStatus == models.QueueStatusConsuming && !hasStartedAt {
			_, err := tx.Exec(ctx, `UPDATE experiments SET started_at = now(), updated_at = now() WHERE id = $1`, experimentID)
			if err != nil {
				return "", false, fmt.Errorf("setting started_at for test_case experiment: %w", err)
			}
		}
		return models.QueueStatusTestCase, false, nil
	}

	setClauses := "queue_status = $1, updated_at = now()"
	args := []any{string(runStatus), experimentID}

	if runStatus == models.QueueStatusConsuming && !hasStartedAt {
		setClauses += ", started_at = now()"
	}
	if runStatus == models.QueueStatusDone || runStatus == models.QueueStatusFailed {
		setClauses += ", finished_at = now()"
	}

	query := fmt.Sprintf(`UPDATE experiments SET %s WHERE id = $2`, setClauses)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return "", false, fmt.Errorf("writing reconciled queue_status: %w", err)
	}
	return runStatus, models.QueueStatus(currentStatus) != runStatus, nil
}

func countCaseStatuses(ctx context.Context, tx pgx.Tx, experimentID string) (models.CaseCounts, error) {
	rows, err := tx.Query(ctx,
		`SELECT status, count(*) FROM run_cases WHERE experiment_id = $1 AND is_latest GROUP BY status`,
		experimentID)
	if err != nil {
		return models.CaseCounts{}, fmt.Errorf("counting case statuses: %w", err)
	}
	defer rows.Close()

	var counts models.CaseCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.CaseCounts{}, fmt.Errorf("scanning case status count: %w", err)
		}
		counts.Total += n
		switch models.CaseStatus(status) {
		case models.CaseStatusRunning, models.CaseStatusTrajectory, models.CaseStatusScoring:
			counts.Running += n
		case models.CaseStatusPending, models.CaseStatusQueued:
			counts.Pending += n
		case models.CaseStatusSuccess:
			counts.Success += n
		case models.CaseStatusFailed, models.CaseStatusTimeout:
			counts.Failed += n
		}
	}
	return counts, rows.Err()
}
