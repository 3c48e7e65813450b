package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benchrun/worker/pkg/models"
	"github.com/jackc/pgx/v5"
)

// GetExperimentQueueState implements Repository.
func (s *Store) GetExperimentQueueState(ctx context.Context, experimentID string) (models.QueueStatus, string, bool, error) {
	var status string
	var queueMessageID *string

	err := s.pool.QueryRow(ctx,
		`SELECT queue_status, queue_message_id FROM experiments WHERE id = $1`,
		experimentID,
	).Scan(&status, &queueMessageID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("querying experiment queue state: %w", err)
	}

	msgID := ""
	if queueMessageID != nil {
		msgID = *queueMessageID
	}
	return models.QueueStatus(status), msgID, true, nil
}

// MarkCasesQueued implements Repository.
func (s *Store) MarkCasesQueued(ctx context.Context, experimentID string, runCaseIDs []string) error {
	if len(runCaseIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE run_cases SET status = $1, updated_at = now()
		 WHERE experiment_id = $2 AND run_case_id = ANY($3) AND is_latest AND status = $4`,
		models.CaseStatusQueued, experimentID, runCaseIDs, models.CaseStatusPending)
	if err != nil {
		return fmt.Errorf("marking cases queued: %w", err)
	}
	return nil
}

// MarkCaseStatus implements Repository. The allowed-from set is enforced in
// SQL via the WHERE clause: rows whose current status is not one of the
// allowed predecessors are simply not updated.
func (s *Store) MarkCaseStatus(ctx context.Context, experimentID, runCaseID string, status models.CaseStatus) error {
	predecessors := allowedPredecessors(status)
	if len(predecessors) == 0 {
		return fmt.Errorf("no allowed predecessor set defined for status %q", status)
	}

	setStartedAt := ""
	if status == models.CaseStatusRunning {
		setStartedAt = ", started_at = COALESCE(started_at, now())"
	}

	query := fmt.Sprintf(
		`UPDATE run_cases SET status = $1, updated_at = now()%s
		 WHERE experiment_id = $2 AND run_case_id = $3 AND is_latest AND status = ANY($4)`,
		setStartedAt)

	_, err := s.pool.Exec(ctx, query, status, experimentID, runCaseID, predecessors)
	if err != nil {
		return fmt.Errorf("marking case status: %w", err)
	}
	return nil
}

// allowedPredecessors mirrors models.AllowedCaseTransition for SQL use.
func allowedPredecessors(to models.CaseStatus) []string {
	if to.IsTerminal() {
		return []string{
			string(models.CaseStatusPending), string(models.CaseStatusQueued),
			string(models.CaseStatusRunning), string(models.CaseStatusTrajectory),
			string(models.CaseStatusScoring),
		}
	}
	switch to {
	case models.CaseStatusQueued:
		return []string{string(models.CaseStatusPending)}
	case models.CaseStatusRunning:
		return []string{string(models.CaseStatusPending), string(models.CaseStatusQueued), string(models.CaseStatusTrajectory)}
	case models.CaseStatusTrajectory:
		return []string{string(models.CaseStatusRunning), string(models.CaseStatusScoring)}
	case models.CaseStatusScoring:
		return []string{string(models.CaseStatusRunning), string(models.CaseStatusTrajectory)}
	default:
		return nil
	}
}

// PersistCaseResult implements Repository: updates the case row, replaces
// scorer rows, recomputes final_score, and runs the reconciler, all inside
// one transaction.
func (s *Store) PersistCaseResult(ctx context.Context, experimentID string, result models.CaseResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning case persist transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	trajectoryJSON, err := json.Marshal(result.Trajectory)
	if err != nil {
		return fmt.Errorf("marshaling trajectory: %w", err)
	}
	outputJSON, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Errorf("marshaling output: %w", err)
	}
	usageJSON, err := json.Marshal(result.Usage)
	if err != nil {
		return fmt.Errorf("marshaling usage: %w", err)
	}

	var runCasePK int64
	err = tx.QueryRow(ctx,
		`UPDATE run_cases SET
			status = $1, trajectory = $2, output = $3, logs = $4, error_message = $5,
			exit_code = $6, latency_ms = $7, container_id = $8, container_image = $9,
			mock_sidecar_endpoint = $10, inspect_eval_id = $11, inspect_sample_id = $12,
			usage = $13, finished_at = now(), updated_at = now()
		 WHERE experiment_id = $14 AND run_case_id = $15 AND is_latest
		 RETURNING id`,
		result.Status, trajectoryJSON, outputJSON, result.Logs, result.ErrorMessage,
		result.ExitCode, result.LatencyMS, result.ContainerID, result.ContainerImage,
		result.MockSidecarEndpoint, result.InspectEvalID, result.InspectSampleID,
		usageJSON, experimentID, result.RunCaseID,
	).Scan(&runCasePK)
	if err != nil {
		return fmt.Errorf("updating case row: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM scorer_results WHERE run_case_pk = $1`, runCasePK); err != nil {
		return fmt.Errorf("clearing scorer rows: %w", err)
	}
	for _, sr := range result.ScorerResults {
		if _, err := tx.Exec(ctx,
			`INSERT INTO scorer_results (run_case_pk, scorer_id, score, reason) VALUES ($1, $2, $3, $4)`,
			runCasePK, sr.ScorerID, sr.Score, sr.Reason,
		); err != nil {
			return fmt.Errorf("inserting scorer row: %w", err)
		}
	}

	finalScore := models.ScorerResultMean(result.ScorerResults)
	if _, err := tx.Exec(ctx, `UPDATE run_cases SET final_score = $1 WHERE id = $2`, finalScore, runCasePK); err != nil {
		return fmt.Errorf("writing final_score: %w", err)
	}

	reconciled, transitioned, err := reconcileExperimentTx(ctx, tx, experimentID)
	if err != nil {
		return fmt.Errorf("reconciling experiment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing case persist transaction: %w", err)
	}

	if s.notifier != nil && transitioned &&
		(reconciled == models.QueueStatusDone || reconciled == models.QueueStatusFailed) {
		s.notifier.ExperimentFinished(ctx, experimentID, reconciled)
	}
	return nil
}
