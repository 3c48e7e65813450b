// Package scheduler is the per-message execution pipeline: pre-flight
// staleness/termination checks, the pending-to-queued pre-state, a
// bounded-parallel case pool driven by phase events, and the whole-batch
// retry loop with linear backoff.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benchrun/worker/pkg/caserunner"
	"github.com/benchrun/worker/pkg/config"
	"github.com/benchrun/worker/pkg/models"
)

// Store is the slice of the Repository the Scheduler consumes.
type Store interface {
	CaseStatusStore
	GetExperimentQueueState(ctx context.Context, experimentID string) (models.QueueStatus, string, bool, error)
	MarkCasesQueued(ctx context.Context, experimentID string, runCaseIDs []string) error
	PersistCaseResult(ctx context.Context, experimentID string, result models.CaseResult) error
}

// CaseExecutor runs one case end-to-end. *caserunner.Runner satisfies it.
type CaseExecutor interface {
	Run(ctx context.Context, msg *models.Message, rc models.RunCase, emit caserunner.EmitFunc) models.CaseResult
}

// Scheduler executes one message at a time; the Ingestor serializes calls.
type Scheduler struct {
	store  Store
	runner CaseExecutor
	cfg    config.SchedulerConfig
}

// New constructs a Scheduler.
func New(store Store, runner CaseExecutor, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{store: store, runner: runner, cfg: cfg}
}

// Process runs the full per-message pipeline. A nil return means the caller
// should ack the message, including the skip paths, which ack without work.
func (s *Scheduler) Process(ctx context.Context, msg *models.Message) error {
	logger := slog.With("message_id", msg.MessageID, "experiment_id", msg.Experiment.ID)

	queueStatus, queueMessageID, found, err := s.store.GetExperimentQueueState(ctx, msg.Experiment.ID)
	if err != nil {
		return fmt.Errorf("reading experiment queue state: %w", err)
	}
	if found && queueStatus == models.QueueStatusManualTerminated {
		logger.Info("Experiment manually terminated, skipping message")
		return nil
	}
	if found && queueMessageID != "" && queueMessageID != msg.MessageID {
		logger.Info("Stale message for experiment, skipping", "queue_message_id", queueMessageID)
		return nil
	}

	ids := make([]string, 0, len(msg.RunCases))
	for _, rc := range msg.RunCases {
		ids = append(ids, rc.RunCaseID)
	}
	if err := s.store.MarkCasesQueued(ctx, msg.Experiment.ID, ids); err != nil {
		return fmt.Errorf("marking cases queued: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxRetries(); attempt++ {
		lastErr = s.executeCases(ctx, msg)
		if lastErr == nil {
			return nil
		}
		logger.Warn("E_RUN_ATTEMPT_FAILED",
			"attempt", attempt,
			"max_attempts", s.maxRetries(),
			"error", lastErr)
		if attempt == s.maxRetries() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.backoffUnit()):
		}
	}
	return fmt.Errorf("E_RUN_RETRIES_EXCEEDED: %w", lastErr)
}

// executeCases runs one attempt: all cases through the bounded pool, then
// persistence plus reconciliation per case. Any case failure turns into an
// attempt error after every result has been persisted.
func (s *Scheduler) executeCases(ctx context.Context, msg *models.Message) error {
	tracker := newStatusTracker(s.store, msg.Experiment.ID)
	events := make(chan caserunner.Event, 4*len(msg.RunCases)+16)

	var trackerWG sync.WaitGroup
	trackerWG.Add(1)
	go func() {
		defer trackerWG.Done()
		for ev := range events {
			tracker.handle(ctx, ev)
		}
	}()

	results := make([]models.CaseResult, len(msg.RunCases))
	sem := make(chan struct{}, s.concurrency())
	var wg sync.WaitGroup
	for i, rc := range msg.RunCases {
		wg.Add(1)
		go func(i int, rc models.RunCase) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = s.runner.Run(ctx, msg, rc, func(ev caserunner.Event) {
				events <- ev
			})
		}(i, rc)
	}
	wg.Wait()
	close(events)
	trackerWG.Wait()

	failures := 0
	for _, result := range results {
		if err := s.store.PersistCaseResult(ctx, msg.Experiment.ID, result); err != nil {
			return fmt.Errorf("persisting case %s: %w", result.RunCaseID, err)
		}
		if result.Status != models.CaseStatusSuccess {
			failures++
			slog.Error("Case failed",
				"run_case_id", result.RunCaseID,
				"status", result.Status,
				"error", result.ErrorMessage,
				"logs", truncate(result.Logs, 512))
		} else {
			slog.Info("Case completed", "run_case_id", result.RunCaseID, "latency_ms", result.LatencyMS)
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d/%d run cases failed", failures, len(msg.RunCases))
	}
	return nil
}

func (s *Scheduler) concurrency() int {
	if s.cfg.ConcurrentCases < 1 {
		return 1
	}
	return s.cfg.ConcurrentCases
}

func (s *Scheduler) maxRetries() int {
	if s.cfg.MaxMessageRetries < 1 {
		return 1
	}
	return s.cfg.MaxMessageRetries
}

func (s *Scheduler) backoffUnit() time.Duration {
	if s.cfg.RetryBackoffUnit <= 0 {
		return 500 * time.Millisecond
	}
	return s.cfg.RetryBackoffUnit
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
