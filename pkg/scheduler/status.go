package scheduler

import (
	"context"
	"log/slog"

	"github.com/benchrun/worker/pkg/caserunner"
	"github.com/benchrun/worker/pkg/models"
)

// statusTracker drives the case status machine from CaseRunner phase
// events. The status cache suppresses redundant same-state writes;
// score_exec/score_done are refcounted so only the first enter and last
// leave flip the state. A single goroutine consumes the event channel, so no
// locking is needed here.
type statusTracker struct {
	store        CaseStatusStore
	experimentID string
	last         map[string]models.CaseStatus
	scoringRefs  map[string]int
}

// CaseStatusStore is the slice of the Repository the tracker writes through.
type CaseStatusStore interface {
	MarkCaseStatus(ctx context.Context, experimentID, runCaseID string, status models.CaseStatus) error
}

func newStatusTracker(store CaseStatusStore, experimentID string) *statusTracker {
	return &statusTracker{
		store:        store,
		experimentID: experimentID,
		last:         make(map[string]models.CaseStatus),
		scoringRefs:  make(map[string]int),
	}
}

func (t *statusTracker) handle(ctx context.Context, ev caserunner.Event) {
	switch ev.Phase {
	case caserunner.PhaseSandboxConnect, caserunner.PhaseCaseExec:
		t.set(ctx, ev.RunCaseID, models.CaseStatusRunning)
	case caserunner.PhaseOtelQuery:
		t.set(ctx, ev.RunCaseID, models.CaseStatusTrajectory)
	case caserunner.PhaseScoreExec:
		t.scoringRefs[ev.RunCaseID]++
		if t.scoringRefs[ev.RunCaseID] == 1 {
			t.set(ctx, ev.RunCaseID, models.CaseStatusScoring)
		}
	case caserunner.PhaseScoreDone:
		if t.scoringRefs[ev.RunCaseID] > 0 {
			t.scoringRefs[ev.RunCaseID]--
		}
		if t.scoringRefs[ev.RunCaseID] == 0 {
			t.set(ctx, ev.RunCaseID, models.CaseStatusTrajectory)
		}
	}
}

func (t *statusTracker) set(ctx context.Context, runCaseID string, status models.CaseStatus) {
	if t.last[runCaseID] == status {
		return
	}
	if err := t.store.MarkCaseStatus(ctx, t.experimentID, runCaseID, status); err != nil {
		slog.Warn("Failed to write case status",
			"experiment_id", t.experimentID,
			"run_case_id", runCaseID,
			"status", status,
			"error", err)
		return
	}
	t.last[runCaseID] = status
}
