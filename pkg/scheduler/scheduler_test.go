package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchrun/worker/pkg/caserunner"
	"github.com/benchrun/worker/pkg/config"
	"github.com/benchrun/worker/pkg/models"
)

type fakeStore struct {
	mu sync.Mutex

	queueStatus    models.QueueStatus
	queueMessageID string
	found          bool

	queuedIDs     [][]string
	statusWrites  []statusWrite
	persisted     []models.CaseResult
	persistErr    error
}

type statusWrite struct {
	runCaseID string
	status    models.CaseStatus
}

func (f *fakeStore) GetExperimentQueueState(context.Context, string) (models.QueueStatus, string, bool, error) {
	return f.queueStatus, f.queueMessageID, f.found, nil
}

func (f *fakeStore) MarkCasesQueued(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queuedIDs = append(f.queuedIDs, ids)
	return nil
}

func (f *fakeStore) MarkCaseStatus(_ context.Context, _ string, runCaseID string, status models.CaseStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusWrites = append(f.statusWrites, statusWrite{runCaseID: runCaseID, status: status})
	return nil
}

func (f *fakeStore) PersistCaseResult(_ context.Context, _ string, result models.CaseResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return f.persistErr
	}
	f.persisted = append(f.persisted, result)
	return nil
}

func (f *fakeStore) writesFor(runCaseID string) []models.CaseStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CaseStatus
	for _, w := range f.statusWrites {
		if w.runCaseID == runCaseID {
			out = append(out, w.status)
		}
	}
	return out
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	status  models.CaseStatus
	phases  []caserunner.Phase
	perCase map[string]models.CaseStatus
}

func (f *fakeExecutor) Run(_ context.Context, _ *models.Message, rc models.RunCase, emit caserunner.EmitFunc) models.CaseResult {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	for _, phase := range f.phases {
		emit(caserunner.Event{RunCaseID: rc.RunCaseID, Phase: phase})
	}
	status := f.status
	if s, ok := f.perCase[rc.RunCaseID]; ok {
		status = s
	}
	result := models.CaseResult{RunCaseID: rc.RunCaseID, Status: status}
	if status != models.CaseStatusSuccess {
		result.ExitCode = 1
		result.ErrorMessage = "E_CASE_EXEC_NON_ZERO: exit code 1"
	}
	return result
}

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		ConcurrentCases:   2,
		MaxMessageRetries: 3,
		RetryBackoffUnit:  time.Millisecond,
	}
}

func messageWithCases(ids ...string) *models.Message {
	msg := &models.Message{
		MessageID:     "msg-1",
		MessageType:   models.SupportedMessageType,
		SchemaVersion: models.SupportedSchemaVersion,
		Experiment:    models.ExperimentRef{ID: "exp-1"},
	}
	for _, id := range ids {
		msg.RunCases = append(msg.RunCases, models.RunCase{RunCaseID: id})
	}
	return msg
}

func TestProcessHappyPath(t *testing.T) {
	store := &fakeStore{}
	exec := &fakeExecutor{
		status: models.CaseStatusSuccess,
		phases: []caserunner.Phase{
			caserunner.PhaseSandboxConnect,
			caserunner.PhaseCaseExec,
			caserunner.PhaseOtelQuery,
			caserunner.PhaseScoreExec,
			caserunner.PhaseScoreDone,
		},
	}
	s := New(store, exec, schedulerConfig())

	err := s.Process(context.Background(), messageWithCases("a", "b"))
	require.NoError(t, err)

	require.Len(t, store.queuedIDs, 1)
	assert.Equal(t, []string{"a", "b"}, store.queuedIDs[0])
	assert.Len(t, store.persisted, 2)
	assert.Equal(t, 2, exec.calls)

	assert.Equal(t, []models.CaseStatus{
		models.CaseStatusRunning,
		models.CaseStatusTrajectory,
		models.CaseStatusScoring,
		models.CaseStatusTrajectory,
	}, store.writesFor("a"))
}

func TestProcessSkipsManualTerminated(t *testing.T) {
	store := &fakeStore{found: true, queueStatus: models.QueueStatusManualTerminated}
	exec := &fakeExecutor{status: models.CaseStatusSuccess}
	s := New(store, exec, schedulerConfig())

	err := s.Process(context.Background(), messageWithCases("a"))
	require.NoError(t, err)

	assert.Empty(t, store.queuedIDs)
	assert.Empty(t, store.persisted)
	assert.Zero(t, exec.calls)
}

func TestProcessSkipsStaleMessage(t *testing.T) {
	store := &fakeStore{found: true, queueStatus: models.QueueStatusConsuming, queueMessageID: "msg-newer"}
	exec := &fakeExecutor{status: models.CaseStatusSuccess}
	s := New(store, exec, schedulerConfig())

	err := s.Process(context.Background(), messageWithCases("a"))
	require.NoError(t, err)
	assert.Zero(t, exec.calls)
}

func TestProcessAcceptsMatchingQueueMessageID(t *testing.T) {
	store := &fakeStore{found: true, queueStatus: models.QueueStatusQueued, queueMessageID: "msg-1"}
	exec := &fakeExecutor{status: models.CaseStatusSuccess}
	s := New(store, exec, schedulerConfig())

	err := s.Process(context.Background(), messageWithCases("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, exec.calls)
}

func TestProcessRetriesUntilExhaustion(t *testing.T) {
	store := &fakeStore{}
	exec := &fakeExecutor{status: models.CaseStatusFailed}
	s := New(store, exec, schedulerConfig())

	err := s.Process(context.Background(), messageWithCases("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_RUN_RETRIES_EXCEEDED")

	// One execution per attempt; every attempt persists its result.
	assert.Equal(t, 3, exec.calls)
	assert.Len(t, store.persisted, 3)
}

func TestProcessMixedBatchPersistsAllAndRetries(t *testing.T) {
	store := &fakeStore{}
	exec := &fakeExecutor{
		status:  models.CaseStatusSuccess,
		perCase: map[string]models.CaseStatus{"bad": models.CaseStatusFailed},
	}
	s := New(store, exec, schedulerConfig())

	err := s.Process(context.Background(), messageWithCases("good", "bad"))
	require.Error(t, err)

	// Both cases persisted on every attempt, including the succeeding one.
	assert.Len(t, store.persisted, 6)
}

func TestProcessEmptyRunCases(t *testing.T) {
	store := &fakeStore{}
	exec := &fakeExecutor{status: models.CaseStatusSuccess}
	s := New(store, exec, schedulerConfig())

	err := s.Process(context.Background(), messageWithCases())
	require.NoError(t, err)

	require.Len(t, store.queuedIDs, 1)
	assert.Empty(t, store.queuedIDs[0])
	assert.Empty(t, store.persisted)
	assert.Zero(t, exec.calls)
}

func TestStatusTrackerSuppressesRedundantWrites(t *testing.T) {
	store := &fakeStore{}
	tracker := newStatusTracker(store, "exp-1")
	ctx := context.Background()

	tracker.handle(ctx, caserunner.Event{RunCaseID: "a", Phase: caserunner.PhaseSandboxConnect})
	tracker.handle(ctx, caserunner.Event{RunCaseID: "a", Phase: caserunner.PhaseCaseExec})

	assert.Equal(t, []models.CaseStatus{models.CaseStatusRunning}, store.writesFor("a"))
}

func TestStatusTrackerRefcountsScorers(t *testing.T) {
	store := &fakeStore{}
	tracker := newStatusTracker(store, "exp-1")
	ctx := context.Background()

	tracker.handle(ctx, caserunner.Event{RunCaseID: "a", Phase: caserunner.PhaseOtelQuery})
	tracker.handle(ctx, caserunner.Event{RunCaseID: "a", Phase: caserunner.PhaseScoreExec})
	tracker.handle(ctx, caserunner.Event{RunCaseID: "a", Phase: caserunner.PhaseScoreExec})
	tracker.handle(ctx, caserunner.Event{RunCaseID: "a", Phase: caserunner.PhaseScoreDone})
	tracker.handle(ctx, caserunner.Event{RunCaseID: "a", Phase: caserunner.PhaseScoreDone})

	assert.Equal(t, []models.CaseStatus{
		models.CaseStatusTrajectory,
		models.CaseStatusScoring,
		models.CaseStatusTrajectory,
	}, store.writesFor("a"))
}
