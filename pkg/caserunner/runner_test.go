package caserunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchrun/worker/pkg/config"
	"github.com/benchrun/worker/pkg/mocksidecar"
	"github.com/benchrun/worker/pkg/models"
	"github.com/benchrun/worker/pkg/sandbox"
)

type fakeSandbox struct {
	mu sync.Mutex

	prepareErr  error
	runErr      error
	execResults []sandbox.ExecResult
	waitExit    int
	waitErr     error
	logs        string

	prepareCalls int
	execCalls    int
	waitCalls    int
	removeCalls  int
	removedName  string
}

func (f *fakeSandbox) Prepare(context.Context, string, models.PullPolicy, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepareCalls++
	return f.prepareErr
}

func (f *fakeSandbox) Run(_ context.Context, spec sandbox.RunSpec, _ time.Duration) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	return "container-" + spec.Name, nil
}

func (f *fakeSandbox) WaitReady(context.Context, string, sandbox.Timeouts) error { return nil }

func (f *fakeSandbox) Exec(context.Context, string, []string, time.Duration) (sandbox.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.execCalls
	f.execCalls++
	if idx >= len(f.execResults) {
		idx = len(f.execResults) - 1
	}
	return f.execResults[idx], nil
}

func (f *fakeSandbox) Wait(context.Context, string, time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCalls++
	return f.waitExit, f.waitErr
}

func (f *fakeSandbox) Logs(context.Context, string, time.Duration) (string, error) {
	return f.logs, nil
}

func (f *fakeSandbox) Remove(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	f.removedName = name
	return nil
}

type fakeResolver struct {
	steps []models.Step
	calls int
}

func (f *fakeResolver) Resolve(context.Context, string, int64, int64) ([]models.Step, error) {
	f.calls++
	return f.steps, nil
}

type fakeScorerPool struct {
	mu      sync.Mutex
	results map[string]models.ScorerResult
	calls   int
}

func (f *fakeScorerPool) Score(_ context.Context, cfg models.ScorerConfig, _ string, _ models.CaseResult) models.ScorerResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if res, ok := f.results[cfg.ScorerID]; ok {
		return res
	}
	return models.ScorerResult{ScorerID: cfg.ScorerID, Score: 1.0, Reason: "ok"}
}

type eventLog struct {
	mu     sync.Mutex
	phases []Phase
}

func (e *eventLog) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.phases = append(e.phases, ev.Phase)
}

func (e *eventLog) has(p Phase) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, got := range e.phases {
		if got == p {
			return true
		}
	}
	return false
}

func newTestRunner(sb Sandbox, resolver TrajectorySource, scorers ScorerPool, sidecars SidecarRegistry) *Runner {
	r := New(sb, resolver, scorers, sidecars, *config.DefaultSandboxConfig())
	r.lookupEnv = func(string) string { return "token" }
	return r
}

func TestRunOneShotHappyPath(t *testing.T) {
	sb := &fakeSandbox{waitExit: 0, logs: `{"output":"ok"}`}
	resolver := &fakeResolver{steps: []models.Step{{StepNo: 1, Name: "span-a"}}}
	scorers := &fakeScorerPool{}
	events := &eventLog{}

	msg := testMessage()
	msg.Scorers = []models.ScorerConfig{{ScorerID: "s1", APIStyle: "openai"}}
	rc := models.RunCase{RunCaseID: "rc-1", DataItemID: "di-1"}

	result := newTestRunner(sb, resolver, scorers, nil).Run(context.Background(), msg, rc, events.emit)

	assert.Equal(t, models.CaseStatusSuccess, result.Status)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "ok", result.Output)
	require.Len(t, result.Trajectory, 1)
	assert.Equal(t, 1, resolver.calls, "empty agent trajectory must trigger the fallback query")
	require.Len(t, result.ScorerResults, 1)
	require.NotNil(t, result.FinalScore)
	assert.Equal(t, 1.0, *result.FinalScore)
	assert.Equal(t, "container-bench-case-rc-1", result.ContainerID)
	assert.Equal(t, 1, sb.removeCalls)
	assert.Equal(t, "bench-case-rc-1", sb.removedName)

	for _, phase := range []Phase{PhaseSandboxConnect, PhaseCaseExec, PhaseOtelQuery, PhaseScoreExec, PhaseScoreDone} {
		assert.True(t, events.has(phase), string(phase))
	}
	assert.GreaterOrEqual(t, result.LatencyMS, int64(0))
}

func TestRunExecModeRetriesWhileAgentNotReady(t *testing.T) {
	sb := &fakeSandbox{
		execResults: []sandbox.ExecResult{
			{ExitCode: 7, Stderr: "curl: (7) Failed to connect to localhost"},
			{ExitCode: 0, Stdout: `{"output":"ready"}`},
		},
		logs: "booted",
	}
	msg := testMessage()
	msg.Agent.RuntimeSpec.CaseExecCommand = []string{"curl", "-sf", "http://localhost:8000/run"}
	msg.Agent.RuntimeSpec.StartupTimeout = 5 * time.Second
	msg.Agent.RuntimeSpec.StartupPollInterval = time.Millisecond

	result := newTestRunner(sb, nil, nil, nil).Run(context.Background(), msg, models.RunCase{RunCaseID: "rc-2"}, nil)

	assert.Equal(t, models.CaseStatusSuccess, result.Status)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, 2, sb.execCalls)
	assert.Contains(t, result.Logs, "[case-exec]")
	assert.Contains(t, result.Logs, "[container]")
}

func TestRunExecModeRunsAfterExecOnlyOnSuccess(t *testing.T) {
	sb := &fakeSandbox{
		execResults: []sandbox.ExecResult{
			{ExitCode: 0, Stdout: "case done"},
			{ExitCode: 0, Stdout: "after done"},
		},
	}
	msg := testMessage()
	msg.Agent.RuntimeSpec.CaseExecCommand = []string{"run-case"}
	msg.Agent.RuntimeSpec.AfterExecCommand = []string{"collect"}

	result := newTestRunner(sb, nil, nil, nil).Run(context.Background(), msg, models.RunCase{RunCaseID: "rc-3"}, nil)

	assert.Equal(t, 2, sb.execCalls)
	assert.Contains(t, result.Logs, "[after-exec]")
	assert.Equal(t, models.CaseStatusSuccess, result.Status)
}

func TestRunNonZeroExitFailsCase(t *testing.T) {
	sb := &fakeSandbox{waitExit: 3, logs: "boom"}

	result := newTestRunner(sb, nil, nil, nil).Run(context.Background(), testMessage(), models.RunCase{RunCaseID: "rc-4"}, nil)

	assert.Equal(t, models.CaseStatusFailed, result.Status)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "E_CASE_EXEC_NON_ZERO: exit code 3", result.ErrorMessage)
}

func TestRunMissingImageFailsWithoutSandboxCalls(t *testing.T) {
	sb := &fakeSandbox{}
	msg := testMessage()
	msg.Agent.RuntimeSpec.AgentImage = ""

	result := newTestRunner(sb, nil, nil, nil).Run(context.Background(), msg, models.RunCase{RunCaseID: "rc-5"}, nil)

	assert.Equal(t, models.CaseStatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "E_RUNTIME_SPEC_IMAGE_REQUIRED")
	assert.Zero(t, sb.prepareCalls)
	assert.Equal(t, 1, sb.removeCalls, "teardown runs on every exit path")
}

func TestRunExecTimeoutMapsToTimeoutStatus(t *testing.T) {
	sb := &fakeSandbox{waitErr: fmt.Errorf("wrapped: %w", sandbox.ErrDockerExecTimeout)}

	result := newTestRunner(sb, nil, nil, nil).Run(context.Background(), testMessage(), models.RunCase{RunCaseID: "rc-t"}, nil)

	assert.Equal(t, models.CaseStatusTimeout, result.Status)
	assert.Contains(t, result.ErrorMessage, "E_DOCKER_EXEC_TIMEOUT")
	assert.Equal(t, 1, sb.removeCalls)
}

func TestRunPrepareFailureStillTearsDown(t *testing.T) {
	sb := &fakeSandbox{prepareErr: assertAnError()}

	result := newTestRunner(sb, nil, nil, nil).Run(context.Background(), testMessage(), models.RunCase{RunCaseID: "rc-6"}, nil)

	assert.Equal(t, models.CaseStatusFailed, result.Status)
	assert.NotEmpty(t, result.ErrorMessage)
	assert.Equal(t, 1, sb.removeCalls)
}

func TestRunRecordsMockSidecarEndpoint(t *testing.T) {
	sb := &fakeSandbox{waitExit: 0, logs: `{"output":"ok","trajectory":[{"name":"s"}]}`}
	reg := mocksidecar.NewRegistry(nil, 0)

	rc := models.RunCase{RunCaseID: "rc-7", MockConfig: map[string]any{"passthrough": true}}
	result := newTestRunner(sb, nil, nil, reg).Run(context.Background(), testMessage(), rc, nil)

	assert.Equal(t, models.CaseStatusSuccess, result.Status)
	assert.Contains(t, result.MockSidecarEndpoint, "http://host.docker.internal:")

	// The runner's deferred close must have released the shared gateway.
	handle, err := reg.Acquire(mocksidecar.Config{Passthrough: false})
	require.NoError(t, err, "a different config is accepted once the case released its sidecar")
	handle.Close()
}

func assertAnError() error { return errors.New("E_DOCKER_PULL: registry unreachable") }
