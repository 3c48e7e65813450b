// Package caserunner runs one case end-to-end: mock sidecar,
// sandbox prepare/run/exec, output parsing, trajectory fallback, scoring,
// guaranteed teardown. A case failure is recorded on the CaseResult and
// never raised out of Run.
package caserunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benchrun/worker/pkg/config"
	"github.com/benchrun/worker/pkg/mocksidecar"
	"github.com/benchrun/worker/pkg/models"
	"github.com/benchrun/worker/pkg/sandbox"
)

// Sandbox is the container lifecycle surface the runner drives.
// *sandbox.Manager satisfies it; tests substitute a fake.
type Sandbox interface {
	Prepare(ctx context.Context, image string, policy models.PullPolicy, pullTimeout time.Duration) error
	Run(ctx context.Context, spec sandbox.RunSpec, runTimeout time.Duration) (string, error)
	WaitReady(ctx context.Context, containerID string, t sandbox.Timeouts) error
	Exec(ctx context.Context, containerID string, cmd []string, execTimeout time.Duration) (sandbox.ExecResult, error)
	Wait(ctx context.Context, containerID string, runTimeout time.Duration) (int, error)
	Logs(ctx context.Context, containerID string, runTimeout time.Duration) (string, error)
	Remove(ctx context.Context, containerID string, inspectTimeout time.Duration) error
}

// TrajectorySource resolves a case's trajectory when the agent did not emit
// one itself. *trajectory.Resolver satisfies it.
type TrajectorySource interface {
	Resolve(ctx context.Context, runCaseID string, startMS, endMS int64) ([]models.Step, error)
}

// ScorerPool evaluates one case against one scorer. *scorer.Pool satisfies it.
type ScorerPool interface {
	Score(ctx context.Context, scorerCfg models.ScorerConfig, authToken string, result models.CaseResult) models.ScorerResult
}

// SidecarRegistry hands out references to the shared mock gateway.
// *mocksidecar.Registry satisfies it.
type SidecarRegistry interface {
	Acquire(cfg mocksidecar.Config) (*mocksidecar.Handle, error)
}

// Runner executes cases. One Runner serves all cases of all messages; it
// holds no per-case state.
type Runner struct {
	sandbox    Sandbox
	resolver   TrajectorySource
	scorers    ScorerPool
	sidecars   SidecarRegistry
	sandboxCfg config.SandboxConfig

	// lookupEnv resolves scorer auth tokens from the worker's environment;
	// overridable in tests.
	lookupEnv func(string) string
}

// New constructs a Runner. sidecars may be nil to disable mock gateways.
func New(sb Sandbox, resolver TrajectorySource, scorers ScorerPool, sidecars SidecarRegistry, sandboxCfg config.SandboxConfig) *Runner {
	return &Runner{
		sandbox:    sb,
		resolver:   resolver,
		scorers:    scorers,
		sidecars:   sidecars,
		sandboxCfg: sandboxCfg,
		lookupEnv:  os.Getenv,
	}
}

// Run executes one case and always returns a terminal CaseResult. emit may
// be nil; phase events then go unreported.
func (r *Runner) Run(ctx context.Context, msg *models.Message, rc models.RunCase, emit EmitFunc) models.CaseResult {
	started := time.Now()
	spec := msg.Agent.RuntimeSpec
	timeouts := sandbox.EffectiveTimeouts(r.sandboxCfg, spec)

	result := models.CaseResult{
		RunCaseID:      rc.RunCaseID,
		Status:         models.CaseStatusFailed,
		ContainerImage: spec.AgentImage,
		Usage:          models.Usage{PhaseDurationsMS: map[string]int64{}},
	}
	post := func(phase Phase) {
		if emit != nil {
			emit(Event{RunCaseID: rc.RunCaseID, Phase: phase})
		}
	}

	var sidecar *mocksidecar.Handle
	containerName := "bench-case-" + rc.RunCaseID

	defer func() {
		result.LatencyMS = time.Since(started).Milliseconds()
		// Teardown runs on a fresh context: the case context may already be
		// cancelled, and the container must go regardless.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), timeouts.Inspect+5*time.Second)
		defer cancel()
		if err := r.sandbox.Remove(cleanupCtx, containerName, timeouts.Inspect); err != nil {
			slog.Warn("Failed to remove case container", "container", containerName, "error", err)
		}
		if sidecar != nil {
			sidecar.Close()
		}
	}()

	if strings.TrimSpace(spec.AgentImage) == "" {
		result.ErrorMessage = sandbox.ErrImageRequired.Error()
		return result
	}

	if rc.MockConfig != nil && r.sidecars != nil {
		mockCfg, err := mocksidecar.ParseConfig(rc.MockConfig)
		if err != nil {
			result.ErrorMessage = err.Error()
			return result
		}
		sidecar, err = r.sidecars.Acquire(mockCfg)
		if err != nil {
			result.ErrorMessage = err.Error()
			return result
		}
		result.MockSidecarEndpoint = sidecar.Endpoint
	}

	post(PhaseSandboxConnect)
	connectStarted := time.Now()

	if err := r.sandbox.Prepare(ctx, spec.AgentImage, spec.EffectivePullPolicy(), timeouts.Pull); err != nil {
		result.ErrorMessage = err.Error()
		return result
	}

	mockEndpoint := ""
	if sidecar != nil {
		mockEndpoint = sidecar.Endpoint
	}
	env := buildEnv(msg, rc, mockEndpoint)

	containerID, err := r.sandbox.Run(ctx, sandbox.RunSpec{
		Image:   spec.AgentImage,
		Name:    containerName,
		Env:     env,
		Network: spec.DockerNetwork,
		Command: spec.AgentCommand,
	}, timeouts.Run)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	result.ContainerID = containerID
	result.Usage.PhaseDurationsMS["sandbox_connect"] = time.Since(connectStarted).Milliseconds()

	var exitCode int
	var logs string
	execStarted := time.Now()
	if len(spec.CaseExecCommand) > 0 {
		exitCode, logs, err = r.runExecMode(ctx, containerName, spec, timeouts, post)
	} else {
		exitCode, logs, err = r.runOneShotMode(ctx, containerName, timeouts, post)
	}
	result.Usage.PhaseDurationsMS["case_exec"] = time.Since(execStarted).Milliseconds()
	if err != nil {
		result.ErrorMessage = err.Error()
		if errors.Is(err, sandbox.ErrDockerExecTimeout) || errors.Is(err, sandbox.ErrStartupTimeout) {
			result.Status = models.CaseStatusTimeout
		}
		return result
	}
	result.ExitCode = exitCode
	result.Logs = logs

	result.Output, result.Trajectory = ParseAgentOutput(logs)

	if exitCode == 0 {
		result.Status = models.CaseStatusSuccess
	} else {
		result.Status = models.CaseStatusFailed
		result.ErrorMessage = fmt.Sprintf("E_CASE_EXEC_NON_ZERO: exit code %d", exitCode)
	}

	if len(result.Trajectory) == 0 && r.resolver != nil {
		post(PhaseOtelQuery)
		queryStarted := time.Now()
		steps, err := r.resolver.Resolve(ctx, rc.RunCaseID, started.UnixMilli(), time.Now().UnixMilli())
		result.Usage.PhaseDurationsMS["otel_query"] = time.Since(queryStarted).Milliseconds()
		if err != nil {
			slog.Warn("Trajectory fallback query failed", "run_case_id", rc.RunCaseID, "error", err)
		} else {
			result.Trajectory = steps
		}
	}

	if len(msg.Scorers) > 0 && r.scorers != nil {
		scoreStarted := time.Now()
		result.ScorerResults = r.scoreCase(ctx, msg.Scorers, result, post)
		result.Usage.PhaseDurationsMS["score"] = time.Since(scoreStarted).Milliseconds()
	}
	result.FinalScore = models.ScorerResultMean(result.ScorerResults)

	return result
}

// runExecMode waits for container readiness, runs case_exec_command with the
// agent-not-ready retry policy, optionally runs after_exec_command, and
// appends full container logs for diagnostics.
func (r *Runner) runExecMode(ctx context.Context, containerName string, spec models.RuntimeSpec, timeouts sandbox.Timeouts, post func(Phase)) (int, string, error) {
	if err := r.sandbox.WaitReady(ctx, containerName, timeouts); err != nil {
		return 0, "", err
	}

	post(PhaseCaseExec)
	execResult, err := r.execUntilReady(ctx, containerName, spec.CaseExecCommand, timeouts)
	if err != nil {
		return 0, "", err
	}
	exitCode := execResult.ExitCode
	logs := "[case-exec]\n" + combinedOutput(execResult)

	if exitCode == 0 && len(spec.AfterExecCommand) > 0 {
		afterResult, err := r.sandbox.Exec(ctx, containerName, spec.AfterExecCommand, timeouts.Run)
		if err != nil {
			return 0, "", err
		}
		if out := combinedOutput(afterResult); out != "" {
			logs += "\n\n[after-exec]\n" + out
		}
		exitCode = afterResult.ExitCode
	}

	containerLogs, err := r.sandbox.Logs(ctx, containerName, timeouts.Run)
	if err != nil {
		return 0, "", err
	}
	if containerLogs = strings.TrimSpace(containerLogs); containerLogs != "" {
		logs += "\n\n[container]\n" + containerLogs
	}

	return exitCode, strings.TrimSpace(logs), nil
}

// execUntilReady retries the first exec while the output looks like the
// agent's server is not yet listening, until startup_timeout is exhausted.
func (r *Runner) execUntilReady(ctx context.Context, containerName string, cmd []string, timeouts sandbox.Timeouts) (sandbox.ExecResult, error) {
	deadline := time.Now().Add(timeouts.Startup)
	for {
		execResult, err := r.sandbox.Exec(ctx, containerName, cmd, timeouts.Run)
		if err != nil {
			return sandbox.ExecResult{}, err
		}
		if execResult.ExitCode == 0 || !sandbox.AgentNotReady(execResult.ExitCode, combinedOutput(execResult)) {
			return execResult, nil
		}
		if time.Now().After(deadline) {
			return execResult, nil
		}
		slog.Debug("Agent not ready, retrying exec", "container", containerName)
		select {
		case <-ctx.Done():
			return sandbox.ExecResult{}, ctx.Err()
		case <-time.After(timeouts.StartupPoll):
		}
	}
}

func (r *Runner) runOneShotMode(ctx context.Context, containerName string, timeouts sandbox.Timeouts, post func(Phase)) (int, string, error) {
	post(PhaseCaseExec)
	exitCode, err := r.sandbox.Wait(ctx, containerName, timeouts.Run)
	if err != nil {
		return 0, "", err
	}
	logs, err := r.sandbox.Logs(ctx, containerName, timeouts.Run)
	if err != nil {
		return 0, "", err
	}
	return exitCode, strings.TrimSpace(logs), nil
}

// scoreCase runs every configured scorer concurrently; the pool itself
// bounds parallelism across cases. Results come back in scorer
// order regardless of completion order.
func (r *Runner) scoreCase(ctx context.Context, scorers []models.ScorerConfig, result models.CaseResult, post func(Phase)) []models.ScorerResult {
	out := make([]models.ScorerResult, len(scorers))
	var wg sync.WaitGroup
	for i, cfg := range scorers {
		wg.Add(1)
		go func(i int, cfg models.ScorerConfig) {
			defer wg.Done()
			post(PhaseScoreExec)
			defer post(PhaseScoreDone)
			token := ""
			if cfg.AuthTokenEnv != "" {
				token = r.lookupEnv(cfg.AuthTokenEnv)
			}
			out[i] = r.scorers.Score(ctx, cfg, token, result)
		}(i, cfg)
	}
	wg.Wait()
	return out
}

func combinedOutput(res sandbox.ExecResult) string {
	return strings.TrimSpace(strings.TrimSpace(res.Stdout) + "\n" + strings.TrimSpace(res.Stderr))
}
