// Package sandbox creates, probes, execs, and tears down one ephemeral
// container per case through a container runtime CLI, enforcing per-phase
// timeouts and detecting agent-not-ready startup races (AgentNotReady).
package sandbox

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/benchrun/worker/pkg/config"
	"github.com/benchrun/worker/pkg/models"
)

// Timeouts are the effective per-phase durations for one case, merging a
// RuntimeSpec's overrides onto the worker's SandboxConfig defaults.
type Timeouts struct {
	Pull        time.Duration
	Run         time.Duration
	Inspect     time.Duration
	Startup     time.Duration
	StartupPoll time.Duration
}

// EffectiveTimeouts applies spec's per-message overrides over cfg's
// defaults.
func EffectiveTimeouts(cfg config.SandboxConfig, spec models.RuntimeSpec) Timeouts {
	return Timeouts{
		Pull:        durationOr(spec.PullTimeout, cfg.PullTimeoutSeconds, 120),
		Run:         durationOr(spec.RunTimeout, cfg.RunTimeoutSeconds, 600),
		Inspect:     durationOr(spec.InspectTimeout, cfg.InspectTimeoutSeconds, 10),
		Startup:     durationOr(spec.StartupTimeout, cfg.StartupTimeoutSeconds, 60),
		StartupPoll: durationOr(spec.StartupPollInterval, cfg.StartupPollIntervalSeconds, 2),
	}
}

func durationOr(override time.Duration, fallbackSeconds, defaultSeconds int) time.Duration {
	if override > 0 {
		return override
	}
	if fallbackSeconds <= 0 {
		fallbackSeconds = defaultSeconds
	}
	return time.Duration(fallbackSeconds) * time.Second
}

// RunSpec describes the container Run will start.
type RunSpec struct {
	Image   string
	Name    string
	Env     map[string]string
	Network string
	Command []string
}

// Manager drives a container runtime CLI found in PATH.
type Manager struct {
	cfg    config.SandboxConfig
	runner commandRunner
	goos   string
}

// New constructs a Manager shelling out to the real container runtime.
func New(cfg config.SandboxConfig) *Manager {
	return &Manager{cfg: cfg, runner: execRunner{}, goos: runtime.GOOS}
}

func newManagerWithRunner(cfg config.SandboxConfig, runner commandRunner, goos string) *Manager {
	return &Manager{cfg: cfg, runner: runner, goos: goos}
}

func (m *Manager) binary() string {
	if m.cfg.DockerBinary != "" {
		return m.cfg.DockerBinary
	}
	return "docker"
}

// Prepare ensures image is available locally per policy, falling back to
// a pre-existing local copy on pull failure, failing hard if neither is
// available.
func (m *Manager) Prepare(ctx context.Context, image string, policy models.PullPolicy, pullTimeout time.Duration) error {
	if image == "" {
		return newRuntimeError(ErrImageRequired, "")
	}

	pctx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	switch policy {
	case models.PullPolicyNever:
		exists, err := m.imageExistsLocally(pctx, image)
		if err != nil {
			return newRuntimeError(ErrDockerPull, err.Error())
		}
		if !exists {
			return newRuntimeError(ErrDockerPull, fmt.Sprintf("image %q not present locally and pull_policy=never", image))
		}
		return nil

	case models.PullPolicyIfNotPresent:
		exists, err := m.imageExistsLocally(pctx, image)
		if err == nil && exists {
			return nil
		}
		if err := m.pull(pctx, image); err != nil {
			return newRuntimeError(ErrDockerPull, err.Error())
		}
		return nil

	default: // always
		pullErr := m.pull(pctx, image)
		if pullErr == nil {
			return nil
		}
		exists, err := m.imageExistsLocally(pctx, image)
		if err == nil && exists {
			return nil
		}
		return newRuntimeError(ErrDockerPull, pullErr.Error())
	}
}

func (m *Manager) pull(ctx context.Context, image string) error {
	_, stderr, exitCode, err := m.runner.Run(ctx, m.binary(), "pull", image)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("docker pull exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

func (m *Manager) imageExistsLocally(ctx context.Context, image string) (bool, error) {
	_, _, exitCode, err := m.runner.Run(ctx, m.binary(), "image", "inspect", image)
	if err != nil {
		return false, err
	}
	return exitCode == 0, nil
}

// Run starts a detached container named bench-case-<run_case_id>.
// On Linux the host gateway is mapped explicitly; Desktop
// runtimes already provide host.docker.internal and must not be overridden.
func (m *Manager) Run(ctx context.Context, spec RunSpec, runTimeout time.Duration) (string, error) {
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if m.goos == "linux" {
		args = append(args, "--add-host", "host.docker.internal:host-gateway")
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	rctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	stdout, stderr, exitCode, err := m.runner.Run(rctx, m.binary(), args...)
	if err != nil {
		return "", newRuntimeError(ErrDockerCreate, err.Error())
	}
	if exitCode != 0 {
		return "", newRuntimeError(ErrDockerCreate, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(stdout), nil
}

// WaitReady polls container state until running, or returns
// E_CONTAINER_STARTUP_TIMEOUT.
func (m *Manager) WaitReady(ctx context.Context, containerID string, t Timeouts) error {
	deadline := time.Now().Add(t.Startup)

	for {
		ictx, cancel := context.WithTimeout(ctx, t.Inspect)
		stdout, _, exitCode, err := m.runner.Run(ictx, m.binary(), "inspect", "--format", "{{.State.Running}}", containerID)
		cancel()

		if err == nil && exitCode == 0 && strings.TrimSpace(stdout) == "true" {
			return nil
		}
		if time.Now().After(deadline) {
			return newRuntimeError(ErrStartupTimeout, containerID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.StartupPoll):
		}
	}
}

// ExecResult is the outcome of one `docker exec`.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs cmd inside containerID with a hard deadline.
func (m *Manager) Exec(ctx context.Context, containerID string, cmd []string, execTimeout time.Duration) (ExecResult, error) {
	ectx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	args := append([]string{"exec", containerID}, cmd...)
	stdout, stderr, exitCode, err := m.runner.Run(ectx, m.binary(), args...)
	if err != nil {
		if ectx.Err() != nil {
			return ExecResult{}, newRuntimeError(ErrDockerExecTimeout, containerID)
		}
		return ExecResult{}, err
	}
	return ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

// Wait blocks until containerID exits and returns its exit code (one-shot
// mode).
func (m *Manager) Wait(ctx context.Context, containerID string, runTimeout time.Duration) (int, error) {
	wctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	stdout, stderr, exitCode, err := m.runner.Run(wctx, m.binary(), "wait", containerID)
	if err != nil {
		return 0, newRuntimeError(ErrDockerWait, err.Error())
	}
	if exitCode != 0 {
		return 0, newRuntimeError(ErrDockerWait, strings.TrimSpace(stderr))
	}
	code, perr := strconv.Atoi(strings.TrimSpace(stdout))
	if perr != nil {
		return 0, newRuntimeError(ErrDockerWait, "non-numeric exit code: "+stdout)
	}
	return code, nil
}

// Logs returns the full combined container log output.
func (m *Manager) Logs(ctx context.Context, containerID string, runTimeout time.Duration) (string, error) {
	lctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	stdout, stderr, exitCode, err := m.runner.Run(lctx, m.binary(), "logs", containerID)
	if err != nil {
		return "", newRuntimeError(ErrDockerLogs, err.Error())
	}
	if exitCode != 0 {
		return "", newRuntimeError(ErrDockerLogs, strings.TrimSpace(stderr))
	}
	return stdout + stderr, nil
}

// Remove force-removes containerID; callers invoke it on every exit path.
// Errors are not fatal to the caller: the container may already be gone.
func (m *Manager) Remove(ctx context.Context, containerID string, inspectTimeout time.Duration) error {
	if containerID == "" {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	_, _, _, err := m.runner.Run(rctx, m.binary(), "rm", "-f", containerID)
	return err
}

// AgentNotReady reports whether an exec result indicates the agent's server
// inside the container was not yet listening.
func AgentNotReady(exitCode int, output string) bool {
	if exitCode == 7 {
		return true
	}
	lower := strings.ToLower(output)
	for _, marker := range []string{
		"curl: (7)",
		"connection refused",
		"failed to connect",
		"couldn't connect to server",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
