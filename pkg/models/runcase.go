package models

import "time"

// PullPolicy controls when SandboxManager pulls the agent image before run.
type PullPolicy string

const (
	PullPolicyAlways       PullPolicy = "always"
	PullPolicyIfNotPresent PullPolicy = "if-not-present"
	PullPolicyNever        PullPolicy = "never"
)

// DefaultPullPolicy is applied when RuntimeSpec.PullPolicy is empty.
const DefaultPullPolicy = PullPolicyIfNotPresent

// RunCase is one unit of work within a Message: an evaluation instance
// derived from a dataset item.
type RunCase struct {
	RunCaseID           string         `json:"run_case_id"`
	DataItemID          string         `json:"data_item_id"`
	AttemptNo           int            `json:"attempt_no"`
	SessionJSONL        string         `json:"session_jsonl,omitempty"`
	UserInput           string         `json:"user_input"`
	TraceID             string         `json:"trace_id,omitempty"`
	ReferenceTrajectory any            `json:"reference_trajectory,omitempty"`
	ReferenceOutput      any           `json:"reference_output,omitempty"`
	MockConfig          map[string]any `json:"mock_config,omitempty"`
}

// RuntimeSpec is opaque to the Scheduler; only SandboxManager interprets it.
type RuntimeSpec struct {
	AgentImage          string            `json:"agent_image"`
	AgentCommand        []string          `json:"agent_command,omitempty"`
	CaseExecCommand     []string          `json:"case_exec_command,omitempty"`
	AfterExecCommand    []string          `json:"after_exec_command,omitempty"`
	PullPolicy          PullPolicy        `json:"pull_policy,omitempty"`
	PullTimeout         time.Duration     `json:"pull_timeout,omitempty"`
	RunTimeout          time.Duration     `json:"run_timeout,omitempty"`
	InspectTimeout      time.Duration     `json:"inspect_timeout,omitempty"`
	StartupTimeout      time.Duration     `json:"startup_timeout,omitempty"`
	StartupPollInterval time.Duration     `json:"startup_poll_interval,omitempty"`
	DockerNetwork       string            `json:"docker_network,omitempty"`
	AgentEnvTemplate    map[string]string `json:"agent_env_template,omitempty"`
}

// EffectivePullPolicy returns PullPolicy defaulted per spec.
func (r RuntimeSpec) EffectivePullPolicy() PullPolicy {
	if r.PullPolicy == "" {
		return DefaultPullPolicy
	}
	return r.PullPolicy
}
