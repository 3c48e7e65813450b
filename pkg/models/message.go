package models

// SupportedSchemaVersion is the only schema_version this worker accepts.
const SupportedSchemaVersion = "1"

// SupportedMessageType is the only message_type this worker accepts.
const SupportedMessageType = "experiment.run.requested"

// Message is the decoded `experiment.run.requested` broker payload.
// Immutable for the duration of one consumption.
type Message struct {
	MessageID     string         `json:"message_id"`
	MessageType   string         `json:"message_type"`
	SchemaVersion string         `json:"schema_version"`
	Experiment    ExperimentRef  `json:"experiment"`
	Dataset       DatasetRef     `json:"dataset"`
	Agent         AgentRef       `json:"agent"`
	RunCases      []RunCase      `json:"run_cases"`
	Scorers       []ScorerConfig `json:"scorers"`
	ConsumerHints map[string]any `json:"consumer_hints,omitempty"`
}

// ExperimentRef identifies the experiment a message belongs to.
type ExperimentRef struct {
	ID          string `json:"id"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// DatasetRef identifies the dataset a message's cases were drawn from.
type DatasetRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// AgentRef carries the agent identity and its container runtime spec.
type AgentRef struct {
	ID          string      `json:"id"`
	RuntimeSpec RuntimeSpec `json:"runtime_spec"`
}

// ScorerConfig describes one evaluator to run against every case in the message.
type ScorerConfig struct {
	ScorerID     string         `json:"scorer_id"`
	APIStyle     string         `json:"api_style"` // "openai" | "anthropic"
	BaseURL      string         `json:"base_url"`
	Model        string         `json:"model,omitempty"`
	AuthTokenEnv string         `json:"auth_token_env,omitempty"`
	ScorerConfig map[string]any `json:"scorer_config,omitempty"`
}
