package config

// CollectorConfig describes the embedded OTLP collector's HTTP listener.
type CollectorConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	TracesPath   string `yaml:"traces_path"`
}

// DefaultCollectorConfig returns the built-in collector defaults.
func DefaultCollectorConfig() *CollectorConfig {
	return &CollectorConfig{
		Host:       "0.0.0.0",
		Port:       4318,
		TracesPath: "/v1/traces",
	}
}

// SandboxConfig describes SandboxManager defaults applied when a
// RuntimeSpec omits a value.
type SandboxConfig struct {
	DockerBinary        string `yaml:"docker_binary"`
	PullTimeoutSeconds  int    `yaml:"pull_timeout_seconds"`
	RunTimeoutSeconds   int    `yaml:"run_timeout_seconds"`
	InspectTimeoutSeconds int  `yaml:"inspect_timeout_seconds"`
	StartupTimeoutSeconds int  `yaml:"startup_timeout_seconds"`
	StartupPollIntervalSeconds int `yaml:"startup_poll_interval_seconds"`
}

// DefaultSandboxConfig returns the built-in sandbox defaults.
func DefaultSandboxConfig() *SandboxConfig {
	return &SandboxConfig{
		DockerBinary:               "docker",
		PullTimeoutSeconds:         120,
		RunTimeoutSeconds:          600,
		InspectTimeoutSeconds:      10,
		StartupTimeoutSeconds:      60,
		StartupPollIntervalSeconds: 2,
	}
}
