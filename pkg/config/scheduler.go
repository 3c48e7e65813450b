package config

import "time"

// SchedulerConfig contains the per-message pipeline's concurrency and retry
// settings.
type SchedulerConfig struct {
	// ConcurrentCases bounds the CaseRunner pool per message.
	ConcurrentCases int `yaml:"concurrent_cases"`

	// ScorerConcurrentCases bounds the scorer sub-pool.
	ScorerConcurrentCases int `yaml:"scorer_concurrent_cases"`

	// MaxMessageRetries bounds the Scheduler's whole-batch retry loop.
	MaxMessageRetries int `yaml:"max_message_retries"`

	// RetryBackoffUnit is the linear backoff unit: attempt i sleeps i*RetryBackoffUnit.
	RetryBackoffUnit time.Duration `yaml:"retry_backoff_unit"`

	// ScorerHardTimeout bounds a single scorer call.
	ScorerHardTimeout time.Duration `yaml:"scorer_hard_timeout"`
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		ConcurrentCases:       5,
		ScorerConcurrentCases: 5,
		MaxMessageRetries:     3,
		RetryBackoffUnit:      500 * time.Millisecond,
		ScorerHardTimeout:     30 * time.Second,
	}
}
