package config

import "fmt"

// Validator validates configuration comprehensively with clear error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast, stops at first error).
func (v *Validator) ValidateAll() error {
	if err := v.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler validation failed: %w", err)
	}
	if err := v.validateBroker(); err != nil {
		return fmt.Errorf("broker validation failed: %w", err)
	}
	if err := v.validateCollector(); err != nil {
		return fmt.Errorf("collector validation failed: %w", err)
	}
	if err := v.validateSandbox(); err != nil {
		return fmt.Errorf("sandbox validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateScheduler() error {
	s := v.cfg.Scheduler
	if s == nil {
		return fmt.Errorf("scheduler configuration is nil")
	}
	if s.ConcurrentCases < 1 {
		return fmt.Errorf("concurrent_cases must be at least 1, got %d", s.ConcurrentCases)
	}
	if s.ScorerConcurrentCases < 1 {
		return fmt.Errorf("scorer_concurrent_cases must be at least 1, got %d", s.ScorerConcurrentCases)
	}
	if s.MaxMessageRetries < 1 {
		return fmt.Errorf("max_message_retries must be at least 1, got %d", s.MaxMessageRetries)
	}
	if s.ScorerHardTimeout <= 0 {
		return fmt.Errorf("scorer_hard_timeout must be positive, got %v", s.ScorerHardTimeout)
	}
	return nil
}

func (v *Validator) validateBroker() error {
	b := v.cfg.Broker
	if b == nil {
		return fmt.Errorf("broker configuration is nil")
	}
	if b.Topic == "" {
		return fmt.Errorf("%w: broker.topic", ErrMissingRequiredField)
	}
	if b.GroupID == "" {
		return fmt.Errorf("%w: broker.group_id", ErrMissingRequiredField)
	}
	return nil
}

func (v *Validator) validateCollector() error {
	c := v.cfg.Collector
	if c == nil {
		return fmt.Errorf("collector configuration is nil")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("collector.port must be a valid TCP port, got %d", c.Port)
	}
	if c.TracesPath == "" {
		return fmt.Errorf("%w: collector.traces_path", ErrMissingRequiredField)
	}
	return nil
}

func (v *Validator) validateSandbox() error {
	s := v.cfg.Sandbox
	if s == nil {
		return fmt.Errorf("sandbox configuration is nil")
	}
	if s.DockerBinary == "" {
		return fmt.Errorf("%w: sandbox.docker_binary", ErrMissingRequiredField)
	}
	if s.StartupPollIntervalSeconds <= 0 {
		return fmt.Errorf("sandbox.startup_poll_interval_seconds must be positive")
	}
	return nil
}
