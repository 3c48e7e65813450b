package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

const userConfigFile = "worker.yaml"

// Initialize loads, merges, and validates the worker's configuration.
//
// Steps performed:
//  1. Load worker.yaml from configDir (optional; missing file uses built-in
//     defaults throughout).
//  2. Expand environment variables.
//  3. Parse YAML into structs.
//  4. Merge user-defined sections onto built-in defaults.
//  5. Load database configuration from the environment (DB_* vars).
//  6. Validate all configuration.
//
// This is the primary entry point for configuration loading.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"concurrent_cases", stats.ConcurrentCases,
		"scorer_concurrent_cases", stats.ScorerConcurrentCases,
		"broker_topic", stats.BrokerTopic)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	user, err := loader.loadUserYAML()
	if err != nil {
		return nil, err
	}

	schedulerCfg := DefaultSchedulerConfig()
	if user.Scheduler != nil {
		if err := mergo.Merge(schedulerCfg, user.Scheduler, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge scheduler config: %w", err)
		}
	}

	brokerCfg := DefaultBrokerConfig()
	if user.Broker != nil {
		if err := mergo.Merge(brokerCfg, user.Broker, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge broker config: %w", err)
		}
	}

	collectorCfg := DefaultCollectorConfig()
	if user.Collector != nil {
		if err := mergo.Merge(collectorCfg, user.Collector, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge collector config: %w", err)
		}
	}

	sandboxCfg := DefaultSandboxConfig()
	if user.Sandbox != nil {
		if err := mergo.Merge(sandboxCfg, user.Sandbox, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge sandbox config: %w", err)
		}
	}

	dbCfg, err := DatabaseConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load database config: %w", err)
	}

	return &Config{
		configDir: configDir,
		Scheduler: schedulerCfg,
		Broker:    brokerCfg,
		Database:  &dbCfg,
		Collector: collectorCfg,
		Sandbox:   sandboxCfg,
	}, nil
}

func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

// loadUserYAML reads the optional worker.yaml override file. A missing file
// is not an error; every section falls back to its built-in default.
func (l *configLoader) loadUserYAML() (*userYAMLConfig, error) {
	var cfg userYAMLConfig

	path := filepath.Join(l.configDir, userConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, NewLoadError(userConfigFile, err)
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewLoadError(userConfigFile, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	return &cfg, nil
}
