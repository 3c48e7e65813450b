package config

// Config is the umbrella configuration assembled by Initialize. Every field
// is resolved (built-in defaults merged with user YAML) by the time
// Initialize returns.
type Config struct {
	configDir string

	Scheduler *SchedulerConfig `yaml:"scheduler"`
	Broker    *BrokerConfig    `yaml:"broker"`
	Database  *DatabaseConfig  `yaml:"database"`
	Collector *CollectorConfig `yaml:"collector"`
	Sandbox   *SandboxConfig   `yaml:"sandbox"`
}

// Stats summarizes a loaded Config for startup logging.
type Stats struct {
	ConcurrentCases       int
	ScorerConcurrentCases int
	BrokerTopic           string
}

// Stats returns a summary of the resolved configuration.
func (c *Config) Stats() Stats {
	return Stats{
		ConcurrentCases:       c.Scheduler.ConcurrentCases,
		ScorerConcurrentCases: c.Scheduler.ScorerConcurrentCases,
		BrokerTopic:           c.Broker.Topic,
	}
}

// userYAMLConfig is the shape of the optional worker.yaml override file.
// Any section a user omits retains its built-in default.
type userYAMLConfig struct {
	Scheduler *SchedulerConfig `yaml:"scheduler"`
	Broker    *BrokerConfig    `yaml:"broker"`
	Collector *CollectorConfig `yaml:"collector"`
	Sandbox   *SandboxConfig   `yaml:"sandbox"`
}
