package config

import "time"

// BrokerConfig describes the durable message queue the Ingestor consumes
// from.
type BrokerConfig struct {
	// Brokers is the list of seed broker addresses (host:port).
	Brokers []string `yaml:"brokers"`

	// Topic is the experiment.run.requested topic.
	Topic string `yaml:"topic"`

	// GroupID is the consumer group id. One worker process consumes one
	// queue.
	GroupID string `yaml:"group_id"`

	// ReconnectBackoff bounds the capped exponential backoff used when the
	// broker connection is lost.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// ReconnectBackoffMax is the ceiling for ReconnectBackoff's growth.
	ReconnectBackoffMax time.Duration `yaml:"reconnect_backoff_max"`
}

// DefaultBrokerConfig returns the built-in broker defaults.
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		Topic:                "experiment.run.requested",
		GroupID:              "benchworker",
		ReconnectBackoff:     time.Second,
		ReconnectBackoffMax:  30 * time.Second,
	}
}
