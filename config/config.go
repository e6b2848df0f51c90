// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProcessingGuarantee selects the acknowledgement mode of a source
// connector.
type ProcessingGuarantee string

const (
	AtMostOnce      ProcessingGuarantee = "at_most_once"
	AtLeastOnce     ProcessingGuarantee = "at_least_once"
	EffectivelyOnce ProcessingGuarantee = "effectively_once"
)

// SubscriptionType names the dispatcher flavor of a subscription. Only
// Key_Shared is implemented here.
type SubscriptionType string

const (
	KeyShared SubscriptionType = "Key_Shared"
)

// Config holds all configuration for the broker.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Storage      StorageConfig      `yaml:"storage"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Source       SourceConfig       `yaml:"source"`
	Webhook      WebhookConfig      `yaml:"webhook"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MetricsEnabled turns on the OTel SDK; MetricsAddr is the OTLP gRPC
	// endpoint metrics are pushed to.
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsAddr     string `yaml:"metrics_addr"`
	OtelServiceName string `yaml:"otel_service_name"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
}

// StorageConfig selects and tunes the entry log store.
type StorageConfig struct {
	// Backend is "memory" or "badger".
	Backend string `yaml:"backend"`
	// Dir is the badger directory.
	Dir string `yaml:"dir"`
	// MaxEntriesPerLedger bounds ledger length before rollover.
	MaxEntriesPerLedger int64 `yaml:"max_entries_per_ledger"`
	// Compression enables zstd compression of stored payloads.
	Compression bool `yaml:"compression"`
}

// DispatchConfig tunes the Key_Shared dispatcher.
type DispatchConfig struct {
	// ReadBatchSize is the maximum entries per cursor read.
	ReadBatchSize int `yaml:"read_batch_size"`

	// ThrottlingOnNonBacklogConsumerEnabled applies the dispatch rate
	// limiters even to caught-up consumers.
	ThrottlingOnNonBacklogConsumerEnabled bool `yaml:"throttling_on_non_backlog_consumer_enabled"`

	// RateMsgsPerSecond / RateBytesPerSecond configure the per-topic
	// dispatch limiter. 0 disables that dimension.
	RateMsgsPerSecond  float64 `yaml:"rate_msgs_per_second"`
	RateBytesPerSecond float64 `yaml:"rate_bytes_per_second"`

	// SubscriptionRateMsgsPerSecond / SubscriptionRateBytesPerSecond
	// configure the per-subscription limiter.
	SubscriptionRateMsgsPerSecond  float64 `yaml:"subscription_rate_msgs_per_second"`
	SubscriptionRateBytesPerSecond float64 `yaml:"subscription_rate_bytes_per_second"`

	// HashRingPoints is the number of virtual points per consumer on the
	// sticky-key hash ring.
	HashRingPoints int `yaml:"hash_ring_points"`
}

// SubscriptionConfig holds per-subscription defaults.
type SubscriptionConfig struct {
	Type SubscriptionType `yaml:"type"`

	// MaxUnackedMessages is the cursor-level ceiling on unacknowledged
	// entries that gates further reads. 0 disables the ceiling.
	MaxUnackedMessages int64 `yaml:"max_unacked_messages"`
}

// SourceConfig configures the ingress source connector.
type SourceConfig struct {
	ProcessingGuarantees ProcessingGuarantee `yaml:"processing_guarantees"`
	SubscriptionName     string              `yaml:"subscription_name"`

	// Topics are literal input topic names. TopicPatterns are regular
	// expressions matched against the topics that already exist on the
	// broker.
	Topics        []string `yaml:"topics"`
	TopicPatterns []string `yaml:"topic_patterns"`

	// MQTT ingress bridge.
	MQTTEnabled   bool   `yaml:"mqtt_enabled"`
	MQTTBrokerURL string `yaml:"mqtt_broker_url"`
	MQTTClientID  string `yaml:"mqtt_client_id"`
	MQTTQoS       byte   `yaml:"mqtt_qos"`
}

// WebhookConfig configures the lifecycle event notifier.
type WebhookConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Workers   int               `yaml:"workers"`
	QueueSize int               `yaml:"queue_size"`
	Retry     RetryConfig       `yaml:"retry"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// RetryConfig holds retry settings for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// WebhookEndpoint is one notification target.
type WebhookEndpoint struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"` // empty means all
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	Retry   *RetryConfig      `yaml:"retry,omitempty"` // overrides the default
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WSAddr:          ":8080",
			WSPath:          "/consume",
			ShutdownTimeout: 10 * time.Second,
			MetricsAddr:     "localhost:4317",
			OtelServiceName: "pulsar-broker",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend:             "memory",
			MaxEntriesPerLedger: 50000,
			Compression:         true,
		},
		Dispatch: DispatchConfig{
			ReadBatchSize:  100,
			HashRingPoints: 100,
		},
		Subscription: SubscriptionConfig{
			Type:               KeyShared,
			MaxUnackedMessages: 10000,
		},
		Source: SourceConfig{
			ProcessingGuarantees: AtLeastOnce,
			SubscriptionName:     "ingest",
		},
		Webhook: WebhookConfig{
			Workers:   2,
			QueueSize: 1024,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     10 * time.Second,
				Multiplier:      2.0,
			},
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	switch c.Storage.Backend {
	case "memory":
	case "badger":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage backend badger requires storage.dir")
		}
	default:
		return fmt.Errorf("invalid storage backend %q", c.Storage.Backend)
	}

	if c.Subscription.Type != KeyShared {
		return fmt.Errorf("unsupported subscription type %q", c.Subscription.Type)
	}

	switch c.Source.ProcessingGuarantees {
	case AtMostOnce, AtLeastOnce, EffectivelyOnce:
	default:
		return fmt.Errorf("invalid processing guarantee %q", c.Source.ProcessingGuarantees)
	}

	if c.Dispatch.ReadBatchSize < 1 {
		return fmt.Errorf("dispatch.read_batch_size must be positive")
	}

	return nil
}
