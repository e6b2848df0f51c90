// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, KeyShared, cfg.Subscription.Type)
	assert.Equal(t, AtLeastOnce, cfg.Source.ProcessingGuarantees)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 100, cfg.Dispatch.ReadBatchSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
storage:
  backend: badger
  dir: /var/lib/pulsar
  compression: false
dispatch:
  read_batch_size: 50
  throttling_on_non_backlog_consumer_enabled: true
  rate_msgs_per_second: 1000
subscription:
  max_unacked_messages: 500
source:
  processing_guarantees: effectively_once
  subscription_name: ingest-main
  topics:
    - orders
  topic_patterns:
    - "^audit-.*$"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/pulsar", cfg.Storage.Dir)
	assert.False(t, cfg.Storage.Compression)
	assert.Equal(t, 50, cfg.Dispatch.ReadBatchSize)
	assert.True(t, cfg.Dispatch.ThrottlingOnNonBacklogConsumerEnabled)
	assert.Equal(t, float64(1000), cfg.Dispatch.RateMsgsPerSecond)
	assert.Equal(t, int64(500), cfg.Subscription.MaxUnackedMessages)
	assert.Equal(t, EffectivelyOnce, cfg.Source.ProcessingGuarantees)
	assert.Equal(t, []string{"orders"}, cfg.Source.Topics)
	assert.Equal(t, []string{"^audit-.*$"}, cfg.Source.TopicPatterns)

	// Untouched sections keep their defaults.
	assert.Equal(t, ":8080", cfg.Server.WSAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad backend", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"badger without dir", func(c *Config) { c.Storage.Backend = "badger"; c.Storage.Dir = "" }},
		{"bad subscription type", func(c *Config) { c.Subscription.Type = "Exclusive" }},
		{"bad guarantee", func(c *Config) { c.Source.ProcessingGuarantees = "exactly_twice" }},
		{"bad batch size", func(c *Config) { c.Dispatch.ReadBatchSize = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
