// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GerMoranOverstock/pulsar/broker"
	"github.com/GerMoranOverstock/pulsar/config"
	"github.com/GerMoranOverstock/pulsar/mledger"
)

type recordSink struct {
	mu      sync.Mutex
	records []Record
}

func (r *recordSink) handle(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordSink) snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

func newTestRegistry(t *testing.T) *broker.Registry {
	t.Helper()
	cfg := *config.DefaultConfig()
	registry := broker.NewRegistry(func(name string) (mledger.Log, error) {
		return mledger.NewMemoryLog(name, 0), nil
	}, cfg, nil, nil)
	t.Cleanup(registry.Close)
	return registry
}

func sourceConfig(guarantee config.ProcessingGuarantee, topics ...string) config.SourceConfig {
	return config.SourceConfig{
		ProcessingGuarantees: guarantee,
		SubscriptionName:     "ingest",
		Topics:               topics,
	}
}

func TestBrokerSourceDeliversRecords(t *testing.T) {
	registry := newTestRegistry(t)
	sink := &recordSink{}

	src := NewBrokerSource(sourceConfig(config.AtLeastOnce, "orders"), registry, sink.handle, nil)
	require.NoError(t, src.Open(context.Background()))
	t.Cleanup(func() { _ = src.Close() })

	topic, err := registry.GetOrCreateTopic("orders")
	require.NoError(t, err)
	_, err = topic.Publish([]byte("k"), []byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec := sink.snapshot()[0]
	assert.Equal(t, "orders", rec.Topic)
	assert.Equal(t, []byte("hello"), rec.Payload)
	require.NotNil(t, rec.Ack)
	require.NotNil(t, rec.Fail)
}

func TestBrokerSourceIndividualAckAdvancesCursor(t *testing.T) {
	registry := newTestRegistry(t)
	sink := &recordSink{}

	src := NewBrokerSource(sourceConfig(config.AtLeastOnce, "orders"), registry, sink.handle, nil)
	require.NoError(t, src.Open(context.Background()))
	t.Cleanup(func() { _ = src.Close() })

	topic, err := registry.GetOrCreateTopic("orders")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := topic.Publish([]byte("k"), []byte("m"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	sub := topic.Subscription("ingest")
	require.NotNil(t, sub)
	require.Equal(t, int64(2), sub.Backlog())

	for _, rec := range sink.snapshot() {
		rec.Ack()
	}
	assert.Equal(t, int64(0), sub.Backlog())
}

func TestBrokerSourceEffectivelyOnceFailIsFatal(t *testing.T) {
	registry := newTestRegistry(t)
	sink := &recordSink{}

	src := NewBrokerSource(sourceConfig(config.EffectivelyOnce, "orders"), registry, sink.handle, nil)
	require.NoError(t, src.Open(context.Background()))
	t.Cleanup(func() { _ = src.Close() })

	topic, err := registry.GetOrCreateTopic("orders")
	require.NoError(t, err)
	_, err = topic.Publish([]byte("k"), []byte("m"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Panics(t, func() { sink.snapshot()[0].Fail() })
}

func TestBrokerSourceWeakGuaranteeFailIsNoop(t *testing.T) {
	registry := newTestRegistry(t)
	sink := &recordSink{}

	src := NewBrokerSource(sourceConfig(config.AtLeastOnce, "orders"), registry, sink.handle, nil)
	require.NoError(t, src.Open(context.Background()))
	t.Cleanup(func() { _ = src.Close() })

	topic, err := registry.GetOrCreateTopic("orders")
	require.NoError(t, err)
	_, err = topic.Publish([]byte("k"), []byte("m"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.NotPanics(t, func() { sink.snapshot()[0].Fail() })
	// The record stays unacknowledged for the unack timeout to pick up.
	assert.Equal(t, int64(1), topic.Subscription("ingest").Backlog())
}

func TestBrokerSourcePatternExpansion(t *testing.T) {
	registry := newTestRegistry(t)
	for _, name := range []string{"orders-eu", "orders-us", "audit"} {
		_, err := registry.GetOrCreateTopic(name)
		require.NoError(t, err)
	}

	cfg := config.SourceConfig{
		ProcessingGuarantees: config.AtLeastOnce,
		SubscriptionName:     "ingest",
		Topics:               []string{"audit"},
		TopicPatterns:        []string{"^orders-.*$"},
	}

	sink := &recordSink{}
	src := NewBrokerSource(cfg, registry, sink.handle, nil)
	require.NoError(t, src.Open(context.Background()))
	t.Cleanup(func() { _ = src.Close() })

	assert.Equal(t, []string{"audit", "orders-eu", "orders-us"}, src.InputTopics())
}

func TestBrokerSourceInvalidPattern(t *testing.T) {
	registry := newTestRegistry(t)
	cfg := config.SourceConfig{
		ProcessingGuarantees: config.AtLeastOnce,
		SubscriptionName:     "ingest",
		TopicPatterns:        []string{"("},
	}

	src := NewBrokerSource(cfg, registry, func(Record) {}, nil)
	assert.Error(t, src.Open(context.Background()))
}

func TestBrokerSourceNoTopics(t *testing.T) {
	registry := newTestRegistry(t)
	src := NewBrokerSource(sourceConfig(config.AtLeastOnce), registry, func(Record) {}, nil)
	assert.Error(t, src.Open(context.Background()))
}

func TestMQTTSourceValidation(t *testing.T) {
	_, err := NewMQTTSource(config.SourceConfig{Topics: []string{"t"}}, func(Record) {}, nil)
	assert.Error(t, err)

	_, err = NewMQTTSource(config.SourceConfig{MQTTBrokerURL: "tcp://localhost:1883"}, func(Record) {}, nil)
	assert.Error(t, err)

	src, err := NewMQTTSource(config.SourceConfig{
		MQTTBrokerURL: "tcp://localhost:1883",
		Topics:        []string{"sensors/#"},
	}, func(Record) {}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sensors/#"}, src.InputTopics())
}
