// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the dispatcher's OpenTelemetry instruments. A nil Metrics
// is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	messagesDispatched metric.Int64Counter
	bytesDispatched    metric.Int64Counter
	entriesRedelivered metric.Int64Counter
	replayStalls       metric.Int64Counter

	consumersActive metric.Int64UpDownCounter
}

// NewMetrics creates the dispatcher instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("pulsar-dispatcher"),
	}

	var err error

	m.messagesDispatched, err = m.meter.Int64Counter(
		"dispatcher.messages.dispatched",
		metric.WithDescription("Messages handed to consumer transports"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDispatched counter: %w", err)
	}

	m.bytesDispatched, err = m.meter.Int64Counter(
		"dispatcher.bytes.dispatched",
		metric.WithDescription("Payload bytes handed to consumer transports"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesDispatched counter: %w", err)
	}

	m.entriesRedelivered, err = m.meter.Int64Counter(
		"dispatcher.entries.redelivered",
		metric.WithDescription("Entries deferred to the redelivery set"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entriesRedelivered counter: %w", err)
	}

	m.replayStalls, err = m.meter.Int64Counter(
		"dispatcher.replay.stalls",
		metric.WithDescription("Times the dispatcher latched the stuck-on-replays state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replayStalls counter: %w", err)
	}

	m.consumersActive, err = m.meter.Int64UpDownCounter(
		"dispatcher.consumers.active",
		metric.WithDescription("Consumers currently registered on Key_Shared subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumersActive counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordDispatched(subscription string, messages int64, bytes int64) {
	if m == nil || messages == 0 {
		return
	}
	attrs := metric.WithAttributes(attribute.String("subscription", subscription))
	m.messagesDispatched.Add(context.Background(), messages, attrs)
	m.bytesDispatched.Add(context.Background(), bytes, attrs)
}

func (m *Metrics) recordRedelivered(subscription string, entries int64) {
	if m == nil || entries == 0 {
		return
	}
	m.entriesRedelivered.Add(context.Background(), entries,
		metric.WithAttributes(attribute.String("subscription", subscription)))
}

func (m *Metrics) recordReplayStall(subscription string) {
	if m == nil {
		return
	}
	m.replayStalls.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("subscription", subscription)))
}

func (m *Metrics) recordConsumerChange(subscription string, delta int64) {
	if m == nil {
		return
	}
	m.consumersActive.Add(context.Background(), delta,
		metric.WithAttributes(attribute.String("subscription", subscription)))
}
