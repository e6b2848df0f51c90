// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeConsumerAdded    = "consumer.added"
	TypeConsumerRemoved  = "consumer.removed"
	TypeDispatcherStuck  = "dispatcher.stuck_on_replays"
	TypeSubscriptionIdle = "subscription.idle"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "consumer.added")
	Type() string

	// Subscription returns the subscription the event belongs to
	Subscription() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType    string `json:"event_type"`
	EventID      string `json:"event_id"`
	Timestamp    string `json:"timestamp"`
	BrokerID     string `json:"broker_id"`
	Subscription string `json:"subscription"`
	Data         any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(*e)
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType:    e.Type(),
		EventID:      uuid.New().String(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:     brokerID,
		Subscription: e.Subscription(),
		Data:         e,
	}
}

// ConsumerAdded is emitted when a consumer joins a subscription.
type ConsumerAdded struct {
	SubscriptionName string `json:"subscription"`
	ConsumerName     string `json:"consumer_name"`
	ConsumerID       string `json:"consumer_id"`
	Permits          int    `json:"permits"`
	JoinBarrier      string `json:"join_barrier,omitempty"`
}

func (e ConsumerAdded) Type() string         { return TypeConsumerAdded }
func (e ConsumerAdded) Subscription() string { return e.SubscriptionName }
func (e ConsumerAdded) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}

// ConsumerRemoved is emitted when a consumer leaves a subscription.
type ConsumerRemoved struct {
	SubscriptionName string `json:"subscription"`
	ConsumerName     string `json:"consumer_name"`
	ConsumerID       string `json:"consumer_id"`
	Reason           string `json:"reason"` // "unsubscribe", "disconnect"
}

func (e ConsumerRemoved) Type() string         { return TypeConsumerRemoved }
func (e ConsumerRemoved) Subscription() string { return e.SubscriptionName }
func (e ConsumerRemoved) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}

// DispatcherStuck is emitted when a whole read batch was undeliverable and
// the dispatcher latched the stuck-on-replays state.
type DispatcherStuck struct {
	SubscriptionName string `json:"subscription"`
	PendingReplays   int    `json:"pending_replays"`
}

func (e DispatcherStuck) Type() string         { return TypeDispatcherStuck }
func (e DispatcherStuck) Subscription() string { return e.SubscriptionName }
func (e DispatcherStuck) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}

// SubscriptionIdle is emitted when the last consumer leaves a
// subscription.
type SubscriptionIdle struct {
	SubscriptionName string `json:"subscription"`
	Backlog          int64  `json:"backlog"`
}

func (e SubscriptionIdle) Type() string         { return TypeSubscriptionIdle }
func (e SubscriptionIdle) Subscription() string { return e.SubscriptionName }
func (e SubscriptionIdle) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}
