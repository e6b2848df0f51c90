// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/GerMoranOverstock/pulsar/config"
	"github.com/GerMoranOverstock/pulsar/mledger"
	"github.com/GerMoranOverstock/pulsar/ratelimit"
)

// Topic owns one entry log and its subscriptions. Publishes append to the
// log and nudge every subscription's dispatcher; subscriptions share the
// topic-level dispatch limiter.
type Topic struct {
	mu sync.RWMutex

	name    string
	log     mledger.Log
	limiter *ratelimit.DispatchRateLimiter

	subscriptions map[string]*Subscription

	cfg     config.Config
	logger  *slog.Logger
	metrics *Metrics
	events  EventNotifier
}

// SetEventNotifier wires lifecycle events for subscriptions created after
// the call.
func (t *Topic) SetEventNotifier(n EventNotifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = n
}

// NewTopic creates a topic over log.
func NewTopic(name string, log mledger.Log, cfg config.Config, logger *slog.Logger, metrics *Metrics) *Topic {
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *ratelimit.DispatchRateLimiter
	if cfg.Dispatch.RateMsgsPerSecond > 0 || cfg.Dispatch.RateBytesPerSecond > 0 {
		limiter = ratelimit.NewDispatchRateLimiter(cfg.Dispatch.RateMsgsPerSecond, cfg.Dispatch.RateBytesPerSecond)
	}

	return &Topic{
		name:          name,
		log:           log,
		limiter:       limiter,
		subscriptions: make(map[string]*Subscription),
		cfg:           cfg,
		logger:        logger.With(slog.String("topic", name)),
		metrics:       metrics,
	}
}

func (t *Topic) Name() string { return t.name }

func (t *Topic) Log() mledger.Log { return t.log }

// Publish appends an entry and wakes every subscription.
func (t *Topic) Publish(key, payload []byte) (mledger.Position, error) {
	pos, err := t.log.AddEntry(key, payload)
	if err != nil {
		return mledger.Position{}, fmt.Errorf("publish to %s: %w", t.name, err)
	}

	t.mu.RLock()
	for _, sub := range t.subscriptions {
		sub.dispatcher.signalReadMore()
	}
	t.mu.RUnlock()

	return pos, nil
}

// Subscribe returns the named subscription, creating its cursor and
// dispatcher on first use.
func (t *Topic) Subscribe(name string) (*Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sub, ok := t.subscriptions[name]; ok {
		return sub, nil
	}

	cursor := mledger.NewCursor(t.log, name, t.cfg.Subscription.MaxUnackedMessages)

	// Durable logs carry the cursor's mark-delete across restarts.
	store, durable := t.log.(mledger.CursorPositionStore)
	if durable {
		if saved, ok, err := store.LoadCursorPosition(name); err != nil {
			t.logger.Warn("failed to load cursor position",
				slog.String("subscription", name), slog.Any("error", err))
		} else if ok {
			if err := cursor.MarkDelete(saved); err == nil {
				cursor.Rewind()
			}
		}
	}

	selector := NewHashRingSelector(t.cfg.Dispatch.HashRingPoints)

	var subLimiter *ratelimit.DispatchRateLimiter
	if t.cfg.Dispatch.SubscriptionRateMsgsPerSecond > 0 || t.cfg.Dispatch.SubscriptionRateBytesPerSecond > 0 {
		subLimiter = ratelimit.NewDispatchRateLimiter(
			t.cfg.Dispatch.SubscriptionRateMsgsPerSecond,
			t.cfg.Dispatch.SubscriptionRateBytesPerSecond)
	}

	dispatcher := NewDispatcher(name, cursor, selector, DispatcherOptions{
		ReadBatchSize:                         t.cfg.Dispatch.ReadBatchSize,
		ThrottlingOnNonBacklogConsumerEnabled: t.cfg.Dispatch.ThrottlingOnNonBacklogConsumerEnabled,
		TopicLimiter:                          t.limiter,
		SubscriptionLimiter:                   subLimiter,
		Logger:                                t.logger,
		Metrics:                               t.metrics,
		Events:                                t.events,
	})

	sub := NewSubscription(name, t.name, cursor, dispatcher, t.logger)
	if durable {
		sub.SetCursorStore(store)
	}
	t.subscriptions[name] = sub
	return sub, nil
}

// Subscription returns an existing subscription or nil.
func (t *Topic) Subscription(name string) *Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subscriptions[name]
}

// Close stops every dispatcher and closes the log.
func (t *Topic) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subscriptions {
		sub.dispatcher.Close()
		if err := sub.cursor.Close(); err != nil {
			t.logger.Warn("failed to close cursor",
				slog.String("subscription", sub.name), slog.Any("error", err))
		}
	}
	return t.log.Close()
}
