// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/GerMoranOverstock/pulsar/config"
	"github.com/GerMoranOverstock/pulsar/mledger"
)

// LogFactory creates the entry log backing a new topic.
type LogFactory func(name string) (mledger.Log, error)

// Registry is the broker's topic table.
type Registry struct {
	mu sync.RWMutex

	topics  map[string]*Topic
	factory LogFactory
	cfg     config.Config
	logger  *slog.Logger
	metrics *Metrics
	events  EventNotifier
}

// SetEventNotifier wires lifecycle events into topics created after the
// call.
func (r *Registry) SetEventNotifier(n EventNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = n
}

// NewRegistry creates a registry producing topics backed by factory.
func NewRegistry(factory LogFactory, cfg config.Config, logger *slog.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		topics:  make(map[string]*Topic),
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// GetOrCreateTopic returns the named topic, creating it on first use.
func (r *Registry) GetOrCreateTopic(name string) (*Topic, error) {
	r.mu.RLock()
	topic, ok := r.topics[name]
	r.mu.RUnlock()
	if ok {
		return topic, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if topic, ok := r.topics[name]; ok {
		return topic, nil
	}

	log, err := r.factory(name)
	if err != nil {
		return nil, err
	}
	topic = NewTopic(name, log, r.cfg, r.logger, r.metrics)
	if r.events != nil {
		topic.SetEventNotifier(r.events)
	}
	r.topics[name] = topic
	return topic, nil
}

// GetTopic returns an existing topic.
func (r *Registry) GetTopic(name string) (*Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topic, ok := r.topics[name]
	return topic, ok
}

// ListTopics returns the topic names in sorted order.
func (r *Registry) ListTopics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every topic.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, topic := range r.topics {
		if err := topic.Close(); err != nil {
			r.logger.Warn("failed to close topic",
				slog.String("topic", name), slog.Any("error", err))
		}
	}
}
