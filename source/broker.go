// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"github.com/GerMoranOverstock/pulsar/broker"
	"github.com/GerMoranOverstock/pulsar/config"
	"github.com/GerMoranOverstock/pulsar/mledger"
)

// Initial flow-control credit granted per input subscription. Each ack
// returns one permit.
const sourcePermits = 1000

// TopicLookup resolves topic names and patterns against the broker.
type TopicLookup interface {
	GetOrCreateTopic(name string) (*broker.Topic, error)
	ListTopics() []string
}

// BrokerSource subscribes to broker topics and pushes their entries as
// records. One subscription per resolved input topic; all share the
// configured subscription name.
type BrokerSource struct {
	mu sync.Mutex

	cfg     config.SourceConfig
	lookup  TopicLookup
	handler Handler
	logger  *slog.Logger

	inputTopics []string
	inputs      []*topicInput
	opened      bool
}

type topicInput struct {
	topic    *broker.Topic
	sub      *broker.Subscription
	consumer *broker.Consumer
}

// NewBrokerSource creates a source pushing records to handler.
func NewBrokerSource(cfg config.SourceConfig, lookup TopicLookup, handler Handler, logger *slog.Logger) *BrokerSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerSource{
		cfg:     cfg,
		lookup:  lookup,
		handler: handler,
		logger:  logger,
	}
}

// Open resolves the input topics (expanding patterns against the broker's
// topic table), subscribes to each and starts delivery.
func (s *BrokerSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return fmt.Errorf("source already open")
	}

	topics, err := s.resolveTopics()
	if err != nil {
		return err
	}
	if len(topics) == 0 {
		return fmt.Errorf("source has no input topics")
	}

	s.logger.Info("opening broker source",
		slog.Any("topics", topics),
		slog.String("subscription", s.cfg.SubscriptionName),
		slog.String("guarantee", string(s.cfg.ProcessingGuarantees)))

	for _, name := range topics {
		topic, err := s.lookup.GetOrCreateTopic(name)
		if err != nil {
			return fmt.Errorf("failed to open input topic %s: %w", name, err)
		}
		sub, err := topic.Subscribe(s.cfg.SubscriptionName)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", name, err)
		}

		input := &topicInput{topic: topic, sub: sub}
		transport := &recordTransport{source: s, input: input}
		input.consumer = broker.NewConsumer(
			fmt.Sprintf("%s-%s", s.cfg.SubscriptionName, name), transport, sourcePermits)
		sub.Dispatcher().AddConsumer(input.consumer)

		s.inputs = append(s.inputs, input)
	}

	s.inputTopics = topics
	s.opened = true
	return nil
}

func (s *BrokerSource) resolveTopics() ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	for _, name := range s.cfg.Topics {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	existing := s.lookup.ListTopics()
	for _, pattern := range s.cfg.TopicPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid topic pattern %q: %w", pattern, err)
		}
		for _, name := range existing {
			if !re.MatchString(name) {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}

	sort.Strings(out)
	return out, nil
}

// InputTopics returns the expanded input topic list.
func (s *BrokerSource) InputTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputTopics
}

// Close deregisters every input consumer.
func (s *BrokerSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, input := range s.inputs {
		input.sub.Dispatcher().RemoveConsumer(input.consumer)
	}
	s.inputs = nil
	s.opened = false
	return nil
}

// recordTransport adapts dispatched entries into records. It implements
// broker.Transport so the source sits on the subscription like any other
// consumer.
type recordTransport struct {
	source *BrokerSource
	input  *topicInput
}

func (t *recordTransport) ConsumerName() string {
	return t.input.consumer.Name()
}

func (t *recordTransport) Send(entries []*mledger.Entry, batchSizes []int, totalMessages int, totalBytes int64, tracker *broker.RedeliveryTracker, done func(error)) {
	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		records = append(records, t.source.buildRecord(t.input, entry))
		entry.Release()
	}
	done(nil)

	for _, record := range records {
		t.source.handler(record)
	}
}

// buildRecord copies the entry body out of its pooled buffer and binds
// the guarantee-dependent ack and fail closures.
func (s *BrokerSource) buildRecord(input *topicInput, entry *mledger.Entry) Record {
	pos := entry.Position()
	payload := append([]byte(nil), entry.Body()...)
	effectivelyOnce := s.cfg.ProcessingGuarantees == config.EffectivelyOnce

	return Record{
		Payload: payload,
		Topic:   input.topic.Name(),
		Ack: func() {
			var err error
			if effectivelyOnce {
				err = input.sub.AckCumulative(pos)
			} else {
				err = input.sub.AckIndividual(pos)
			}
			if err != nil {
				s.logger.Warn("failed to acknowledge record",
					slog.String("position", pos.String()), slog.Any("error", err))
				return
			}
			input.sub.Dispatcher().Flow(input.consumer, 1)
		},
		Fail: func() {
			if effectivelyOnce {
				panic(fmt.Sprintf("failed to process message at %s under effectively-once", pos))
			}
			// Weaker guarantees: leave the record unacknowledged; the
			// unack timeout redelivers it.
		},
	}
}
