// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/GerMoranOverstock/pulsar/config"
)

// MQTTSource bridges an external MQTT broker into the ingress: each
// arriving publish becomes a record. Acks map to MQTT manual
// acknowledgement; there is no cumulative acknowledgement on MQTT, so
// effectively-once only strengthens Fail, which becomes fatal.
type MQTTSource struct {
	mu sync.Mutex

	cfg     config.SourceConfig
	handler Handler
	logger  *slog.Logger

	client mqtt.Client
	topics []string
	opened bool
}

// NewMQTTSource creates an MQTT-backed source for the topics in cfg.
func NewMQTTSource(cfg config.SourceConfig, handler Handler, logger *slog.Logger) (*MQTTSource, error) {
	if cfg.MQTTBrokerURL == "" {
		return nil, fmt.Errorf("mqtt source requires a broker URL")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("mqtt source requires at least one topic")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSource{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		topics:  append([]string(nil), cfg.Topics...),
	}, nil
}

// Open connects and subscribes to every configured topic filter.
func (s *MQTTSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return fmt.Errorf("source already open")
	}

	clientID := s.cfg.MQTTClientID
	if clientID == "" {
		clientID = "pulsar-source-" + s.cfg.SubscriptionName
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.MQTTBrokerURL).
		SetClientID(clientID).
		SetCleanSession(false).
		SetAutoAckDisabled(true).
		SetConnectTimeout(10 * time.Second)

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("timed out connecting to %s", s.cfg.MQTTBrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.cfg.MQTTBrokerURL, err)
	}

	for _, topic := range s.topics {
		sub := s.client.Subscribe(topic, s.cfg.MQTTQoS, s.onMessage)
		if !sub.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("timed out subscribing to %s", topic)
		}
		if err := sub.Error(); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	s.logger.Info("opened mqtt source",
		slog.String("broker", s.cfg.MQTTBrokerURL),
		slog.Any("topics", s.topics))
	s.opened = true
	return nil
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	effectivelyOnce := s.cfg.ProcessingGuarantees == config.EffectivelyOnce

	record := Record{
		Payload: append([]byte(nil), msg.Payload()...),
		Topic:   msg.Topic(),
		Ack: func() {
			msg.Ack()
		},
		Fail: func() {
			if effectivelyOnce {
				panic(fmt.Sprintf("failed to process mqtt message %d under effectively-once", msg.MessageID()))
			}
		},
	}

	s.handler(record)
}

// InputTopics returns the configured topic filters; MQTT patterns stay as
// filters, the broker expands them.
func (s *MQTTSource) InputTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics
}

// Close disconnects from the broker.
func (s *MQTTSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.opened = false
	return nil
}
