// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/GerMoranOverstock/pulsar/broker/events"
	"github.com/GerMoranOverstock/pulsar/config"
)

// Sender posts a serialized event envelope to an endpoint.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, body []byte) error
}

// Notifier fans dispatcher lifecycle events out to configured HTTP
// endpoints through a small worker pool. Each endpoint sits behind its own
// circuit breaker so one dead receiver does not back up the rest.
type Notifier struct {
	cfg      config.WebhookConfig
	brokerID string
	queue    chan job
	breakers map[string]*gobreaker.CircuitBreaker
	sender   Sender
	logger   *slog.Logger
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

type job struct {
	envelope *events.Envelope
	endpoint config.WebhookEndpoint
}

// NewNotifier creates a notifier. sender must not be nil.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*Notifier, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 256
	}

	n := &Notifier{
		cfg:      cfg,
		brokerID: brokerID,
		queue:    make(chan job, queueSize),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		sender:   sender,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, ep := range cfg.Endpoints {
		n.breakers[ep.Name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    ep.Name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	return n, nil
}

// Notify enqueues an event for delivery to every matching endpoint.
// Events are dropped when the queue is full: webhook delivery must never
// backpressure the dispatch path.
func (n *Notifier) Notify(event events.Event) {
	envelope := event.Wrap(n.brokerID)

	for _, ep := range n.cfg.Endpoints {
		if !matches(ep, event) {
			continue
		}
		select {
		case n.queue <- job{envelope: envelope, endpoint: ep}:
		default:
			n.logger.Warn("webhook queue full, dropping event",
				slog.String("endpoint", ep.Name),
				slog.String("event_type", event.Type()))
		}
	}
}

func matches(ep config.WebhookEndpoint, event events.Event) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, t := range ep.Events {
		if t == event.Type() {
			return true
		}
	}
	return false
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case j := <-n.queue:
			n.deliver(j)
		}
	}
}

// deliver posts one envelope, retrying with exponential backoff until the
// attempts run out, the breaker opens or the notifier shuts down.
func (n *Notifier) deliver(j job) {
	body, err := json.Marshal(j.envelope)
	if err != nil {
		n.logger.Error("failed to marshal webhook event", slog.Any("error", err))
		return
	}

	breaker := n.breakers[j.endpoint.Name]
	timeout := j.endpoint.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	retry := n.cfg.Retry
	if j.endpoint.Retry != nil {
		retry = *j.endpoint.Retry
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}

	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(retryDelay(attempt, retry)):
			}
		}

		_, err = breaker.Execute(func() (any, error) {
			ctx, cancel := context.WithTimeout(n.ctx, timeout)
			defer cancel()
			return nil, n.sender.Send(ctx, j.endpoint.URL, j.endpoint.Headers, body)
		})
		if err == nil {
			return
		}
		if errors.Is(err, gobreaker.ErrOpenState) {
			// The breaker refuses calls for its whole timeout window;
			// retrying inside it is pointless.
			break
		}

		n.logger.Debug("webhook delivery attempt failed",
			slog.String("endpoint", j.endpoint.Name),
			slog.String("event_type", j.envelope.EventType),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}

	n.logger.Warn("webhook delivery failed, dropping event",
		slog.String("endpoint", j.endpoint.Name),
		slog.String("event_type", j.envelope.EventType),
		slog.Any("error", err))
}

// retryDelay computes the exponential backoff before the given attempt,
// clamped to the configured maximum.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	interval := cfg.InitialInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 2.0
	}

	delay := float64(interval) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers and waits for them to drain.
func (n *Notifier) Close() {
	n.cancel()
	n.wg.Wait()
}
