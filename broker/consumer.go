// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/GerMoranOverstock/pulsar/mledger"
)

// Transport delivers dispatched entries to one consumer endpoint. Send is
// asynchronous: it must not block and must invoke done exactly once when
// the delivery settles. The transport takes ownership of the entries and
// releases them after writing.
//
// batchSizes carries the per-entry message count; entries are dispatched
// unbatched here so each slot is 1, but the shape survives so transports
// can account batched payloads.
type Transport interface {
	Send(entries []*mledger.Entry, batchSizes []int, totalMessages int, totalBytes int64, tracker *RedeliveryTracker, done func(error))
	ConsumerName() string
}

// Consumer is one subscriber of a Key_Shared subscription. Identity is
// referential: two Consumer values are the same consumer only if they are
// the same pointer. Permits are the consumer's flow-control credit; a send
// of n messages costs n permits.
type Consumer struct {
	id        string
	name      string
	transport Transport
	permits   atomic.Int32
	live      atomic.Bool
}

// NewConsumer creates a consumer with the given starting permits.
func NewConsumer(name string, transport Transport, initialPermits int) *Consumer {
	c := &Consumer{
		id:        uuid.NewString(),
		name:      name,
		transport: transport,
	}
	c.permits.Store(int32(initialPermits))
	c.live.Store(true)
	return c
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) Name() string { return c.name }

// AvailablePermits returns the remaining send credit, never negative.
func (c *Consumer) AvailablePermits() int {
	if p := c.permits.Load(); p > 0 {
		return int(p)
	}
	return 0
}

// flow grants n more permits. Called via Dispatcher.Flow so the
// dispatcher's permit total stays in step.
func (c *Consumer) flow(n int) {
	c.permits.Add(int32(n))
}

// IsLive reports whether the consumer is still connected.
func (c *Consumer) IsLive() bool {
	return c.live.Load()
}

func (c *Consumer) markDisconnected() {
	c.live.Store(false)
}

// sendEntries charges permits and hands the batch to the transport.
// Callers compute totals so permit accounting happens under the
// dispatcher lock.
func (c *Consumer) sendEntries(entries []*mledger.Entry, batchSizes []int, totalMessages int, totalBytes int64, tracker *RedeliveryTracker, done func(error)) {
	c.permits.Add(-int32(totalMessages))
	c.transport.Send(entries, batchSizes, totalMessages, totalBytes, tracker, done)
}
