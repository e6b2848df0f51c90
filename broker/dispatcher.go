// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/GerMoranOverstock/pulsar/broker/events"
	"github.com/GerMoranOverstock/pulsar/mledger"
	"github.com/GerMoranOverstock/pulsar/ratelimit"
)

// EventNotifier receives dispatcher lifecycle events. Implementations
// must not block.
type EventNotifier interface {
	Notify(event events.Event)
}

// SubscriptionType names the dispatch discipline of a subscription.
type SubscriptionType string

// KeyShared is the only type this dispatcher implements: all messages
// sharing a sticky key are observed in log order by the same consumer at
// any given time, across consumer churn.
const KeyShared SubscriptionType = "Key_Shared"

// DispatcherOptions carries the dispatch tunables recognized by the
// Key_Shared dispatcher.
type DispatcherOptions struct {
	// ReadBatchSize caps entries per cursor read.
	ReadBatchSize int

	// ThrottlingOnNonBacklogConsumerEnabled applies the rate limiters
	// even while the cursor is active (consumers caught up).
	ThrottlingOnNonBacklogConsumerEnabled bool

	// TopicLimiter and SubscriptionLimiter are charged for each dispatched
	// batch; either may be nil. Reads are not held back when a bucket is
	// empty.
	TopicLimiter        *ratelimit.DispatchRateLimiter
	SubscriptionLimiter *ratelimit.DispatchRateLimiter

	Logger  *slog.Logger
	Metrics *Metrics

	// Events receives lifecycle notifications; may be nil.
	Events EventNotifier
}

// Dispatcher is the sticky-key dispatch engine of a Key_Shared
// subscription. It pulls batches from the cursor, partitions them by the
// selector's key-to-consumer mapping, enforces permit backpressure and the
// join barrier, and defers what it cannot send to the redelivery set.
//
// All state mutation happens under mu. Consumer sends are asynchronous;
// their completions re-enter through the read trigger, never under the
// lock.
type Dispatcher struct {
	mu sync.Mutex

	name     string
	cursor   mledger.ManagedCursor
	selector StickyKeySelector

	consumers   []*Consumer
	consumerSet map[*Consumer]struct{}

	// Read-position snapshots of consumers that joined against a
	// non-empty backlog. A consumer stays gated behind its snapshot until
	// the mark-delete position catches up past it.
	recentlyJoined map[*Consumer]mledger.Position

	redelivery *RedeliverySet
	tracker    *RedeliveryTracker

	stuckOnReplays bool

	totalAvailablePermits int

	// Scratch map reused across cycles to group entries per consumer.
	grouped map[*Consumer][]*mledger.Entry

	readBatchSize      int
	havePendingRead    bool
	throttleNonBacklog bool
	topicLimiter       *ratelimit.DispatchRateLimiter
	subLimiter         *ratelimit.DispatchRateLimiter

	stopped bool
	closed  bool

	readSignal chan struct{}
	done       chan struct{}

	logger  *slog.Logger
	metrics *Metrics
	events  EventNotifier
}

// NewDispatcher creates a dispatcher for the subscription named name over
// cursor, routing keys through selector.
func NewDispatcher(name string, cursor mledger.ManagedCursor, selector StickyKeySelector, opts DispatcherOptions) *Dispatcher {
	if opts.ReadBatchSize < 1 {
		opts.ReadBatchSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Dispatcher{
		name:               name,
		cursor:             cursor,
		selector:           selector,
		consumerSet:        make(map[*Consumer]struct{}),
		recentlyJoined:     make(map[*Consumer]mledger.Position),
		redelivery:         NewRedeliverySet(),
		tracker:            NewRedeliveryTracker(),
		grouped:            make(map[*Consumer][]*mledger.Entry),
		readBatchSize:      opts.ReadBatchSize,
		throttleNonBacklog: opts.ThrottlingOnNonBacklogConsumerEnabled,
		topicLimiter:       opts.TopicLimiter,
		subLimiter:         opts.SubscriptionLimiter,
		readSignal:         make(chan struct{}, 1),
		done:               make(chan struct{}),
		logger:             opts.Logger.With(slog.String("subscription", name)),
		metrics:            opts.Metrics,
		events:             opts.Events,
	}

	go d.readLoop()
	return d
}

// Type reports the subscription type this dispatcher implements.
func (d *Dispatcher) Type() SubscriptionType { return KeyShared }

func (d *Dispatcher) Name() string { return d.name }

// readLoop serializes read triggers coming from send completions and
// acknowledgement processing so they never contend with the dispatch path
// inline.
func (d *Dispatcher) readLoop() {
	for {
		select {
		case <-d.done:
			return
		case <-d.readSignal:
			d.ReadMoreEntries()
		}
	}
}

// signalReadMore posts a read trigger to the dispatcher's executor. Safe
// to call from any goroutine, with or without the lock held.
func (d *Dispatcher) signalReadMore() {
	select {
	case d.readSignal <- struct{}{}:
	default:
	}
}

// AddConsumer registers c with the subscription and the selector. When c
// is not the only consumer and undelivered backlog exists, c is gated
// behind the current read position until the backlog drains.
func (d *Dispatcher) AddConsumer(c *Consumer) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	d.consumers = append(d.consumers, c)
	d.consumerSet[c] = struct{}{}
	d.selector.AddConsumer(c)
	d.totalAvailablePermits += c.AvailablePermits()

	var barrier string
	if len(d.consumers) > 1 && d.cursor.NumberOfEntriesSinceFirstNotAckedMessage() > 1 {
		d.recentlyJoined[c] = d.cursor.ReadPosition()
		barrier = d.recentlyJoined[c].String()
		d.logger.Debug("consumer joined behind barrier",
			slog.String("consumer", c.Name()),
			slog.String("barrier", barrier))
	}
	d.mu.Unlock()

	d.metrics.recordConsumerChange(d.name, 1)
	if d.events != nil {
		d.events.Notify(events.ConsumerAdded{
			SubscriptionName: d.name,
			ConsumerName:     c.Name(),
			ConsumerID:       c.ID(),
			Permits:          c.AvailablePermits(),
			JoinBarrier:      barrier,
		})
	}
	d.signalReadMore()
}

// RemoveConsumer deregisters c from the selector and drops its join
// barrier. Entries already in flight to c come back through the replay
// path when they are negatively acknowledged or time out.
func (d *Dispatcher) RemoveConsumer(c *Consumer) {
	d.mu.Lock()
	if _, ok := d.consumerSet[c]; !ok {
		d.mu.Unlock()
		return
	}

	delete(d.consumerSet, c)
	for i, existing := range d.consumers {
		if existing == c {
			d.consumers = append(d.consumers[:i], d.consumers[i+1:]...)
			break
		}
	}
	d.selector.RemoveConsumer(c)
	delete(d.recentlyJoined, c)
	d.totalAvailablePermits -= c.AvailablePermits()
	if d.totalAvailablePermits < 0 {
		d.totalAvailablePermits = 0
	}
	c.markDisconnected()
	idle := len(d.consumers) == 0
	d.mu.Unlock()

	d.metrics.recordConsumerChange(d.name, -1)
	if d.events != nil {
		d.events.Notify(events.ConsumerRemoved{
			SubscriptionName: d.name,
			ConsumerName:     c.Name(),
			ConsumerID:       c.ID(),
			Reason:           "disconnect",
		})
		if idle {
			d.events.Notify(events.SubscriptionIdle{
				SubscriptionName: d.name,
				Backlog:          d.cursor.NumberOfEntriesSinceFirstNotAckedMessage(),
			})
		}
	}
	d.signalReadMore()
}

// Flow grants permits more send credits to consumer c and kicks the read
// loop.
func (d *Dispatcher) Flow(c *Consumer, permits int) {
	d.mu.Lock()
	if _, ok := d.consumerSet[c]; !ok {
		d.mu.Unlock()
		return
	}
	c.flow(permits)
	d.totalAvailablePermits += permits
	d.mu.Unlock()

	d.signalReadMore()
}

// TotalAvailablePermits reports the permit sum across live consumers as
// tracked by dispatch accounting.
func (d *Dispatcher) TotalAvailablePermits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalAvailablePermits
}

// ConsumerCount returns the number of registered consumers.
func (d *Dispatcher) ConsumerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.consumers)
}

// AddToRedelivery queues positions for re-dispatch (negative
// acknowledgement, unack timeout, consumer disconnect) and kicks the read
// loop.
func (d *Dispatcher) AddToRedelivery(positions ...mledger.Position) {
	d.mu.Lock()
	markDelete := d.cursor.MarkDeletedPosition()
	var added int64
	for _, pos := range positions {
		if !markDelete.Less(pos) {
			continue
		}
		d.redelivery.Add(pos)
		d.tracker.Incr(pos)
		added++
	}
	d.mu.Unlock()

	d.metrics.recordRedelivered(d.name, added)
	d.signalReadMore()
}

// OnAcknowledgementProcessed is invoked by the subscription after acks
// advance the cursor. Gated recently-joined consumers may now be
// unblocked and a read refused at the cursor's unacked ceiling may now
// succeed, so another read is scheduled; stale redelivery positions are
// dropped to keep the set strictly above the mark-delete position.
func (d *Dispatcher) OnAcknowledgementProcessed() {
	d.mu.Lock()
	d.redelivery.RemoveUpTo(d.cursor.MarkDeletedPosition())
	d.mu.Unlock()

	d.signalReadMore()
}

// ReadMoreEntries schedules the next cursor read if one is warranted.
func (d *Dispatcher) ReadMoreEntries() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readMoreEntriesLocked()
}

func (d *Dispatcher) readMoreEntriesLocked() {
	if d.closed || d.stopped || d.havePendingRead {
		return
	}
	if len(d.consumers) == 0 {
		return
	}
	if d.totalAvailablePermits <= 0 && !d.stuckOnReplays {
		return
	}

	messagesToRead := d.readBatchSize
	if d.totalAvailablePermits > 0 && d.totalAvailablePermits < messagesToRead {
		messagesToRead = d.totalAvailablePermits
	}

	replay := d.getMessagesToReplayNowLocked(messagesToRead)
	if len(replay) > 0 {
		d.havePendingRead = true
		accepted := d.cursor.AsyncReplayEntries(replay, d.onEntriesRead)

		// Positions the cursor refused are gone from the log: already
		// acknowledged or trimmed. Forget them.
		if len(accepted) < len(replay) {
			acceptedSet := make(map[mledger.Position]struct{}, len(accepted))
			for _, pos := range accepted {
				acceptedSet[pos] = struct{}{}
			}
			for _, pos := range replay {
				if _, ok := acceptedSet[pos]; !ok {
					d.redelivery.Remove(pos)
					d.tracker.Remove(pos)
				}
			}
		}

		if len(accepted) == 0 {
			// Nothing was actually scheduled; fall through to a fresh
			// read.
			d.havePendingRead = false
			d.readMoreEntriesLocked()
		}
		return
	}

	d.havePendingRead = true
	d.cursor.AsyncReadEntries(messagesToRead, d.onEntriesRead)
}

// AsyncReplayEntries forwards positions to the cursor tagged as replays
// and returns the subset the cursor actually scheduled.
func (d *Dispatcher) AsyncReplayEntries(positions []mledger.Position) []mledger.Position {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.stopped || d.havePendingRead {
		return nil
	}
	accepted := d.cursor.AsyncReplayEntries(positions, d.onEntriesRead)
	if len(accepted) > 0 {
		d.havePendingRead = true
	}
	return accepted
}

// GetMessagesToReplayNow returns up to max positions pending redelivery,
// in log order. While the dispatcher is stuck on replays it returns
// nothing exactly once, clearing the latch, so the cursor advances to
// fresh entries instead of spinning on keys pinned to busy consumers.
func (d *Dispatcher) GetMessagesToReplayNow(max int) []mledger.Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getMessagesToReplayNowLocked(max)
}

func (d *Dispatcher) getMessagesToReplayNowLocked(max int) []mledger.Position {
	if d.stuckOnReplays {
		d.stuckOnReplays = false
		return nil
	}
	return d.redelivery.Items(max)
}

// onEntriesRead is the cursor callback for both fresh reads and replays.
func (d *Dispatcher) onEntriesRead(entries []*mledger.Entry, readType mledger.ReadType, err error) {
	d.mu.Lock()
	d.havePendingRead = false

	if err != nil {
		switch {
		case errors.Is(err, mledger.ErrCursorClosed), errors.Is(err, mledger.ErrLedgerTerminated):
			d.stopped = true
			d.logger.Info("dispatcher stopped reading", slog.Any("error", err))
		case errors.Is(err, mledger.ErrNoMoreEntries):
			// Caught up, or the cursor's unacked ceiling was reached;
			// the next ack, publish, flow or consumer change re-triggers
			// a read.
		default:
			d.logger.Warn("cursor read failed", slog.Any("error", err))
		}
		d.mu.Unlock()
		return
	}

	d.sendMessagesToConsumersLocked(readType, entries)
	d.mu.Unlock()
}

// sendMessagesToConsumersLocked is the core dispatch routine: partition a
// batch by consumer selection, apply the join barrier and permit caps,
// hand out what can be sent and defer the rest.
func (d *Dispatcher) sendMessagesToConsumersLocked(readType mledger.ReadType, entries []*mledger.Entry) {
	var totalMessagesSent int
	var totalBytesSent int64

	if len(entries) == 0 {
		d.readMoreEntriesLocked()
		return
	}

	if len(d.consumerSet) == 0 {
		for _, entry := range entries {
			entry.Release()
		}
		d.cursor.Rewind()
		return
	}

	grouped := d.grouped
	clear(grouped)

	for _, entry := range entries {
		c := d.selector.Select(entry.PeekStickyKey())
		if c == nil {
			// No owner for this key slot; defer until membership settles.
			d.redelivery.Add(entry.Position())
			entry.Release()
			continue
		}
		grouped[c] = append(grouped[c], entry)
	}

	var keyNumbers atomic.Int32
	keyNumbers.Store(int32(len(grouped)))

	for c, group := range grouped {
		groupCount := len(group)

		maxMessages := min(groupCount, c.AvailablePermits())
		sendable := d.entriesForConsumerLocked(c, group, maxMessages)
		messagesForC := len(sendable)

		d.logger.Debug("selected consumer for key group",
			slog.String("consumer", c.Name()),
			slog.Int("messages", messagesForC),
			slog.String("read_type", readType.String()))

		if messagesForC > 0 {
			// Remove replayed positions from the redelivery set before
			// the send: the transport recycles entries on completion.
			if readType == mledger.ReadReplay {
				for _, entry := range sendable {
					d.redelivery.Remove(entry.Position())
				}
			}

			batchSizes := make([]int, messagesForC)
			var bytesForC int64
			for i, entry := range sendable {
				batchSizes[i] = 1
				bytesForC += int64(entry.Len())
			}

			c.sendEntries(sendable, batchSizes, messagesForC, bytesForC, d.tracker, func(sendErr error) {
				if sendErr == nil && keyNumbers.Add(-1) == 0 {
					d.signalReadMore()
				}
				// A failed send means the consumer disconnected; its
				// entries come back through the unack-timeout replay
				// path. Nothing to retry here.
			})

			d.totalAvailablePermits -= messagesForC
			totalMessagesSent += messagesForC
			totalBytesSent += bytesForC
		}

		if messagesForC < groupCount {
			for _, entry := range group[messagesForC:] {
				d.redelivery.Add(entry.Position())
				entry.Release()
			}
			d.metrics.recordRedelivered(d.name, int64(groupCount-messagesForC))
		}
	}

	d.metrics.recordDispatched(d.name, int64(totalMessagesSent), totalBytesSent)

	// Charge dispatch permits for what was just delivered.
	if d.throttleNonBacklog || !d.cursor.IsActive() {
		if d.topicLimiter.IsPresent() {
			d.topicLimiter.TryDispatchPermit(int64(totalMessagesSent), totalBytesSent)
		}
		if d.subLimiter.IsPresent() {
			d.subLimiter.TryDispatchPermit(int64(totalMessagesSent), totalBytesSent)
		}
	}

	if totalMessagesSent == 0 && len(d.recentlyJoined) == 0 {
		// Every key in the batch routed to a consumer that cannot accept
		// messages right now. Reading ahead is safe because no
		// recently-joined consumer is waiting on the backlog to drain,
		// and the next batch may carry keys for less busy consumers.
		d.stuckOnReplays = true
		d.metrics.recordReplayStall(d.name)
		if d.events != nil {
			d.events.Notify(events.DispatcherStuck{
				SubscriptionName: d.name,
				PendingReplays:   d.redelivery.Len(),
			})
		}
		d.readMoreEntriesLocked()
	}
}

// entriesForConsumerLocked applies the join barrier: a recently-joined
// consumer only receives entries positioned strictly before its snapshot
// until the mark-delete position passes it.
func (d *Dispatcher) entriesForConsumerLocked(c *Consumer, entries []*mledger.Entry, maxMessages int) []*mledger.Entry {
	if maxMessages == 0 {
		return nil
	}

	barrier, joined := d.recentlyJoined[c]
	if !joined {
		return entries[:maxMessages]
	}

	markDelete := d.cursor.MarkDeletedPosition()
	if barrier.Compare(markDelete.Next()) <= 0 {
		// The pre-join backlog has fully drained; the gate opens.
		delete(d.recentlyJoined, c)
		return entries[:maxMessages]
	}

	// Entries arrive position-sorted within a group, so the first entry
	// at or past the barrier ends the sendable prefix.
	for i := 0; i < maxMessages; i++ {
		if entries[i].Position().Compare(barrier) >= 0 {
			return entries[:i]
		}
	}
	return entries[:maxMessages]
}

// RedeliveryBacklog reports how many positions await redelivery.
func (d *Dispatcher) RedeliveryBacklog() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.redelivery.Len()
}

// Close stops the read loop. In-flight sends drain on their own.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.done)
}
