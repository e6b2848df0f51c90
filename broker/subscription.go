// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"

	"github.com/GerMoranOverstock/pulsar/mledger"
)

// Subscription binds a cursor to its Key_Shared dispatcher and carries
// the acknowledgement surface. Individual acks delete single positions;
// cumulative acks advance the mark-delete position wholesale. Both feed
// the dispatcher's acknowledgement hook so gated consumers unblock.
type Subscription struct {
	name       string
	topic      string
	cursor     mledger.ManagedCursor
	dispatcher *Dispatcher
	store      mledger.CursorPositionStore
	logger     *slog.Logger
}

// NewSubscription wires an existing cursor and dispatcher together.
func NewSubscription(name, topic string, cursor mledger.ManagedCursor, dispatcher *Dispatcher, logger *slog.Logger) *Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscription{
		name:       name,
		topic:      topic,
		cursor:     cursor,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (s *Subscription) Name() string { return s.name }

func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) Dispatcher() *Dispatcher { return s.dispatcher }

func (s *Subscription) Cursor() mledger.ManagedCursor { return s.cursor }

// SetCursorStore enables mark-delete persistence through store.
func (s *Subscription) SetCursorStore(store mledger.CursorPositionStore) {
	s.store = store
}

// AckIndividual acknowledges a single position.
func (s *Subscription) AckIndividual(pos mledger.Position) error {
	if err := s.cursor.Delete(pos); err != nil {
		return err
	}
	s.dispatcher.tracker.Remove(pos)
	s.persistMarkDelete()
	s.dispatcher.OnAcknowledgementProcessed()
	return nil
}

// AckCumulative acknowledges every position up to and including pos.
func (s *Subscription) AckCumulative(pos mledger.Position) error {
	if err := s.cursor.MarkDelete(pos); err != nil {
		return err
	}
	s.persistMarkDelete()
	s.dispatcher.OnAcknowledgementProcessed()
	return nil
}

func (s *Subscription) persistMarkDelete() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveCursorPosition(s.name, s.cursor.MarkDeletedPosition()); err != nil {
		s.logger.Warn("failed to persist mark-delete position",
			slog.String("subscription", s.name), slog.Any("error", err))
	}
}

// RedeliverUnacknowledged queues positions a consumer gave back (negative
// ack or unack timeout) for replay.
func (s *Subscription) RedeliverUnacknowledged(positions []mledger.Position) {
	s.dispatcher.AddToRedelivery(positions...)
}

// Backlog reports the entries between the first unacknowledged message
// and the read position.
func (s *Subscription) Backlog() int64 {
	return s.cursor.NumberOfEntriesSinceFirstNotAckedMessage()
}
