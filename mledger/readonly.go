// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mledger

import (
	"log/slog"
	"sync"
)

// ReadOnlyCursor is a read cursor with frozen write state: it never
// acknowledges, keeps no persistent state and can be discarded at any
// time. Passive readers (peek tooling, backlog inspection) use it to walk
// a log without disturbing subscriptions.
type ReadOnlyCursor struct {
	mu sync.Mutex

	log     Log
	name    string
	readPos Position

	// Counts consumed entries, initialized to the negation of the entries
	// between the read position and the log tail. Forward consumption
	// drives it toward zero, so "has more to read" is just a sign check.
	messagesConsumedCounter int64

	state  State
	logger *slog.Logger
}

// NewReadOnlyCursor opens a read-only cursor at start. Passing Earliest
// positions it just past the log head.
func NewReadOnlyCursor(log Log, start Position, name string, logger *slog.Logger) *ReadOnlyCursor {
	if logger == nil {
		logger = slog.Default()
	}

	c := &ReadOnlyCursor{
		log:    log,
		name:   name,
		state:  StateNoLedger,
		logger: logger,
	}

	if start.Compare(Earliest) == 0 {
		c.readPos = log.FirstPosition().Next()
	} else {
		c.readPos = start
	}

	if log.LastPosition().Compare(c.readPos) <= 0 {
		c.messagesConsumedCounter = 0
	} else {
		c.messagesConsumedCounter = -log.NumberOfEntries(ClosedRange(c.readPos, log.LastPosition()))
	}

	return c
}

func (c *ReadOnlyCursor) Name() string { return c.name }

func (c *ReadOnlyCursor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReadPosition returns the next position to read.
func (c *ReadOnlyCursor) ReadPosition() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readPos
}

// HasMoreEntries reports whether unread entries remain.
func (c *ReadOnlyCursor) HasMoreEntries() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messagesConsumedCounter < 0
}

// ReadEntries returns up to max entries from the read position, advancing
// it. The caller owns the returned entries.
func (c *ReadOnlyCursor) ReadEntries(max int) ([]*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil, ErrCursorClosed
	}

	entries, err := c.log.ReadEntries(c.readPos, max)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoMoreEntries
	}

	c.readPos = entries[len(entries)-1].Position().Next()
	c.messagesConsumedCounter += int64(len(entries))
	if c.state == StateNoLedger {
		c.state = StateOpen
	}
	return entries, nil
}

// SkipEntries advances the read position by n entries, not counting the
// entry at the current position.
func (c *ReadOnlyCursor) SkipEntries(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("skipping entries on read-only cursor",
		slog.String("log", c.log.Name()),
		slog.String("cursor", c.name),
		slog.Int("entries", n))

	c.readPos = c.log.PositionAfterN(c.readPos, n, StartExcluded)
	c.messagesConsumedCounter += int64(n)
	if c.messagesConsumedCounter > 0 {
		c.messagesConsumedCounter = 0
	}
}

// Close marks the cursor closed and invokes done immediately; there is no
// state to flush.
func (c *ReadOnlyCursor) Close(done func()) {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	if done != nil {
		done()
	}
}
