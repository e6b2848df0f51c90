// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GerMoranOverstock/pulsar/mledger"
)

func TestSubscriptionAckIndividual(t *testing.T) {
	log := mledger.NewMemoryLog("topic-a", 0)
	var positions []mledger.Position
	for i := 0; i < 3; i++ {
		p, err := log.AddEntry([]byte("k"), []byte("m"))
		require.NoError(t, err)
		positions = append(positions, p)
	}

	cursor := mledger.NewCursor(log, "sub", 0)
	d := NewDispatcher("sub", cursor, newMapSelector(), DispatcherOptions{})
	t.Cleanup(d.Close)
	sub := NewSubscription("sub", "topic-a", cursor, d, nil)

	d.tracker.Incr(positions[1])

	require.NoError(t, sub.AckIndividual(positions[1]))
	// Hole at positions[0]: mark-delete stays put.
	assert.Equal(t, mledger.Position{LedgerID: 1, EntryID: -1}, cursor.MarkDeletedPosition())
	assert.Equal(t, 0, d.tracker.Count(positions[1]))

	require.NoError(t, sub.AckIndividual(positions[0]))
	assert.Equal(t, positions[1], cursor.MarkDeletedPosition())
}

func TestSubscriptionAckCumulative(t *testing.T) {
	log := mledger.NewMemoryLog("topic-a", 0)
	var positions []mledger.Position
	for i := 0; i < 3; i++ {
		p, err := log.AddEntry([]byte("k"), []byte("m"))
		require.NoError(t, err)
		positions = append(positions, p)
	}

	cursor := mledger.NewCursor(log, "sub", 0)
	d := NewDispatcher("sub", cursor, newMapSelector(), DispatcherOptions{})
	t.Cleanup(d.Close)
	sub := NewSubscription("sub", "topic-a", cursor, d, nil)

	require.NoError(t, sub.AckCumulative(positions[2]))
	assert.Equal(t, positions[2], cursor.MarkDeletedPosition())
	assert.Equal(t, int64(0), sub.Backlog())
}

func TestSubscriptionRedeliverUnacknowledged(t *testing.T) {
	log := mledger.NewMemoryLog("topic-a", 0)
	p, err := log.AddEntry([]byte("k"), []byte("m"))
	require.NoError(t, err)

	cursor := mledger.NewCursor(log, "sub", 0)
	d := NewDispatcher("sub", cursor, newMapSelector(), DispatcherOptions{})
	t.Cleanup(d.Close)
	sub := NewSubscription("sub", "topic-a", cursor, d, nil)

	sub.RedeliverUnacknowledged([]mledger.Position{p})
	assert.Equal(t, 1, d.RedeliveryBacklog())
	assert.Equal(t, 1, d.tracker.Count(p))
}
