// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GerMoranOverstock/pulsar/config"
	"github.com/GerMoranOverstock/pulsar/mledger"
)

// collectingTransport gathers delivered bodies per key for end-to-end
// assertions against the real cursor and hash ring.
type collectingTransport struct {
	mu       sync.Mutex
	name     string
	received []receivedEntry
}

type receivedEntry struct {
	pos  mledger.Position
	key  string
	body string
}

func (c *collectingTransport) Send(entries []*mledger.Entry, batchSizes []int, totalMessages int, totalBytes int64, tracker *RedeliveryTracker, done func(error)) {
	c.mu.Lock()
	for _, e := range entries {
		c.received = append(c.received, receivedEntry{
			pos:  e.Position(),
			key:  string(e.PeekStickyKey()),
			body: string(e.Body()),
		})
	}
	c.mu.Unlock()

	for _, e := range entries {
		e.Release()
	}
	done(nil)
}

func (c *collectingTransport) ConsumerName() string { return c.name }

func (c *collectingTransport) snapshot() []receivedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]receivedEntry, len(c.received))
	copy(out, c.received)
	return out
}

func testTopicConfig() config.Config {
	cfg := *config.DefaultConfig()
	cfg.Dispatch.ReadBatchSize = 10
	return cfg
}

func TestTopicEndToEndSingleConsumer(t *testing.T) {
	topic := NewTopic("orders", mledger.NewMemoryLog("orders", 0), testTopicConfig(), nil, nil)
	t.Cleanup(func() { _ = topic.Close() })

	sub, err := topic.Subscribe("workers")
	require.NoError(t, err)
	assert.Equal(t, KeyShared, sub.Dispatcher().Type())

	tr := &collectingTransport{name: "A"}
	a := NewConsumer("A", tr, 100)
	sub.Dispatcher().AddConsumer(a)

	for i := 0; i < 5; i++ {
		_, err := topic.Publish([]byte("k"), []byte(fmt.Sprintf("m-%d", i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(tr.snapshot()) == 5
	}, 5*time.Second, 10*time.Millisecond)

	received := tr.snapshot()
	for i, r := range received {
		assert.Equal(t, fmt.Sprintf("m-%d", i), r.body)
	}

	// Acks drain the backlog.
	require.NoError(t, sub.AckCumulative(received[4].pos))
	assert.Equal(t, int64(0), sub.Backlog())
}

func TestTopicEndToEndKeyOrdering(t *testing.T) {
	topic := NewTopic("orders", mledger.NewMemoryLog("orders", 0), testTopicConfig(), nil, nil)
	t.Cleanup(func() { _ = topic.Close() })

	sub, err := topic.Subscribe("workers")
	require.NoError(t, err)

	trA := &collectingTransport{name: "A"}
	trB := &collectingTransport{name: "B"}
	a := NewConsumer("A", trA, 100)
	b := NewConsumer("B", trB, 100)
	sub.Dispatcher().AddConsumer(a)
	sub.Dispatcher().AddConsumer(b)

	const total = 40
	keys := []string{"alpha", "beta", "gamma", "delta"}
	for i := 0; i < total; i++ {
		_, err := topic.Publish([]byte(keys[i%len(keys)]), []byte(fmt.Sprintf("m-%d", i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(trA.snapshot())+len(trB.snapshot()) == total
	}, 5*time.Second, 10*time.Millisecond)

	all := append(trA.snapshot(), trB.snapshot()...)

	// Each key lands on exactly one consumer, in position order.
	byKey := make(map[string][]receivedEntry)
	owner := make(map[string]string)
	for _, tr := range []*collectingTransport{trA, trB} {
		for _, r := range tr.snapshot() {
			if prev, ok := owner[r.key]; ok {
				assert.Equal(t, prev, tr.name, "key %s split across consumers", r.key)
			}
			owner[r.key] = tr.name
			byKey[r.key] = append(byKey[r.key], r)
		}
	}
	for key, rs := range byKey {
		for i := 1; i < len(rs); i++ {
			assert.True(t, rs[i-1].pos.Less(rs[i].pos), "key %s out of order", key)
		}
	}

	assert.Len(t, all, total)
}

func TestTopicSubscribeIdempotent(t *testing.T) {
	topic := NewTopic("orders", mledger.NewMemoryLog("orders", 0), testTopicConfig(), nil, nil)
	t.Cleanup(func() { _ = topic.Close() })

	first, err := topic.Subscribe("workers")
	require.NoError(t, err)
	second, err := topic.Subscribe("workers")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Same(t, first, topic.Subscription("workers"))
	assert.Nil(t, topic.Subscription("absent"))
}

func TestTopicPublishAfterTerminate(t *testing.T) {
	log := mledger.NewMemoryLog("orders", 0)
	topic := NewTopic("orders", log, testTopicConfig(), nil, nil)
	t.Cleanup(func() { _ = topic.Close() })

	log.Terminate()
	_, err := topic.Publish([]byte("k"), []byte("m"))
	assert.ErrorIs(t, err, mledger.ErrLedgerTerminated)
}
