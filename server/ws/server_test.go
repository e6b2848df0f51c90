// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GerMoranOverstock/pulsar/broker"
	"github.com/GerMoranOverstock/pulsar/config"
	"github.com/GerMoranOverstock/pulsar/mledger"
)

func startTestServer(t *testing.T) (*broker.Registry, *websocket.Conn) {
	t.Helper()

	cfg := *config.DefaultConfig()
	registry := broker.NewRegistry(func(name string) (mledger.Log, error) {
		return mledger.NewMemoryLog(name, 0), nil
	}, cfg, nil, nil)
	t.Cleanup(registry.Close)

	srv := New(Config{Path: "/consume"}, registry, nil)
	httpSrv := httptest.NewServer(srv.server.Handler)
	t.Cleanup(httpSrv.Close)

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/consume"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return registry, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWSConsumerReceivesMessages(t *testing.T) {
	registry, conn := startTestServer(t)

	require.NoError(t, conn.WriteJSON(Frame{
		Type:         "subscribe",
		Topic:        "orders",
		Subscription: "workers",
		Consumer:     "A",
		Permits:      10,
	}))

	topic, err := registry.GetOrCreateTopic("orders")
	require.NoError(t, err)

	// The consumer registers asynchronously with the connection loop.
	sub := topic.Subscription("workers")
	require.Eventually(t, func() bool {
		sub = topic.Subscription("workers")
		return sub != nil && sub.Dispatcher().ConsumerCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = topic.Publish([]byte("alpha"), []byte("hello"))
	require.NoError(t, err)

	frame := readFrame(t, conn)
	assert.Equal(t, "message", frame.Type)
	assert.Equal(t, "alpha", frame.Key)
	assert.Equal(t, []byte("hello"), frame.Payload)

	// Individual ack drains the backlog.
	require.NoError(t, conn.WriteJSON(Frame{
		Type:     "ack",
		LedgerID: frame.LedgerID,
		EntryID:  frame.EntryID,
	}))
	require.Eventually(t, func() bool {
		return sub.Backlog() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWSFlowGrantsPermits(t *testing.T) {
	registry, conn := startTestServer(t)

	require.NoError(t, conn.WriteJSON(Frame{
		Type:         "subscribe",
		Topic:        "orders",
		Subscription: "workers",
		Consumer:     "A",
		Permits:      0,
	}))

	topic, err := registry.GetOrCreateTopic("orders")
	require.NoError(t, err)
	var sub *broker.Subscription
	require.Eventually(t, func() bool {
		sub = topic.Subscription("workers")
		return sub != nil && sub.Dispatcher().ConsumerCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// No permits: nothing is dispatched.
	_, err = topic.Publish([]byte("k"), []byte("m"))
	require.NoError(t, err)
	require.Equal(t, 0, sub.Dispatcher().TotalAvailablePermits())

	require.NoError(t, conn.WriteJSON(Frame{Type: "flow", Permits: 5}))

	frame := readFrame(t, conn)
	assert.Equal(t, "message", frame.Type)
	assert.Equal(t, []byte("m"), frame.Payload)
}

func TestWSSubscribeRequired(t *testing.T) {
	_, conn := startTestServer(t)

	require.NoError(t, conn.WriteJSON(Frame{Type: "flow", Permits: 1}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
}

func TestWSDisconnectRemovesConsumer(t *testing.T) {
	registry, conn := startTestServer(t)

	require.NoError(t, conn.WriteJSON(Frame{
		Type:         "subscribe",
		Topic:        "orders",
		Subscription: "workers",
		Consumer:     "A",
		Permits:      1,
	}))

	topic, err := registry.GetOrCreateTopic("orders")
	require.NoError(t, err)
	var sub *broker.Subscription
	require.Eventually(t, func() bool {
		sub = topic.Subscription("workers")
		return sub != nil && sub.Dispatcher().ConsumerCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return sub.Dispatcher().ConsumerCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
