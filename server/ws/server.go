// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ws serves the consumer transport over websocket. Clients
// subscribe with an initial frame, grant permits with flow frames and
// settle deliveries with ack and nack frames; dispatched entries stream
// back as message frames.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GerMoranOverstock/pulsar/broker"
	"github.com/GerMoranOverstock/pulsar/mledger"
)

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
}

// Frame is the wire unit in both directions.
type Frame struct {
	Type string `json:"type"`

	// subscribe
	Topic        string `json:"topic,omitempty"`
	Subscription string `json:"subscription,omitempty"`
	Consumer     string `json:"consumer,omitempty"`

	// subscribe, flow
	Permits int `json:"permits,omitempty"`

	// ack ("individual" or "cumulative"), nack, message
	Mode     string `json:"mode,omitempty"`
	LedgerID int64  `json:"ledger_id,omitempty"`
	EntryID  int64  `json:"entry_id,omitempty"`

	// message
	Key          string `json:"key,omitempty"`
	Payload      []byte `json:"payload,omitempty"`
	Redeliveries int    `json:"redeliveries,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

type Server struct {
	config   Config
	registry *broker.Registry
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

func New(cfg Config, registry *broker.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/consume"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		config:   cfg,
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("ws_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	session := &consumerSession{server: s, conn: conn, logger: s.logger}
	go session.run()
}

// consumerSession is one connected consumer: the websocket connection,
// its registration and the transport writing deliveries back.
type consumerSession struct {
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu  sync.Mutex
	sub      *broker.Subscription
	consumer *broker.Consumer
}

func (cs *consumerSession) run() {
	defer cs.close()

	// The first frame must subscribe.
	var first Frame
	if err := cs.conn.ReadJSON(&first); err != nil {
		return
	}
	if err := cs.subscribe(first); err != nil {
		cs.writeFrame(Frame{Type: "error", Error: err.Error()})
		return
	}

	for {
		var frame Frame
		if err := cs.conn.ReadJSON(&frame); err != nil {
			return
		}
		cs.handleFrame(frame)
	}
}

func (cs *consumerSession) subscribe(frame Frame) error {
	if frame.Type != "subscribe" {
		return fmt.Errorf("expected subscribe frame, got %q", frame.Type)
	}
	if frame.Topic == "" || frame.Subscription == "" {
		return fmt.Errorf("subscribe frame requires topic and subscription")
	}

	topic, err := cs.server.registry.GetOrCreateTopic(frame.Topic)
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe(frame.Subscription)
	if err != nil {
		return err
	}

	name := frame.Consumer
	if name == "" {
		name = cs.conn.RemoteAddr().String()
	}

	cs.sub = sub
	cs.consumer = broker.NewConsumer(name, &wsTransport{session: cs}, frame.Permits)
	sub.Dispatcher().AddConsumer(cs.consumer)

	cs.logger.Info("consumer subscribed",
		slog.String("topic", frame.Topic),
		slog.String("subscription", frame.Subscription),
		slog.String("consumer", name),
		slog.Int("permits", frame.Permits))
	return nil
}

func (cs *consumerSession) handleFrame(frame Frame) {
	switch frame.Type {
	case "flow":
		cs.sub.Dispatcher().Flow(cs.consumer, frame.Permits)

	case "ack":
		pos := mledger.Position{LedgerID: frame.LedgerID, EntryID: frame.EntryID}
		var err error
		if frame.Mode == "cumulative" {
			err = cs.sub.AckCumulative(pos)
		} else {
			err = cs.sub.AckIndividual(pos)
		}
		if err != nil {
			cs.logger.Warn("ack failed", slog.String("position", pos.String()), slog.Any("error", err))
		}

	case "nack":
		cs.sub.RedeliverUnacknowledged([]mledger.Position{{LedgerID: frame.LedgerID, EntryID: frame.EntryID}})

	default:
		cs.writeFrame(Frame{Type: "error", Error: fmt.Sprintf("unknown frame type %q", frame.Type)})
	}
}

func (cs *consumerSession) writeFrame(frame Frame) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	return cs.conn.WriteJSON(frame)
}

func (cs *consumerSession) close() {
	if cs.consumer != nil {
		cs.sub.Dispatcher().RemoveConsumer(cs.consumer)
	}
	_ = cs.conn.Close()
}

// wsTransport implements broker.Transport over the session's connection.
type wsTransport struct {
	session *consumerSession
}

func (t *wsTransport) ConsumerName() string {
	return t.session.consumer.Name()
}

// Send writes one message frame per entry and settles the completion with
// the write outcome. Entries are released after serialization either way.
func (t *wsTransport) Send(entries []*mledger.Entry, batchSizes []int, totalMessages int, totalBytes int64, tracker *broker.RedeliveryTracker, done func(error)) {
	frames := make([]Frame, len(entries))
	for i, entry := range entries {
		pos := entry.Position()
		frames[i] = Frame{
			Type:         "message",
			LedgerID:     pos.LedgerID,
			EntryID:      pos.EntryID,
			Key:          string(entry.PeekStickyKey()),
			Payload:      append([]byte(nil), entry.Body()...),
			Redeliveries: tracker.Count(pos),
		}
		entry.Release()
	}

	go func() {
		for _, frame := range frames {
			if err := t.session.writeFrame(frame); err != nil {
				done(err)
				return
			}
		}
		done(nil)
	}()
}

// MarshalFrame is a helper for clients and tests.
func MarshalFrame(frame Frame) ([]byte, error) {
	return json.Marshal(frame)
}
