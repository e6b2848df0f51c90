// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package source defines the ingress contract: pluggable sources deliver
// externally produced records into processing, with acknowledgement
// semantics driven by the configured processing guarantee.
package source

import (
	"context"
)

// Record is one message pushed by a source. Ack settles the record with
// the upstream system; Fail gives it back. Under effectively-once, Ack is
// cumulative and Fail is fatal; under weaker guarantees Ack is individual
// and Fail is a no-op, leaving redelivery to the unack timeout.
type Record struct {
	Payload []byte
	Topic   string
	Ack     func()
	Fail    func()
}

// Handler consumes records as the source produces them.
type Handler func(Record)

// Source is a pluggable record ingress.
type Source interface {
	// Open starts delivery; records flow to the handler given at
	// construction until Close.
	Open(ctx context.Context) error

	// InputTopics returns the resolved input topics, with pattern
	// subscriptions expanded to the topics they matched.
	InputTopics() []string

	Close() error
}
