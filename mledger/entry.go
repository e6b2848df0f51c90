// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mledger

import (
	"encoding/binary"

	"github.com/GerMoranOverstock/pulsar/core"
)

// NoneKey is the routing key reported for entries written without one, so
// keyless entries still hash to a stable consumer.
var NoneKey = []byte("NONE_KEY")

// Entry envelope layout: a big-endian uint16 key length, the key bytes,
// then the message body. The key is peekable without consuming the body.
const keyLenSize = 2

// Entry is a single record read from the managed log. It carries its
// Position and a reference-counted payload buffer. Exactly one party owns
// an entry at a time; an owner that does not forward the entry must
// Release it.
type Entry struct {
	pos     Position
	payload *core.RefCountedBuffer
}

// NewEntry wraps an envelope buffer read from the log. The entry takes
// over the caller's reference.
func NewEntry(pos Position, payload *core.RefCountedBuffer) *Entry {
	return &Entry{pos: pos, payload: payload}
}

// EncodeEnvelope builds the on-log envelope for a key and body.
func EncodeEnvelope(key, body []byte) []byte {
	buf := make([]byte, keyLenSize+len(key)+len(body))
	binary.BigEndian.PutUint16(buf, uint16(len(key)))
	copy(buf[keyLenSize:], key)
	copy(buf[keyLenSize+len(key):], body)
	return buf
}

// Position returns the entry's log coordinate.
func (e *Entry) Position() Position {
	return e.pos
}

// PeekStickyKey returns the routing key without consuming the payload.
// Entries written without a key report NoneKey.
func (e *Entry) PeekStickyKey() []byte {
	data := e.payload.Bytes()
	if len(data) < keyLenSize {
		return NoneKey
	}
	n := int(binary.BigEndian.Uint16(data))
	if n == 0 || keyLenSize+n > len(data) {
		return NoneKey
	}
	return data[keyLenSize : keyLenSize+n]
}

// Body returns the message body following the key prefix.
func (e *Entry) Body() []byte {
	data := e.payload.Bytes()
	if len(data) < keyLenSize {
		return nil
	}
	n := int(binary.BigEndian.Uint16(data))
	if keyLenSize+n > len(data) {
		return data[keyLenSize:]
	}
	return data[keyLenSize+n:]
}

// Len returns the envelope size in bytes.
func (e *Entry) Len() int {
	return e.payload.Len()
}

// Buffer exposes the raw envelope buffer.
func (e *Entry) Buffer() *core.RefCountedBuffer {
	return e.payload
}

// Retain adds a reference for a new owner.
func (e *Entry) Retain() {
	e.payload.Retain()
}

// Release drops the owner's reference.
func (e *Entry) Release() {
	e.payload.Release()
}
