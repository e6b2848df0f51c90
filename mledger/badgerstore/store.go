// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badgerstore implements the managed entry log over BadgerDB.
// Entries are keyed by position so iteration order is log order; payloads
// are optionally zstd-compressed.
package badgerstore

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/GerMoranOverstock/pulsar/core"
	"github.com/GerMoranOverstock/pulsar/mledger"
)

// Value encoding: a 1-byte compression tag, then the envelope.
const (
	compressionNone byte = 0
	compressionZstd byte = 1
)

var (
	entryPrefix  = []byte("e/")
	cursorPrefix = []byte("c/")
	metaTermKey  = []byte("m/terminated")
)

// Options tunes a Log.
type Options struct {
	// Dir is the badger directory.
	Dir string
	// MaxEntriesPerLedger bounds ledger length before rollover; values
	// < 1 mean a single unbounded ledger.
	MaxEntriesPerLedger int64
	// Compression enables zstd compression of stored envelopes.
	Compression bool
	// InMemory runs badger without files. Test hook.
	InMemory bool

	Logger *slog.Logger
}

// Log is a durable mledger.Log. It also persists cursor mark-delete
// positions so subscriptions survive restarts; the redelivery set is
// rebuilt from the gap between mark-delete and read position.
type Log struct {
	mu sync.Mutex

	name string
	db   *badger.DB

	ledgerID     int64
	ledgerSize   int64
	firstLed     int64
	count        int64
	maxPerLedger int64
	terminated   bool
	closed       bool

	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder

	pool   *core.BufferPool
	logger *slog.Logger
}

// Open opens or creates the log for topic name under opts.Dir.
func Open(name string, opts Options) (*Log, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxEntriesPerLedger < 1 {
		opts.MaxEntriesPerLedger = 1 << 62
	}

	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", opts.Dir, err)
	}

	l := &Log{
		name:     name,
		db:       db,
		ledgerID: 1,
		firstLed: 1,
		compress: opts.Compression,
		pool:     core.DefaultBufferPool,
		logger:   opts.Logger.With(slog.String("log", name)),
	}

	if opts.Compression {
		if l.encoder, err = zstd.NewWriter(nil); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	// Stored data may be compressed regardless of the current setting.
	if l.decoder, err = zstd.NewReader(nil); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	if err := l.recoverState(); err != nil {
		_ = db.Close()
		return nil, err
	}

	l.maxPerLedger = opts.MaxEntriesPerLedger
	return l, nil
}

// recoverState rebuilds the write state from the stored keys.
func (l *Log) recoverState() error {
	return l.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(metaTermKey); err == nil {
			l.terminated = true
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: entryPrefix})
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return nil
		}
		first := decodeEntryKey(it.Item().Key())
		l.firstLed = first.LedgerID

		// Walk to the last entry key; badger has no reverse-prefix seek
		// without a full reverse iterator, and recovery runs once.
		var last mledger.Position
		var count int64
		for ; it.Valid(); it.Next() {
			last = decodeEntryKey(it.Item().Key())
			count++
		}

		l.ledgerID = last.LedgerID
		l.ledgerSize = last.EntryID + 1
		l.count = count
		l.logger.Info("recovered entry log",
			slog.Int64("entries", count),
			slog.String("last", last.String()))
		return nil
	})
}

func (l *Log) Name() string { return l.name }

func encodeEntryKey(pos mledger.Position) []byte {
	// Before-first markers carry -1 coordinates; clamp them so seeks land
	// at the start instead of wrapping past every stored key.
	ledger, entry := pos.LedgerID, pos.EntryID
	if ledger < 0 {
		ledger, entry = 0, 0
	}
	if entry < 0 {
		entry = 0
	}
	key := make([]byte, len(entryPrefix)+16)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], uint64(ledger))
	binary.BigEndian.PutUint64(key[len(entryPrefix)+8:], uint64(entry))
	return key
}

func decodeEntryKey(key []byte) mledger.Position {
	off := len(entryPrefix)
	return mledger.Position{
		LedgerID: int64(binary.BigEndian.Uint64(key[off:])),
		EntryID:  int64(binary.BigEndian.Uint64(key[off+8:])),
	}
}

func (l *Log) encodeValue(envelope []byte) []byte {
	if !l.compress {
		return append([]byte{compressionNone}, envelope...)
	}
	out := make([]byte, 1, len(envelope)/2+1)
	out[0] = compressionZstd
	return l.encoder.EncodeAll(envelope, out)
}

func (l *Log) decodeValue(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("empty stored value")
	}
	switch value[0] {
	case compressionNone:
		return value[1:], nil
	case compressionZstd:
		return l.decoder.DecodeAll(value[1:], nil)
	default:
		return nil, fmt.Errorf("unknown compression tag %d", value[0])
	}
}

func (l *Log) AddEntry(key, body []byte) (mledger.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return mledger.Position{}, mledger.ErrLedgerClosed
	}
	if l.terminated {
		return mledger.Position{}, mledger.ErrLedgerTerminated
	}

	if l.ledgerSize >= l.maxPerLedger {
		l.ledgerID++
		l.ledgerSize = 0
	}

	pos := mledger.Position{LedgerID: l.ledgerID, EntryID: l.ledgerSize}
	value := l.encodeValue(mledger.EncodeEnvelope(key, body))

	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeEntryKey(pos), value)
	})
	if err != nil {
		return mledger.Position{}, fmt.Errorf("failed to store entry %s: %w", pos, err)
	}

	l.ledgerSize++
	l.count++
	return pos, nil
}

func (l *Log) ReadEntries(from mledger.Position, max int) ([]*mledger.Entry, error) {
	var out []*mledger.Entry

	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: entryPrefix})
		defer it.Close()

		for it.Seek(encodeEntryKey(from)); it.Valid() && len(out) < max; it.Next() {
			item := it.Item()
			pos := decodeEntryKey(item.Key())
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			envelope, err := l.decodeValue(value)
			if err != nil {
				return err
			}
			out = append(out, mledger.NewEntry(pos, l.pool.GetWithData(envelope)))
		}
		return nil
	})
	if err != nil {
		for _, e := range out {
			e.Release()
		}
		return nil, err
	}
	return out, nil
}

func (l *Log) GetEntry(pos mledger.Position) (*mledger.Entry, error) {
	var entry *mledger.Entry

	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeEntryKey(pos))
		if err == badger.ErrKeyNotFound {
			return mledger.ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		envelope, err := l.decodeValue(value)
		if err != nil {
			return err
		}
		entry = mledger.NewEntry(pos, l.pool.GetWithData(envelope))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *Log) HasEntry(pos mledger.Position) bool {
	err := l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(encodeEntryKey(pos))
		return err
	})
	return err == nil
}

func (l *Log) FirstPosition() mledger.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return mledger.Position{LedgerID: l.firstLed, EntryID: -1}
}

func (l *Log) LastPosition() mledger.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return mledger.Position{LedgerID: l.firstLed, EntryID: -1}
	}
	return mledger.Position{LedgerID: l.ledgerID, EntryID: l.ledgerSize - 1}
}

func (l *Log) NextValidPosition(p mledger.Position) mledger.Position {
	var next mledger.Position
	found := false

	_ = l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: entryPrefix})
		defer it.Close()
		it.Seek(encodeEntryKey(p))
		if it.Valid() {
			next = decodeEntryKey(it.Item().Key())
			found = true
		}
		return nil
	})

	if found {
		return next
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return mledger.Position{LedgerID: l.ledgerID, EntryID: l.ledgerSize}
}

func (l *Log) PositionAfterN(start mledger.Position, n int, bound mledger.PositionBound) mledger.Position {
	var result mledger.Position
	found := false

	_ = l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: entryPrefix})
		defer it.Close()

		remaining := n
		for it.Seek(encodeEntryKey(start)); it.Valid(); it.Next() {
			pos := decodeEntryKey(it.Item().Key())
			if pos.Compare(start) == 0 && bound == mledger.StartExcluded {
				continue
			}
			remaining--
			if remaining == 0 {
				result = pos
				found = true
				return nil
			}
		}
		return nil
	})

	if found {
		return result
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return mledger.Position{LedgerID: l.ledgerID, EntryID: l.ledgerSize}
}

func (l *Log) NumberOfEntries(r mledger.Range) int64 {
	var count int64

	_ = l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: entryPrefix})
		defer it.Close()

		for it.Seek(encodeEntryKey(r.Lower)); it.Valid(); it.Next() {
			pos := decodeEntryKey(it.Item().Key())
			if r.Upper.Less(pos) {
				return nil
			}
			count++
		}
		return nil
	})
	return count
}

func (l *Log) Terminate() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.terminated = true
	if err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaTermKey, []byte{1})
	}); err != nil {
		l.logger.Warn("failed to persist terminated marker", slog.Any("error", err))
	}
}

func (l *Log) IsTerminated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminated
}

// SaveCursorPosition persists a cursor's mark-delete position.
func (l *Log) SaveCursorPosition(cursor string, pos mledger.Position) error {
	key := append(append([]byte{}, cursorPrefix...), cursor...)
	value := make([]byte, 16)
	binary.BigEndian.PutUint64(value, uint64(pos.LedgerID))
	binary.BigEndian.PutUint64(value[8:], uint64(pos.EntryID))

	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// LoadCursorPosition returns a previously saved mark-delete position.
func (l *Log) LoadCursorPosition(cursor string) (mledger.Position, bool, error) {
	key := append(append([]byte{}, cursorPrefix...), cursor...)

	var pos mledger.Position
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		pos.LedgerID = int64(binary.BigEndian.Uint64(value))
		pos.EntryID = int64(binary.BigEndian.Uint64(value[8:]))
		found = true
		return nil
	})
	return pos, found, err
}

func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.encoder != nil {
		l.encoder.Close()
	}
	if l.decoder != nil {
		l.decoder.Close()
	}
	return l.db.Close()
}
