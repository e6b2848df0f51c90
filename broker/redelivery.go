// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"

	"github.com/google/btree"

	"github.com/GerMoranOverstock/pulsar/mledger"
)

// RedeliverySet is the ordered set of positions awaiting re-dispatch.
// Positions are replayed in log order ahead of fresh reads; duplicates
// collapse. Mutated only under the dispatcher lock.
type RedeliverySet struct {
	tree *btree.BTreeG[mledger.Position]
}

func NewRedeliverySet() *RedeliverySet {
	return &RedeliverySet{
		tree: btree.NewG(8, func(a, b mledger.Position) bool { return a.Less(b) }),
	}
}

func (s *RedeliverySet) Add(pos mledger.Position) {
	s.tree.ReplaceOrInsert(pos)
}

func (s *RedeliverySet) Remove(pos mledger.Position) {
	s.tree.Delete(pos)
}

func (s *RedeliverySet) Contains(pos mledger.Position) bool {
	return s.tree.Has(pos)
}

func (s *RedeliverySet) Len() int {
	return s.tree.Len()
}

// Items returns up to max positions in ascending order without removing
// them.
func (s *RedeliverySet) Items(max int) []mledger.Position {
	if max <= 0 || s.tree.Len() == 0 {
		return nil
	}
	out := make([]mledger.Position, 0, min(max, s.tree.Len()))
	s.tree.Ascend(func(pos mledger.Position) bool {
		out = append(out, pos)
		return len(out) < max
	})
	return out
}

// RemoveUpTo drops every position <= bound. Keeps the invariant that the
// set never holds positions at or below the mark-delete position.
func (s *RedeliverySet) RemoveUpTo(bound mledger.Position) {
	var stale []mledger.Position
	s.tree.AscendLessThan(bound.Next(), func(pos mledger.Position) bool {
		stale = append(stale, pos)
		return true
	})
	for _, pos := range stale {
		s.tree.Delete(pos)
	}
}

// RedeliveryTracker counts how many times each position has been handed
// back for redelivery; the count rides along on sends so transports can
// stamp redelivery metadata.
type RedeliveryTracker struct {
	mu     sync.Mutex
	counts map[mledger.Position]int
}

func NewRedeliveryTracker() *RedeliveryTracker {
	return &RedeliveryTracker{counts: make(map[mledger.Position]int)}
}

// Incr records one more redelivery of pos and returns the new count.
func (t *RedeliveryTracker) Incr(pos mledger.Position) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[pos]++
	return t.counts[pos]
}

func (t *RedeliveryTracker) Count(pos mledger.Position) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[pos]
}

// Remove forgets pos once it has been acknowledged.
func (t *RedeliveryTracker) Remove(pos mledger.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, pos)
}
