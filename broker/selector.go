// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// StickyKeySelector maps a sticky key to the live consumer owning its hash
// slot. Select is safe to call concurrently; AddConsumer and
// RemoveConsumer are called under the dispatcher lock while membership
// changes.
type StickyKeySelector interface {
	Select(key []byte) *Consumer
	AddConsumer(c *Consumer)
	RemoveConsumer(c *Consumer)
}

// Number of virtual ring points per consumer. More points spread slots
// more evenly at the cost of a larger ring.
const defaultRingPoints = 100

// HashRingSelector is a consistent-hashing StickyKeySelector. A membership
// change only perturbs the slots owned by the added or removed consumer.
type HashRingSelector struct {
	mu sync.RWMutex

	points int
	ring   map[uint64]*Consumer
	sorted []uint64
}

// NewHashRingSelector creates a selector with pointsPerConsumer virtual
// points; values < 1 use the default.
func NewHashRingSelector(pointsPerConsumer int) *HashRingSelector {
	if pointsPerConsumer < 1 {
		pointsPerConsumer = defaultRingPoints
	}
	return &HashRingSelector{
		points: pointsPerConsumer,
		ring:   make(map[uint64]*Consumer),
	}
}

// Select returns the consumer owning key's hash slot: the first ring point
// at or after the key hash, wrapping at the top. Returns nil when the ring
// is empty.
func (s *HashRingSelector) Select(key []byte) *Consumer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.sorted) == 0 {
		return nil
	}

	h := xxhash.Sum64(key)
	idx := sort.Search(len(s.sorted), func(i int) bool { return s.sorted[i] >= h })
	if idx == len(s.sorted) {
		idx = 0
	}
	return s.ring[s.sorted[idx]]
}

func (s *HashRingSelector) AddConsumer(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.points; i++ {
		point := s.pointHash(c, i)
		if _, taken := s.ring[point]; taken {
			// Collision: the earlier consumer keeps the point.
			continue
		}
		s.ring[point] = c
		s.sorted = append(s.sorted, point)
	}
	sort.Slice(s.sorted, func(i, j int) bool { return s.sorted[i] < s.sorted[j] })
}

func (s *HashRingSelector) RemoveConsumer(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.sorted[:0]
	for _, point := range s.sorted {
		if s.ring[point] == c {
			delete(s.ring, point)
			continue
		}
		kept = append(kept, point)
	}
	s.sorted = kept
}

func (s *HashRingSelector) pointHash(c *Consumer, i int) uint64 {
	var d xxhash.Digest
	d.Reset()
	d.WriteString(c.ID())
	d.WriteString("#")
	d.WriteString(strconv.Itoa(i))
	return d.Sum64()
}
