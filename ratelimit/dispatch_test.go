// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDispatchRateLimiterAbsent(t *testing.T) {
	var nilLimiter *DispatchRateLimiter
	assert.False(t, nilLimiter.IsPresent())
	assert.True(t, nilLimiter.TryDispatchPermit(100, 100))

	unlimited := NewDispatchRateLimiter(0, 0)
	assert.False(t, unlimited.IsPresent())
	assert.True(t, unlimited.TryDispatchPermit(1<<20, 1<<30))
}

func TestDispatchRateLimiterMessages(t *testing.T) {
	l := NewDispatchRateLimiter(10, 0)
	assert.True(t, l.IsPresent())

	frozen := time.Now()
	nowFn = func() time.Time { return frozen }
	defer func() { nowFn = time.Now }()

	assert.True(t, l.TryDispatchPermit(10, 0))
	// Bucket drained and the clock is frozen: nothing refills.
	assert.False(t, l.TryDispatchPermit(1, 0))
	assert.False(t, l.HasPermits())

	// A second later the bucket refills.
	nowFn = func() time.Time { return frozen.Add(time.Second) }
	assert.True(t, l.TryDispatchPermit(5, 0))
}

func TestDispatchRateLimiterBytes(t *testing.T) {
	l := NewDispatchRateLimiter(0, 1024)

	frozen := time.Now()
	nowFn = func() time.Time { return frozen }
	defer func() { nowFn = time.Now }()

	assert.True(t, l.TryDispatchPermit(3, 1024))
	assert.False(t, l.TryDispatchPermit(3, 1))
}
