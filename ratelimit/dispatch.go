// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Clock hook for tests.
var nowFn = time.Now

// DispatchRateLimiter throttles message dispatch with two token buckets,
// one counted in messages and one in bytes. Either bucket may be absent.
// Acquisition is best-effort and non-blocking: dispatch already happened
// when permits are taken, so an empty bucket is only reported, never
// waited on. HasPermits lets a caller check the buckets beforehand.
type DispatchRateLimiter struct {
	msgLimiter  *rate.Limiter
	byteLimiter *rate.Limiter
}

// NewDispatchRateLimiter creates a limiter from per-second rates. A rate
// <= 0 leaves that dimension unlimited; if both are <= 0 the limiter is
// absent (IsPresent reports false).
func NewDispatchRateLimiter(msgsPerSecond, bytesPerSecond float64) *DispatchRateLimiter {
	l := &DispatchRateLimiter{}
	if msgsPerSecond > 0 {
		l.msgLimiter = rate.NewLimiter(rate.Limit(msgsPerSecond), int(msgsPerSecond))
	}
	if bytesPerSecond > 0 {
		l.byteLimiter = rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
	}
	return l
}

// IsPresent reports whether any throttling is configured.
func (l *DispatchRateLimiter) IsPresent() bool {
	return l != nil && (l.msgLimiter != nil || l.byteLimiter != nil)
}

// TryDispatchPermit takes permits for msgCount messages and byteCount
// bytes. Returns false when either bucket ran dry; the permits that could
// be taken stay taken.
func (l *DispatchRateLimiter) TryDispatchPermit(msgCount, byteCount int64) bool {
	if !l.IsPresent() {
		return true
	}

	ok := true
	if l.msgLimiter != nil && msgCount > 0 {
		ok = l.msgLimiter.AllowN(nowFn(), int(msgCount)) && ok
	}
	if l.byteLimiter != nil && byteCount > 0 {
		ok = l.byteLimiter.AllowN(nowFn(), int(byteCount)) && ok
	}
	return ok
}

// HasPermits reports whether both buckets currently hold at least one
// token.
func (l *DispatchRateLimiter) HasPermits() bool {
	if !l.IsPresent() {
		return true
	}
	if l.msgLimiter != nil && l.msgLimiter.Tokens() < 1 {
		return false
	}
	if l.byteLimiter != nil && l.byteLimiter.Tokens() < 1 {
		return false
	}
	return true
}
