// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/crosstalk-foundation/crosstalk/lib/clock"
)

// Default throttling parameters. Generous on purpose: the limiter
// guards against runaway loops, not normal agent traffic.
const (
	// DefaultRatePerSecond is the sustained refill rate.
	DefaultRatePerSecond = 200.0

	// DefaultBurst is the bucket capacity.
	DefaultBurst = 1000.0
)

// Result reports the outcome of a detailed acquisition attempt.
type Result struct {
	// Allowed is true when a token was consumed.
	Allowed bool

	// Remaining is the token count left in the bucket after this
	// attempt.
	Remaining float64

	// RetryAfter is the time until at least one token will be
	// available, rounded up to the millisecond. Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter is the throttling interface consumed by connections. Both
// the real token bucket and the no-op variant implement it.
type Limiter interface {
	// TryAcquire consumes one token for identity if available.
	TryAcquire(identity string) bool

	// TryAcquireWithResult is TryAcquire with the denial detail needed
	// to build a retry-after hint.
	TryAcquireWithResult(identity string) Result

	// Remaining reports the current token count for identity without
	// consuming anything.
	Remaining(identity string) float64

	// Reset restores identity's bucket to a full burst.
	Reset(identity string)

	// ResetAll drops every bucket.
	ResetAll()

	// Cleanup evicts buckets untouched for longer than maxAge and
	// returns the eviction count. Run periodically to bound memory
	// under high agent churn.
	Cleanup(maxAge time.Duration) int
}

// bucket is the per-identity throttling state. Tokens are fractional:
// the deficit below 1.0 is what the retry-after computation is built
// from.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// BucketLimiter is a token-bucket Limiter shared by every connection
// in the daemon. Buckets are created lazily on first sight of an
// identity, initialized to a full burst.
//
// One mutex guards the bucket map. Identities are independent, but at
// local-daemon connection counts a single lock is far below contention
// concern; the critical section is a few float operations.
type BucketLimiter struct {
	ratePerSecond float64
	burst         float64
	clock         clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

var _ Limiter = (*BucketLimiter)(nil)

// New returns a BucketLimiter with the given sustained rate and burst
// capacity. Non-positive arguments select the defaults.
func New(ratePerSecond, burst float64, clk clock.Clock) *BucketLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultRatePerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &BucketLimiter{
		ratePerSecond: ratePerSecond,
		burst:         burst,
		clock:         clk,
		buckets:       make(map[string]*bucket),
	}
}

// TryAcquire consumes one token for identity if available.
func (l *BucketLimiter) TryAcquire(identity string) bool {
	return l.TryAcquireWithResult(identity).Allowed
}

// TryAcquireWithResult refills identity's bucket by elapsed time, then
// attempts to consume one token. On denial, RetryAfter is
// (1 - tokens) / rate rounded up to the millisecond.
func (l *BucketLimiter) TryAcquireWithResult(identity string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refillLocked(identity)
	if b.tokens >= 1 {
		b.tokens--
		return Result{Allowed: true, Remaining: b.tokens}
	}

	deficitSeconds := (1 - b.tokens) / l.ratePerSecond
	retryMillis := math.Ceil(deficitSeconds * 1000)
	return Result{
		Allowed:    false,
		Remaining:  b.tokens,
		RetryAfter: time.Duration(retryMillis) * time.Millisecond,
	}
}

// Remaining reports identity's current token count after refill,
// without consuming.
func (l *BucketLimiter) Remaining(identity string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refillLocked(identity).tokens
}

// Reset restores identity's bucket to a full burst.
func (l *BucketLimiter) Reset(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[identity] = &bucket{tokens: l.burst, lastRefill: l.clock.Now()}
}

// ResetAll drops every bucket; each identity starts fresh on next
// sight.
func (l *BucketLimiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}

// Cleanup evicts buckets whose last refill is older than maxAge and
// returns how many were evicted. An evicted identity restarts with a
// full burst, which is the correct outcome for an agent idle that
// long.
func (l *BucketLimiter) Cleanup(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-maxAge)
	evicted := 0
	for identity, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, identity)
			evicted++
		}
	}
	return evicted
}

// refillLocked returns identity's bucket with tokens topped up for
// elapsed time, capped at burst. Creates the bucket (full) on first
// sight. Caller holds l.mu.
func (l *BucketLimiter) refillLocked(identity string) *bucket {
	now := l.clock.Now()
	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{tokens: l.burst, lastRefill: now}
		l.buckets[identity] = b
		return b
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens = math.Min(l.burst, b.tokens+elapsed.Seconds()*l.ratePerSecond)
	}
	b.lastRefill = now
	return b
}

// NoopLimiter always allows. It exists so deployments that disable
// throttling use the same call sites as everyone else.
type NoopLimiter struct{}

var _ Limiter = NoopLimiter{}

func (NoopLimiter) TryAcquire(string) bool { return true }

func (NoopLimiter) TryAcquireWithResult(string) Result {
	return Result{Allowed: true, Remaining: math.Inf(1)}
}

func (NoopLimiter) Remaining(string) float64 { return math.Inf(1) }

func (NoopLimiter) Reset(string) {}

func (NoopLimiter) ResetAll() {}

func (NoopLimiter) Cleanup(time.Duration) int { return 0 }
