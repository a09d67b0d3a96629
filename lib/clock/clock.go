// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code injects
// Real(); tests inject NewFake() and advance time explicitly. Heartbeat
// expiry and rate-limiter refill are both pure functions of the injected
// clock, so liveness and throttling tests run in microseconds with no
// real sleeping.
package clock

import "time"

// Clock is the time source used by every Crosstalk component that reads
// the current time or schedules work. Production functions that would
// otherwise call time.Now, time.After, time.AfterFunc, or
// time.NewTicker take a Clock instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after d. The returned Timer can
	// cancel the pending call with Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. Stop releases the underlying
// timer; it does not close C. C has capacity 1, matching time.Ticker:
// a slow consumer drops ticks rather than queueing them.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. No ticks are delivered after Stop returns.
func (t *Ticker) Stop() { t.stop() }

// Timer is a scheduled one-shot event created by AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. Returns true if the call
// stopped the timer, false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stop() }
