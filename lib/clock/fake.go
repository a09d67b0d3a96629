// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// NewFake returns a FakeClock frozen at the given time. Time moves only
// when Advance is called; timers and tickers whose deadlines fall
// within the advance fire in deadline order.
//
// FakeClock is safe for concurrent use.
func NewFake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.scheduled = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks run
// synchronously inside Advance, so a callback must not call Advance or
// block on work that requires a further advance.
type FakeClock struct {
	mu        sync.Mutex
	now       time.Time
	entries   []*fakeEntry
	scheduled *sync.Cond
}

// fakeEntry is one pending timer, ticker, or After channel.
type fakeEntry struct {
	deadline time.Time
	ch       chan time.Time // nil for AfterFunc entries
	fn       func()         // nil for channel entries
	period   time.Duration  // non-zero for tickers; rescheduled on fire
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&fakeEntry{deadline: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	entry := &fakeEntry{deadline: c.now.Add(d), fn: f}
	c.addLocked(entry)
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if entry.stopped || entry.fired {
			return false
		}
		entry.stopped = true
		return true
	}}
}

// NewTicker returns a Ticker firing every d fake-clock interval.
// Panics if d <= 0, matching time.NewTicker.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	ch := make(chan time.Time, 1)
	entry := &fakeEntry{deadline: c.now.Add(d), ch: ch, period: d}
	c.addLocked(entry)
	c.mu.Unlock()

	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entry.stopped = true
	}}
}

// addLocked registers an entry and wakes WaitForTimers waiters.
// Must be called with c.mu held.
func (c *FakeClock) addLocked(entry *fakeEntry) {
	c.entries = append(c.entries, entry)
	c.scheduled.Broadcast()
}

// Advance moves the clock forward by d and fires every pending entry
// whose deadline falls within the new time, in deadline order. Ticker
// entries fire once per elapsed period; ticks that find the channel
// buffer full are dropped, matching time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	// Loop because firing a callback may schedule new entries that
	// are already expired at the target time.
	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, entry := range due {
			if entry.fn != nil {
				entry.fn()
				continue
			}
			select {
			case entry.ch <- target:
			default:
			}
		}
	}
}

// takeDue removes entries due at or before target, rescheduling
// tickers for their next period.
func (c *FakeClock) takeDue(target time.Time) []*fakeEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, pending []*fakeEntry
	for _, entry := range c.entries {
		switch {
		case entry.stopped:
			// Dropped.
		case !entry.deadline.After(target):
			due = append(due, entry)
		default:
			pending = append(pending, entry)
		}
	}
	for _, entry := range due {
		if entry.period > 0 {
			entry.deadline = entry.deadline.Add(entry.period)
			pending = append(pending, entry)
		} else {
			entry.fired = true
		}
	}
	c.entries = pending
	return due
}

// WaitForTimers blocks until at least n timers or tickers are pending.
// Tests use this to close the race between a goroutine registering its
// timer and the test advancing the clock:
//
//	go connection.runHeartbeat()
//	fake.WaitForTimers(1)
//	fake.Advance(heartbeat)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.scheduled.Wait()
	}
}

// PendingCount returns the number of active pending entries.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, entry := range c.entries {
		if !entry.stopped {
			count++
		}
	}
	return count
}
