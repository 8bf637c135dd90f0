// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock for tests. Time moves only
// when Advance is called. Waiters created by After, Sleep, and
// NewTicker fire synchronously inside Advance, in timestamp order,
// before Advance returns.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	at       time.Time
	ch       chan time.Time
	interval time.Duration // zero for one-shot waiters
	stopped  bool
}

// Fake returns a FakeClock starting at an arbitrary fixed instant.
func Fake() *FakeClock {
	return &FakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that fires when the fake clock has advanced
// by at least d. A non-positive d fires immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, &fakeWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

// NewTicker returns a ticker driven by Advance. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	waiter := &fakeWaiter{at: c.now.Add(d), ch: make(chan time.Time, 1), interval: d}
	c.waiters = append(c.waiters, waiter)
	return &Ticker{
		C: waiter.ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.stopped = true
		},
	}
}

// Sleep blocks until the clock has been advanced past d by another
// goroutine. Sleeping on a FakeClock from the goroutine that calls
// Advance deadlocks; tests must advance from a separate goroutine or
// structure the code so Sleep is reached first.
func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Advance moves the fake time forward by d, firing every waiter whose
// deadline falls within the window, in deadline order. Tickers
// re-arm and may fire multiple times within one Advance.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		next := c.earliestLocked(target)
		if next == nil {
			break
		}
		c.now = next.at
		select {
		case next.ch <- c.now:
		default:
			// Consumer is behind; drop the tick like time.Ticker.
		}
		if next.interval > 0 {
			next.at = next.at.Add(next.interval)
		} else {
			next.stopped = true
		}
	}

	c.now = target
	c.compactLocked()
	c.mu.Unlock()
}

// earliestLocked returns the unexpired waiter with the earliest
// deadline at or before target, or nil when none remain in range.
func (c *FakeClock) earliestLocked(target time.Time) *fakeWaiter {
	var earliest *fakeWaiter
	for _, w := range c.waiters {
		if w.stopped || w.at.After(target) {
			continue
		}
		if earliest == nil || w.at.Before(earliest.at) {
			earliest = w
		}
	}
	return earliest
}

// compactLocked drops stopped waiters so long-lived fakes do not
// accumulate garbage across many Advance calls.
func (c *FakeClock) compactLocked() {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].at.Before(live[j].at) })
	c.waiters = live
}
