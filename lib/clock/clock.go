// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so heartbeat intervals, backoff delays,
// and tickers can be driven deterministically in tests. Production
// code injects Real(); tests inject a Fake and advance it explicitly.
package clock

import "time"

// Clock is the time source injected into every component that
// schedules work. Code under lib/ must not call the time package's
// Now, After, Sleep, or NewTicker directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering on C every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. C has capacity 1; ticks are
// dropped, not queued, when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }
