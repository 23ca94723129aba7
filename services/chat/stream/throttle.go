// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream decodes chat completion byte streams into text and paces
// how often downstream consumers are notified.
package stream

import (
	"time"

	"golang.org/x/time/rate"
)

// FlushInterval is the minimum spacing between throttled emissions. A
// tighter interval wastes render and SSE-write cycles on byte-sized
// deltas; a looser one makes streaming feel laggy.
const FlushInterval = 50 * time.Millisecond

// Clock abstracts wall time so pacing is testable without sleeping.
// cache.FakeClock satisfies it.
type Clock interface {
	Now() time.Time
}

// Throttle rate-limits emissions to one per FlushInterval, leading edge
// first. The first Allow after a quiet period always passes.
type Throttle struct {
	clock   Clock
	limiter *rate.Limiter
}

// NewThrottle builds a throttle on the given clock.
func NewThrottle(clock Clock) *Throttle {
	return &Throttle{
		clock:   clock,
		limiter: rate.NewLimiter(rate.Every(FlushInterval), 1),
	}
}

// Allow reports whether an emission may happen now, consuming the slot
// when it may.
func (t *Throttle) Allow() bool {
	return t.limiter.AllowN(t.clock.Now(), 1)
}
