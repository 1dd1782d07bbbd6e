// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rhythm

import (
	"context"
	"math"
	"sync"
	"time"
)

// A waker parks goroutines until a deadline passes, the state they are
// watching changes, or the wait is revoked outright.  Parked waits
// select between a timer, a broadcast channel and their context, so no
// implementation ever needs a sleep-and-poll loop.
type waker struct {
	mu      sync.Mutex
	wake    chan struct{}
	revoked bool
}

func newWaker() *waker {
	return &waker{wake: make(chan struct{})}
}

// wakeAll wakes every parked goroutine so it can re-check whatever
// state it is waiting on.  The waits themselves carry on.
func (w *waker) wakeAll() {
	w.mu.Lock()
	close(w.wake)
	w.wake = make(chan struct{})
	w.mu.Unlock()
}

// revoke makes the in-progress wait (or the next one, if none is in
// progress) give up promptly.  The revocation stays pending until
// clear is called.
func (w *waker) revoke() {
	w.mu.Lock()
	w.revoked = true
	close(w.wake)
	w.wake = make(chan struct{})
	w.mu.Unlock()
}

// clear consumes a pending revocation once control has been handed
// back.
func (w *waker) clear() {
	w.mu.Lock()
	w.revoked = false
	w.mu.Unlock()
}

// snapshot returns the current wake channel and revocation state.  The
// channel must be captured before re-checking any watched state, so
// that a change arriving between the check and the park still closes
// the captured channel.
func (w *waker) snapshot() (<-chan struct{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wake, w.revoked
}

// sleep parks for d, returning false if the sleep was cut short by a
// revocation or by ctx expiring.  Wake-ups re-check for revocation but
// do not restart the deadline.
func (w *waker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		_, revoked := w.snapshot()
		return !revoked
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		wake, revoked := w.snapshot()
		if revoked {
			return false
		}
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		case <-wake:
		}
	}
}

// secondsToDuration converts a float time delta in seconds into a
// Duration, clamping values too large for the int64 nanosecond range.
func secondsToDuration(seconds float64) time.Duration {
	const maxSeconds = float64(math.MaxInt64) / float64(time.Second)
	if seconds >= maxSeconds {
		return time.Duration(math.MaxInt64)
	}
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
