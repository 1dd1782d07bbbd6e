// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rhythm

import (
	"context"
	"sync"
	"time"

	"github.com/kneasle/wheatley/pkg/bell"
	"github.com/kneasle/wheatley/pkg/logging"
	"github.com/kneasle/wheatley/services/telemetry"
)

// WaitForUser decorates another Rhythm with the ability to hold back
// for human ringers.  Every hold-up is added to a running delay, and
// all times passed to the inner rhythm are shifted back by that delay,
// so the inner rhythm only ever sees the ringing as if the hold-ups
// had never happened.  Without that shift a single long hold would
// permanently drag the learned tempo down.
type WaitForUser struct {
	inner Rhythm

	// maxWait bounds how long a single hold may last; 0 waits
	// indefinitely.
	maxWait time.Duration

	mu            sync.Mutex
	currentStroke bell.Stroke
	// Bells that have rung at each stroke of the current whole pull,
	// and bells that rang early onto the stroke that has not started
	// yet.
	rungBells  map[bell.Stroke]map[bell.Bell]bool
	earlyBells map[bell.Stroke]map[bell.Bell]bool
	delay      float64

	w      *waker
	logger *logging.Logger
}

var _ Rhythm = (*WaitForUser)(nil)

// NewWaitForUser wraps inner with wait-for-user semantics.  maxWait
// bounds each individual hold-up; 0 means wait indefinitely.  A nil
// logger selects the default logger.
func NewWaitForUser(inner Rhythm, maxWait time.Duration, logger *logging.Logger) *WaitForUser {
	if logger == nil {
		logger = logging.Default()
	}
	return &WaitForUser{
		inner:         inner,
		maxWait:       maxWait,
		currentStroke: bell.Handstroke,
		rungBells: map[bell.Stroke]map[bell.Bell]bool{
			bell.Handstroke: {},
			bell.Backstroke: {},
		},
		earlyBells: map[bell.Stroke]map[bell.Bell]bool{
			bell.Handstroke: {},
			bell.Backstroke: {},
		},
		w:      newWaker(),
		logger: logger,
	}
}

// WaitForStrike waits out the inner rhythm's prediction, then holds
// until the struck bell's human has actually rung (or the grace period
// lapses).  Any time spent holding is added to the running delay.
func (r *WaitForUser) WaitForStrike(
	ctx context.Context,
	now float64,
	b bell.Bell,
	rowNumber int,
	place int,
	userControlled bool,
	stroke bell.Stroke,
) {
	r.mu.Lock()
	if stroke != r.currentStroke {
		r.logger.Debug("switching to unexpected stroke", "stroke", stroke)
		r.currentStroke = stroke
	}
	delay := r.delay
	r.mu.Unlock()

	r.inner.WaitForStrike(ctx, now-delay, b, rowNumber, place, userControlled, stroke)

	if userControlled {
		r.holdForBell(ctx, b, stroke)
	}

	r.w.clear()
}

// holdForBell parks until b has rung at the given stroke.  The wait
// ends early on revocation, context expiry or after maxWait.
func (r *WaitForUser) holdForBell(ctx context.Context, b bell.Bell, stroke bell.Stroke) {
	var grace <-chan time.Time
	var heldSince time.Time

wait:
	for {
		wake, revoked := r.w.snapshot()
		if revoked {
			r.logger.Debug("returning to mainloop")
			break
		}
		if r.hasRung(b, stroke) {
			break
		}

		if heldSince.IsZero() {
			heldSince = time.Now()
			r.logger.Debug("waiting for bell", "bell", b)
			if r.maxWait > 0 {
				timer := time.NewTimer(r.maxWait)
				defer timer.Stop()
				grace = timer.C
			}
		}

		select {
		case <-ctx.Done():
			break wait
		case <-grace:
			r.logger.Warn("gave up waiting for bell", "bell", b, "after", r.maxWait)
			break wait
		case <-wake:
		}
	}

	if heldSince.IsZero() {
		return
	}
	heldFor := time.Since(heldSince).Seconds()
	telemetry.Get().HoldDuration.Observe(heldFor)

	r.mu.Lock()
	r.delay += heldFor
	delay := r.delay
	r.mu.Unlock()

	r.logger.Debug("delayed for bell",
		"bell", b,
		"seconds", heldFor,
		"total_delay", delay,
	)
}

func (r *WaitForUser) hasRung(b bell.Bell, stroke bell.Stroke) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rungBells[stroke][b]
}

// ExpectBell forwards the expectation inward and rolls the rung/early
// bookkeeping over when the expectation starts a new row.
func (r *WaitForUser) ExpectBell(expected bell.Bell, rowNumber, place int, expectedStroke bell.Stroke) {
	r.inner.ExpectBell(expected, rowNumber, place, expectedStroke)

	r.mu.Lock()
	if expectedStroke != r.currentStroke {
		r.currentStroke = expectedStroke
		r.rungBells[expectedStroke] = make(map[bell.Bell]bool)
		r.earlyBells[expectedStroke.Opposite()] = make(map[bell.Bell]bool)
	}

	// A bell that rang early (so is already onto expectedStroke)
	// counts as already rung.
	if r.earlyBells[expectedStroke][expected] {
		r.rungBells[expectedStroke][expected] = true
	}
	r.mu.Unlock()
}

// OnBellRing marks the bell as rung on its stroke and forwards the
// shifted time inward.  A bell rung onto the wrong stroke is recorded
// as early; ringing it back onto the correct stroke clears the mark.
func (r *WaitForUser) OnBellRing(b bell.Bell, stroke bell.Stroke, realTime float64) {
	r.mu.Lock()
	delay := r.delay
	r.mu.Unlock()

	r.inner.OnBellRing(b, stroke, realTime-delay)

	r.mu.Lock()
	if stroke == r.currentStroke {
		r.rungBells[stroke][b] = true
		if r.earlyBells[stroke.Opposite()][b] {
			delete(r.earlyBells[stroke.Opposite()], b)
			r.logger.Debug("bell reset to correct stroke", "bell", b, "stroke", stroke)
		}
	} else {
		r.logger.Debug("bell rung early", "bell", b, "stroke", stroke)
		r.earlyBells[stroke][b] = true
	}
	r.mu.Unlock()

	r.w.wakeAll()
}

// ChangeSetting forwards the change inward, still lying to the inner
// rhythm about what the current time is.
func (r *WaitForUser) ChangeSetting(key string, value any, realTime float64) {
	r.mu.Lock()
	delay := r.delay
	r.mu.Unlock()

	r.inner.ChangeSetting(key, value, realTime-delay)
}

// InitialiseLine resets the per-touch bookkeeping and initialises the
// inner rhythm.  The accumulated delay survives across touches; it
// shifts all inner times by the same constant, so the fit is
// unaffected.
func (r *WaitForUser) InitialiseLine(
	stage int,
	userControlsTreble bool,
	startTime float64,
	numUserControlledBells int,
) {
	r.mu.Lock()
	r.rungBells[bell.Handstroke] = make(map[bell.Bell]bool)
	r.rungBells[bell.Backstroke] = make(map[bell.Bell]bool)
	r.earlyBells[bell.Handstroke] = make(map[bell.Bell]bool)
	r.earlyBells[bell.Backstroke] = make(map[bell.Bell]bool)
	r.currentStroke = bell.Handstroke
	delay := r.delay
	r.mu.Unlock()

	// Release any hold that was in progress for the previous touch.
	r.w.wakeAll()

	r.inner.InitialiseLine(stage, userControlsTreble, startTime-delay, numUserControlledBells)
}

// ReturnToMainloop revokes any in-progress hold and forwards the
// request inward.
func (r *WaitForUser) ReturnToMainloop() {
	r.w.revoke()
	r.inner.ReturnToMainloop()
}
