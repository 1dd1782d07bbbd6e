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
	"testing"
	"time"

	"github.com/kneasle/wheatley/pkg/bell"
)

type innerRing struct {
	bell   bell.Bell
	stroke bell.Stroke
	time   float64
}

type innerInit struct {
	stage              int
	userControlsTreble bool
	startTime          float64
	numUserBells       int
}

type innerSetting struct {
	key   string
	value any
	time  float64
}

// fakeRhythm records every call that reaches it, so the tests can
// check what the decorator lets through and how it shifts the times.
type fakeRhythm struct {
	mu        sync.Mutex
	waitNows  []float64
	rings     []innerRing
	inits     []innerInit
	settings  []innerSetting
	mainloops int
}

var _ Rhythm = (*fakeRhythm)(nil)

func (f *fakeRhythm) WaitForStrike(
	_ context.Context,
	now float64,
	_ bell.Bell,
	_, _ int,
	_ bool,
	_ bell.Stroke,
) {
	f.mu.Lock()
	f.waitNows = append(f.waitNows, now)
	f.mu.Unlock()
}

func (f *fakeRhythm) ExpectBell(bell.Bell, int, int, bell.Stroke) {}

func (f *fakeRhythm) OnBellRing(b bell.Bell, stroke bell.Stroke, realTime float64) {
	f.mu.Lock()
	f.rings = append(f.rings, innerRing{b, stroke, realTime})
	f.mu.Unlock()
}

func (f *fakeRhythm) ChangeSetting(key string, value any, realTime float64) {
	f.mu.Lock()
	f.settings = append(f.settings, innerSetting{key, value, realTime})
	f.mu.Unlock()
}

func (f *fakeRhythm) InitialiseLine(
	stage int,
	userControlsTreble bool,
	startTime float64,
	numUserControlledBells int,
) {
	f.mu.Lock()
	f.inits = append(f.inits, innerInit{stage, userControlsTreble, startTime, numUserControlledBells})
	f.mu.Unlock()
}

func (f *fakeRhythm) ReturnToMainloop() {
	f.mu.Lock()
	f.mainloops++
	f.mu.Unlock()
}

func (f *fakeRhythm) lastRing(t *testing.T) innerRing {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rings) == 0 {
		t.Fatal("no rings reached the inner rhythm")
	}
	return f.rings[len(f.rings)-1]
}

func TestWaitForUser_ForwardsRingTimeWithNoDelay(t *testing.T) {
	inner := &fakeRhythm{}
	r := NewWaitForUser(inner, 0, quietLogger())
	treble := testBell(t, 1)

	r.ExpectBell(treble, 0, 0, bell.Handstroke)
	r.OnBellRing(treble, bell.Handstroke, 0.5)

	if got := inner.lastRing(t); got.time != 0.5 {
		t.Errorf("inner ring time = %v, want 0.5", got.time)
	}
}

func TestWaitForUser_SubtractsAccumulatedDelay(t *testing.T) {
	inner := &fakeRhythm{}
	r := NewWaitForUser(inner, 0, quietLogger())
	r.delay = 10
	treble := testBell(t, 1)

	r.ExpectBell(treble, 0, 0, bell.Handstroke)
	r.OnBellRing(treble, bell.Handstroke, 10.5)

	if got := inner.lastRing(t); got.time != 0.5 {
		t.Errorf("inner ring time = %v, want 0.5", got.time)
	}
}

// A hold-up must use the delay from before the hold when shifting the
// ring that releases it, and only then grow the delay by the time
// actually spent holding.
func TestWaitForUser_HoldUsesDelayFromBeforeTheHold(t *testing.T) {
	inner := &fakeRhythm{}
	r := NewWaitForUser(inner, 0, quietLogger())
	r.delay = 10
	treble := testBell(t, 1)

	r.ExpectBell(treble, 1, 1, bell.Handstroke)

	done := make(chan struct{})
	go func() {
		r.WaitForStrike(context.Background(), 11, treble, 1, 1, true, bell.Handstroke)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForStrike returned before the bell rang")
	case <-time.After(30 * time.Millisecond):
	}

	r.OnBellRing(treble, bell.Handstroke, 11.1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForStrike did not return after the bell rang")
	}

	if got := inner.lastRing(t); math.Abs(got.time-1.1) > 1e-9 {
		t.Errorf("inner ring time = %v, want 1.1", got.time)
	}
	if r.delay <= 10.02 || r.delay >= 11 {
		t.Errorf("delay = %v, want a little over 10", r.delay)
	}
}

func TestWaitForUser_BellRungEarlyNeedsNoHold(t *testing.T) {
	inner := &fakeRhythm{}
	r := NewWaitForUser(inner, 0, quietLogger())
	second := testBell(t, 2)

	r.ExpectBell(second, 0, 1, bell.Handstroke)
	r.OnBellRing(second, bell.Handstroke, 0.9)

	done := make(chan struct{})
	go func() {
		r.WaitForStrike(context.Background(), 1, second, 0, 1, true, bell.Handstroke)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForStrike held for a bell that had already rung")
	}
	if r.delay != 0 {
		t.Errorf("delay = %v, want 0", r.delay)
	}
}

// A bell rung early onto the next stroke satisfies the expectation for
// that stroke once the bookkeeping rolls over.
func TestWaitForUser_EarlyRingOntoNextStrokeCounts(t *testing.T) {
	inner := &fakeRhythm{}
	r := NewWaitForUser(inner, 0, quietLogger())
	treble := testBell(t, 1)

	r.ExpectBell(treble, 0, 0, bell.Handstroke)
	r.OnBellRing(treble, bell.Handstroke, 1)
	// The human pulls the backstroke before the bot asks for it.
	r.OnBellRing(treble, bell.Backstroke, 1.1)

	r.ExpectBell(treble, 1, 0, bell.Backstroke)

	done := make(chan struct{})
	go func() {
		r.WaitForStrike(context.Background(), 2, treble, 1, 0, true, bell.Backstroke)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForStrike held for a bell that had rung early")
	}
	if r.delay != 0 {
		t.Errorf("delay = %v, want 0", r.delay)
	}
}

// Ringing the bell back onto its correct stroke cancels the early
// mark, so the next stroke really is held for.
func TestWaitForUser_EarlyRingThenCorrectionHolds(t *testing.T) {
	inner := &fakeRhythm{}
	r := NewWaitForUser(inner, 0, quietLogger())
	treble := testBell(t, 1)

	r.ExpectBell(treble, 0, 0, bell.Handstroke)
	r.OnBellRing(treble, bell.Handstroke, 1)
	r.OnBellRing(treble, bell.Backstroke, 1.1)
	r.OnBellRing(treble, bell.Handstroke, 1.2)

	r.ExpectBell(treble, 1, 0, bell.Backstroke)

	done := make(chan struct{})
	go func() {
		r.WaitForStrike(context.Background(), 2, treble, 1, 0, true, bell.Backstroke)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForStrike did not hold for the corrected bell")
	case <-time.After(30 * time.Millisecond):
	}

	r.OnBellRing(treble, bell.Backstroke, 2.5)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForStrike did not return after the bell rang")
	}
	if r.delay <= 0 || r.delay >= 1 {
		t.Errorf("delay = %v, want the time spent holding", r.delay)
	}
}

func TestWaitForUser_MaxWaitGivesUp(t *testing.T) {
	inner := &fakeRhythm{}
	r := NewWaitForUser(inner, 50*time.Millisecond, quietLogger())
	treble := testBell(t, 1)

	r.ExpectBell(treble, 0, 0, bell.Handstroke)

	done := make(chan struct{})
	go func() {
		r.WaitForStrike(context.Background(), 1, treble, 0, 0, true, bell.Handstroke)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForStrike did not give up after the grace period")
	}
	if r.delay < 0.045 {
		t.Errorf("delay = %v, want at least the grace period", r.delay)
	}
}

func TestWaitForUser_ReturnToMainloopBreaksHold(t *testing.T) {
	inner := &fakeRhythm{}
	r := NewWaitForUser(inner, 0, quietLogger())
	treble := testBell(t, 1)

	r.ExpectBell(treble, 0, 0, bell.Handstroke)

	done := make(chan struct{})
	go func() {
		r.WaitForStrike(context.Background(), 1, treble, 0, 0, true, bell.Handstroke)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForStrike returned before being revoked")
	case <-time.After(30 * time.Millisecond):
	}

	r.ReturnToMainloop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForStrike did not return after ReturnToMainloop")
	}
	if inner.mainloops != 1 {
		t.Errorf("inner ReturnToMainloop calls = %d, want 1", inner.mainloops)
	}
}

func TestWaitForUser_WaitPassesShiftedNow(t *testing.T) {
	inner := &fakeRhythm{}
	r := NewWaitForUser(inner, 0, quietLogger())
	r.delay = 3

	r.WaitForStrike(context.Background(), 10, testBell(t, 1), 0, 0, false, bell.Handstroke)

	if len(inner.waitNows) != 1 || inner.waitNows[0] != 7 {
		t.Errorf("inner wait times = %v, want [7]", inner.waitNows)
	}
}

func TestWaitForUser_ChangeSettingShiftsTime(t *testing.T) {
	inner := &fakeRhythm{}
	r := NewWaitForUser(inner, 0, quietLogger())
	r.delay = 1.5

	r.ChangeSetting("peal_speed", 120, 10)

	want := innerSetting{"peal_speed", 120, 8.5}
	if len(inner.settings) != 1 || inner.settings[0] != want {
		t.Errorf("inner settings = %v, want [%v]", inner.settings, want)
	}
}

func TestWaitForUser_InitialiseLineShiftsStartTime(t *testing.T) {
	inner := &fakeRhythm{}
	r := NewWaitForUser(inner, 0, quietLogger())
	r.delay = 2
	r.currentStroke = bell.Backstroke

	r.InitialiseLine(6, true, 100, 5)

	want := innerInit{6, true, 98, 5}
	if len(inner.inits) != 1 || inner.inits[0] != want {
		t.Errorf("inner inits = %v, want [%v]", inner.inits, want)
	}
	if r.currentStroke != bell.Handstroke {
		t.Errorf("currentStroke = %v, want handstroke", r.currentStroke)
	}
}
