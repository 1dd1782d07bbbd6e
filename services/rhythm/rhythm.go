// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rhythm decides when bells should ring.
//
// # Description
//
// A Rhythm converts observed strike times from the human ringers into
// predictions of when the bot's own bells are due.  The Regression
// implementation fits a weighted least-squares line through recent
// strikes; WaitForUser decorates any Rhythm with the ability to hold
// back for humans who have not yet rung.
//
// No implementation reads the wall clock to form its predictions: every
// "now" is passed in by the caller.  This keeps the model auditable and
// lets WaitForUser shift the inner rhythm's whole notion of time by the
// accumulated hold-up, so that waiting for a slow ringer never drags
// the learned tempo down.
package rhythm

import (
	"context"

	"github.com/kneasle/wheatley/pkg/bell"
)

// Rhythm is the interface through which the bot schedules its ringing.
//
// # Thread Safety
//
// Implementations are safe for concurrent use: WaitForStrike blocks the
// bot's main loop while the tower's callbacks deliver OnBellRing,
// ChangeSetting and ReturnToMainloop from other goroutines.
type Rhythm interface {
	// WaitForStrike blocks until the given bell should have rung.  now
	// is the caller's current time in seconds.  The wait ends early if
	// ctx expires or ReturnToMainloop is called.
	WaitForStrike(
		ctx context.Context,
		now float64,
		b bell.Bell,
		rowNumber int,
		place int,
		userControlled bool,
		stroke bell.Stroke,
	)

	// ExpectBell announces that a bell is due at a given row, place and
	// stroke, so that when the bell later rings the rhythm can tell how
	// far off it was.
	ExpectBell(expected bell.Bell, rowNumber, place int, expectedStroke bell.Stroke)

	// OnBellRing records that a bell actually rang at a given stroke.
	OnBellRing(b bell.Bell, stroke bell.Stroke, realTime float64)

	// ChangeSetting applies a live setting change from the server, such
	// as a new peal speed or inertia.
	ChangeSetting(key string, value any, realTime float64)

	// InitialiseLine resets the rhythm for a new touch when 'Look to'
	// is called.  startTime is when the first blow is due.
	InitialiseLine(stage int, userControlsTreble bool, startTime float64, numUserControlledBells int)

	// ReturnToMainloop asks any in-progress WaitForStrike to hand
	// control back promptly, e.g. because the touch has been stopped.
	ReturnToMainloop()
}
