// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bell

// Stroke is a newtype of bool that encapsulates a stroke, i.e. either
// Handstroke or Backstroke.
type Stroke bool

const (
	// Handstroke is the stroke on which a row with an even index is rung.
	Handstroke Stroke = true
	// Backstroke is the stroke on which a row with an odd index is rung.
	Backstroke Stroke = false
)

// StrokeFromIndex returns the stroke of the row at a given index, with
// even indices falling on handstrokes.
func StrokeFromIndex(index int) Stroke {
	return Stroke(index%2 == 0)
}

// IsHand returns true if this Stroke is a handstroke.  Equivalent to
// `stroke == Handstroke`.
func (s Stroke) IsHand() bool {
	return bool(s)
}

// IsBack returns true if this Stroke is a backstroke.  Equivalent to
// `stroke == Backstroke`.
func (s Stroke) IsBack() bool {
	return !bool(s)
}

// Opposite returns the other stroke.
func (s Stroke) Opposite() Stroke {
	return !s
}

// Char returns a single-character string of "H" or "B".
func (s Stroke) Char() string {
	if s.IsHand() {
		return "H"
	}
	return "B"
}

func (s Stroke) String() string {
	if s.IsHand() {
		return "HANDSTROKE"
	}
	return "BACKSTROKE"
}
