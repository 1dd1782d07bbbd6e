// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bell defines the core vocabulary of change ringing: bells,
// strokes, rows and place notation.
//
// # Description
//
// Every other part of Wheatley is written in terms of these types.  A
// Bell is a zero-based index wrapped in a newtype to keep off-by-one
// errors (treble as bell #0 vs bell #1) out of the rest of the code.
// A Stroke is a newtype of bool distinguishing handstrokes from
// backstrokes.  A Row is an ordering of bells, and place notation
// describes how one row is permuted into the next.
//
// All values in this package are immutable once constructed, so they
// may be freely shared between goroutines.
package bell

import (
	"fmt"
)

// bellNames holds the standard symbols for bells on up to sixteen ropes,
// in ringing order.
const bellNames = "1234567890ETABCD"

// MaxBells is the largest number of bells that can be named.
const MaxBells = len(bellNames)

// Bell identifies a single bell by its zero-based index.  Bell(0) is
// the treble.  Construct Bells with FromIndex, FromNumber or FromName
// so that out-of-range values are caught at the boundary.
type Bell int

// FromIndex builds a Bell from a 0-indexed value, so FromIndex(0)
// returns the treble.
func FromIndex(index int) (Bell, error) {
	if index < 0 || index >= MaxBells {
		return 0, fmt.Errorf("'%d' is not known bell index", index)
	}
	return Bell(index), nil
}

// FromNumber builds a Bell from a 1-indexed value, so FromNumber(1)
// returns the treble.
func FromNumber(number int) (Bell, error) {
	if number < 1 || number > MaxBells {
		return 0, fmt.Errorf("'%d' is not known bell number", number)
	}
	return Bell(number - 1), nil
}

// FromName builds a Bell from its single-character name following the
// standard convention, so FromName("1") returns the treble and
// FromName("T") the twelfth.
func FromName(name string) (Bell, error) {
	if len(name) == 1 {
		for i := 0; i < MaxBells; i++ {
			if bellNames[i] == name[0] {
				return Bell(i), nil
			}
		}
	}
	return 0, fmt.Errorf("'%s' is not known bell symbol", name)
}

// Index returns the 0-indexed value of this bell.
func (b Bell) Index() int {
	return int(b)
}

// Number returns the 1-indexed value of this bell.
func (b Bell) Number() int {
	return int(b) + 1
}

// String returns the single-character name of this bell.
func (b Bell) String() string {
	if b < 0 || int(b) >= MaxBells {
		return "?"
	}
	return string(bellNames[b])
}
