// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bell

import (
	"fmt"
	"strings"
)

// Row is an ordering of bells.  Rows are treated as immutable: every
// function in this package that derives a new row allocates it, so rows
// may be shared freely once built.
type Row []Bell

// Rounds returns the row in which the given number of bells ring in
// order, starting from the treble.
func Rounds(stage int) Row {
	row := make(Row, stage)
	for i := range row {
		row[i] = Bell(i)
	}
	return row
}

// StartingRow builds the row on which a touch starts.  With an empty
// custom row this is rounds of the given stage.  A custom row shorter
// than the stage is padded with the missing bells in increasing order,
// so StartingRow(6, "432") yields "432156".
func StartingRow(stage int, custom string) (Row, error) {
	if custom == "" {
		return Rounds(stage), nil
	}

	row := make(Row, 0, stage)
	used := make(map[Bell]bool)
	for _, name := range strings.Split(custom, "") {
		b, err := FromName(name)
		if err != nil {
			return nil, err
		}
		if used[b] {
			return nil, fmt.Errorf("starting row '%s' contains the same bell multiple times", custom)
		}
		used[b] = true
		row = append(row, b)
	}

	// Pad with the bells the custom row leaves out, lowest first.
	for i := 0; i < stage; i++ {
		if !used[Bell(i)] {
			row = append(row, Bell(i))
		}
	}
	return row, nil
}

// Equal reports whether two rows contain the same bells in the same
// order.
func (r Row) Equal(other Row) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if r[i] != other[i] {
			return false
		}
	}
	return true
}

// Copy returns a new Row with the same bells.
func (r Row) Copy() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// String returns the concatenated bell names, e.g. "135246".
func (r Row) String() string {
	var sb strings.Builder
	for _, b := range r {
		sb.WriteString(b.String())
	}
	return sb.String()
}
