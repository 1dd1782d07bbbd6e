// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rowgen

import "github.com/kneasle/wheatley/pkg/bell"

// PlaceHolder stands in for a row generator before the server has
// assigned one.  It accepts any tower size (its stage is 0) but panics
// if rows are ever requested, since ringing should be impossible until
// a real generator arrives.
type PlaceHolder struct {
	base
}

// NewPlaceHolder creates a place holder generator.
func NewPlaceHolder() *PlaceHolder {
	b, err := newBase(0, "", nil)
	if err != nil {
		// Unreachable: stage 0 with no custom start row cannot fail.
		panic(err)
	}

	g := &PlaceHolder{base: b}
	g.gen = g.genRow
	g.summary = "no method"

	return g
}

func (g *PlaceHolder) genRow(_ bell.Row, _ bell.Stroke, _ int) (bell.Row, []string) {
	panic("row requested from a place holder generator")
}
