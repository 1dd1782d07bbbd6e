// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rowgen

import (
	"fmt"

	"github.com/kneasle/wheatley/pkg/bell"
	"github.com/kneasle/wheatley/pkg/logging"
)

// PlainHunt generates plain hunt on any stage.
type PlainHunt struct {
	base
}

// NewPlainHunt creates a plain hunt generator.
//
// Parameters:
//   - stage: The number of working bells
//   - startRow: A custom start row, or "" to start from rounds
//   - logger: Logger for generator events (nil for the default logger)
func NewPlainHunt(stage int, startRow string, logger *logging.Logger) (*PlainHunt, error) {
	b, err := newBase(stage, startRow, logger)
	if err != nil {
		return nil, err
	}

	g := &PlainHunt{base: b}
	g.gen = g.genRow
	g.summary = fmt.Sprintf("plain hunt on %d", stage)

	return g, nil
}

// genRow alternates a cross at handstroke with places 1 and N at
// backstroke.  On odd stages place N is the bell that would lie still
// anyway, so the same rule hunts every stage.
func (g *PlainHunt) genRow(previous bell.Row, stroke bell.Stroke, _ int) (bell.Row, []string) {
	if stroke.IsHand() {
		return g.permute(previous, nil), nil
	}
	return g.permute(previous, bell.Places{1, g.stage}), nil
}
