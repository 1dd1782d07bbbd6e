// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rowgen

import (
	"fmt"
	"strings"

	"github.com/kneasle/wheatley/pkg/bell"
	"github.com/kneasle/wheatley/pkg/logging"
)

// Default call definitions, used whenever a touch does not supply its
// own.  Location 0 is the lead end.
var (
	DefaultBob    = CallDef{0: "14"}
	DefaultSingle = CallDef{0: "1234"}
)

// PlaceNotation generates rows from a place notation string, with bobs
// and singles substituted at their lead locations when called.
type PlaceNotation struct {
	base

	methodPN   []bell.Places
	leadLen    int
	notation   string
	startIndex int

	// Call transforms keyed by lead index, rebased so the calls line
	// up with the lead end they replace.
	bobs    map[int][]bell.Places
	singles map[int][]bell.Places

	// Transforms of a triggered call still waiting to be rung.
	callQueue []bell.Places
}

// NewPlaceNotation creates a generator for the given place notation.
//
// A call whose places need more bells than the stage has cannot be
// rung.  That is reported once here and the call is then ignored, so
// touches on low stages may keep the default lead end calls.
//
// Parameters:
//   - stage: The number of working bells
//   - notation: The place notation of one lead of the method
//   - bob: Bob substitutions by lead location, or nil for a lead end 14
//   - single: Single substitutions by lead location, or nil for a lead end 1234
//   - startIndex: The row index within the lead to start ringing from
//   - startRow: A custom start row, or "" to start from rounds
//   - logger: Logger for generator events (nil for the default logger)
//
// Returns:
//   - *PlaceNotation: The configured generator
//   - error: Non-nil if the notation fails to parse, or either call is
//     malformed at every stage
func NewPlaceNotation(
	stage int,
	notation string,
	bob CallDef,
	single CallDef,
	startIndex int,
	startRow string,
	logger *logging.Logger,
) (*PlaceNotation, error) {
	b, err := newBase(stage, startRow, logger)
	if err != nil {
		return nil, err
	}

	if bob == nil {
		bob = DefaultBob
	}
	if single == nil {
		single = DefaultSingle
	}

	methodPN, err := bell.ParsePlaceNotation(notation, stage)
	if err != nil {
		return nil, err
	}
	if len(methodPN) == 0 {
		return nil, fmt.Errorf("place notation '%s' contains no transforms", notation)
	}

	g := &PlaceNotation{
		base:       b,
		methodPN:   methodPN,
		leadLen:    len(methodPN),
		notation:   notation,
		startIndex: startIndex,
	}
	if g.bobs, err = parseCallDef(bob, g.leadLen, stage); err != nil {
		if !bob.fitsSomeStage() {
			return nil, fmt.Errorf("bob: %w", err)
		}
		g.logger.Warn("bob cannot be rung at this stage", "error", err)
	}
	if g.singles, err = parseCallDef(single, g.leadLen, stage); err != nil {
		if !single.fitsSomeStage() {
			return nil, fmt.Errorf("single: %w", err)
		}
		g.logger.Warn("single cannot be rung at this stage", "error", err)
	}

	g.gen = g.genRow
	g.startStroke = bell.StrokeFromIndex(startIndex)
	g.summary = fmt.Sprintf("place notation '%s'", notation)

	return g, nil
}

// SetBob latches a pending bob, warning if this method defines none so
// the call can never take effect.
func (g *PlaceNotation) SetBob() {
	if len(g.bobs) == 0 {
		err := &UnsupportedCallError{Call: "bob", Method: g.notation}
		g.logger.Warn("call cannot take effect", "error", err)
	}
	g.base.SetBob()
}

// SetSingle latches a pending single, warning if this method defines
// none.
func (g *PlaceNotation) SetSingle() {
	if len(g.singles) == 0 {
		err := &UnsupportedCallError{Call: "single", Method: g.notation}
		g.logger.Warn("call cannot take effect", "error", err)
	}
	g.base.SetSingle()
}

func (g *PlaceNotation) genRow(previous bell.Row, _ bell.Stroke, index int) (bell.Row, []string) {
	leadIndex := mod(index+g.startIndex, g.leadLen)

	if g.hasBob && len(g.bobs[leadIndex]) > 0 {
		g.callQueue = append([]bell.Places(nil), g.bobs[leadIndex]...)
		g.logger.Info("bob rung", "lead_index", leadIndex)
		g.ResetCalls()
	} else if g.hasSingle && len(g.singles[leadIndex]) > 0 {
		g.callQueue = append([]bell.Places(nil), g.singles[leadIndex]...)
		g.logger.Info("single rung", "lead_index", leadIndex)
		g.ResetCalls()
	}

	var places bell.Places
	if len(g.callQueue) > 0 {
		places = g.callQueue[0]
		g.callQueue = g.callQueue[1:]
	} else {
		places = g.methodPN[leadIndex]
	}

	return g.permute(previous, places), nil
}

// Grandsire creates a Grandsire generator on the given stage.
func Grandsire(stage int, startRow string, logger *logging.Logger) (*PlaceNotation, error) {
	stageBell, err := bell.FromNumber(stage)
	if err != nil {
		return nil, err
	}

	crossNotation := "-"
	if stage%2 == 1 {
		crossNotation = stageBell.String()
	}

	mainBody := make([]string, 2*stage)
	for i := range mainBody {
		if i%2 == 1 {
			mainBody[i] = "1"
		} else {
			mainBody[i] = crossNotation
		}
	}
	mainBody[0] = "3"

	return NewPlaceNotation(
		stage,
		strings.Join(mainBody, "."),
		CallDef{-1: "3"},
		CallDef{-1: "3.123"},
		0,
		startRow,
		logger,
	)
}

// Stedman creates a Stedman generator on an odd stage of at least 7.
// Stage 5 is redirected to StedmanDoubles, which has its own calls.
func Stedman(stage int, startRow string, logger *logging.Logger) (*PlaceNotation, error) {
	if stage%2 == 0 {
		return nil, fmt.Errorf("stedman requires an odd stage, not %d", stage)
	}
	if stage == 5 {
		return StedmanDoubles(startRow, logger)
	}

	stageBell, err := bell.FromNumber(stage)
	if err != nil {
		return nil, err
	}
	stageBell1, err := bell.FromNumber(stage - 1)
	if err != nil {
		return nil, err
	}
	stageBell2, err := bell.FromNumber(stage - 2)
	if err != nil {
		return nil, err
	}

	notation := fmt.Sprintf("3.1.%s.3.1.3.1.3.%s.1.3.1", stageBell, stageBell)
	single := fmt.Sprintf("%s%s%s", stageBell2, stageBell1, stageBell)

	return NewPlaceNotation(
		stage,
		notation,
		CallDef{3: stageBell2.String(), 9: stageBell2.String()},
		CallDef{3: single, 9: single},
		0,
		startRow,
		logger,
	)
}

// StedmanDoubles creates a Stedman Doubles generator.  Doubles has no
// bob, only the two singles.
func StedmanDoubles(startRow string, logger *logging.Logger) (*PlaceNotation, error) {
	return NewPlaceNotation(
		5,
		"3.1.5.3.1.3.1.3.5.1.3.1",
		CallDef{},
		CallDef{6: "345", 12: "145"},
		0,
		startRow,
		logger,
	)
}
