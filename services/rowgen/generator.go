// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rowgen generates the rows that Wheatley rings.
//
// # Description
//
// A row generator is a strategy chosen once when a touch is configured
// and driven one row at a time by the ringing loop.  Every generator
// shares the same state machine: it remembers the previous row and an
// index, and derives each new row from them.  Concrete strategies
// range from plain hunt, through arbitrary place notation with bobs
// and singles, to pre-fetched CompLib compositions.
//
// Generators work on "working" rows of exactly their stage.  Cover
// bells and cadence calls are the caller's business, never the
// generator's.
//
// # Thread Safety
//
// Generators are NOT safe for concurrent use.  The ringing loop owns
// the generator and serialises every call to it.
package rowgen

import (
	"fmt"

	"github.com/kneasle/wheatley/pkg/bell"
	"github.com/kneasle/wheatley/pkg/logging"
)

// CallDef maps lead locations to the place notation rung for a call at
// that location.  Location 0 means the lead end, regardless of how many
// transforms the call itself takes.
type CallDef map[int]string

// UnsupportedCallError reports a call requested of a method that
// defines no substitution for it.  It is never fatal; the generator
// rings the plain course and the error only reaches the logs.
type UnsupportedCallError struct {
	Call   string
	Method string
}

func (e *UnsupportedCallError) Error() string {
	return fmt.Sprintf("'%s' defines no %s", e.Method, e.Call)
}

// RowGenerator is the strategy interface shared by everything that can
// produce rows for the ringing loop.
type RowGenerator interface {
	// NextRow generates the next row, together with any calls that
	// should be announced at the start of the row after it.
	NextRow(stroke bell.Stroke) (bell.Row, []string)

	// SetBob latches a pending bob, consumed at the next lead location
	// that defines one.  Latching too late for a location simply
	// misses.
	SetBob()

	// SetSingle latches a pending single.
	SetSingle()

	// Reset returns the generator to its start row, forgetting any
	// pending calls.
	Reset()

	// ResetCalls clears the pending call latches without moving the
	// row index.
	ResetCalls()

	// StartStroke is the stroke of the first generated row.
	StartStroke() bell.Stroke

	// EarlyCalls maps <rows before the first row of the method> to the
	// calls announced on that row.  For example a single called at the
	// start of Original produces {2: ["Go Original"], 1: ["Single"]}.
	EarlyCalls() map[int][]string

	// Stage is the number of working bells.
	Stage() int

	// StartRow is the row the touch starts from.
	StartRow() bell.Row

	// CustomStartRow is the user-supplied start row string, or "" when
	// starting from rounds.
	CustomStartRow() string

	// Summary is a short description that reads naturally in
	// "Wheatley will ring {summary}".
	Summary() string
}

// genFunc derives the next row (and its calls) from the previous row,
// the stroke it will be rung at, and the running row index.
type genFunc func(previous bell.Row, stroke bell.Stroke, index int) (bell.Row, []string)

// base carries the state machine shared by every generator.  Concrete
// generators embed it and install their genFunc at construction.
type base struct {
	stage          int
	customStartRow string
	startRow       bell.Row
	logger         *logging.Logger

	hasBob    bool
	hasSingle bool
	index     int
	row       bell.Row

	gen         genFunc
	startStroke bell.Stroke
	earlyCalls  map[int][]string
	summary     string
}

func newBase(stage int, startRow string, logger *logging.Logger) (base, error) {
	if logger == nil {
		logger = logging.Default()
	}
	row, err := bell.StartingRow(stage, startRow)
	if err != nil {
		return base{}, err
	}
	return base{
		stage:          stage,
		customStartRow: startRow,
		startRow:       row,
		logger:         logger,
		row:            row,
		startStroke:    bell.Handstroke,
	}, nil
}

// NextRow generates the next row and advances the internal state.
func (b *base) NextRow(stroke bell.Stroke) (bell.Row, []string) {
	row, calls := b.gen(b.row, stroke, b.index)
	b.row = row
	b.index++

	b.logger.Debug("generated row", "row", row.String(), "calls", calls)

	return row, calls
}

// Reset returns the generator to its start row.
func (b *base) Reset() {
	b.logger.Debug("row generator reset")

	b.hasBob = false
	b.hasSingle = false
	b.index = 0
	b.row = b.startRow
}

// ResetCalls clears the pending call latches.
func (b *base) ResetCalls() {
	b.logger.Debug("row generator calls reset")

	b.hasBob = false
	b.hasSingle = false
}

// SetBob latches a pending bob.
func (b *base) SetBob() { b.hasBob = true }

// SetSingle latches a pending single.
func (b *base) SetSingle() { b.hasSingle = true }

// Rounds generates rounds of this generator's stage.
func (b *base) Rounds() bell.Row { return bell.Rounds(b.stage) }

// Stage is the number of working bells.
func (b *base) Stage() int { return b.stage }

// StartRow is the row the touch starts from.
func (b *base) StartRow() bell.Row { return b.startRow.Copy() }

// CustomStartRow is the user-supplied start row string, if any.
func (b *base) CustomStartRow() string { return b.customStartRow }

// StartStroke is the stroke of the first generated row.
func (b *base) StartStroke() bell.Stroke { return b.startStroke }

// EarlyCalls maps rows-before-the-method to the calls made there.
func (b *base) EarlyCalls() map[int][]string { return b.earlyCalls }

// Summary describes the generator in one phrase.
func (b *base) Summary() string { return b.summary }

// permute applies one place notation transform at this generator's
// stage.
func (b *base) permute(row bell.Row, places bell.Places) bell.Row {
	return bell.Permute(row, places, b.stage)
}

// mod is the modulo that follows the sign of the divisor, so call
// locations like -1 wrap to the end of the lead.
func mod(a, n int) int {
	return ((a % n) + n) % n
}

// parseCallDef converts a CallDef's notation strings into transform
// lists, rebasing each location so that 0 always refers to the lead
// end however long the call is.
func parseCallDef(def CallDef, leadLen, stage int) (map[int][]bell.Places, error) {
	parsed := make(map[int][]bell.Places, len(def))
	for location, notation := range def {
		transforms, err := bell.ParsePlaceNotation(notation, stage)
		if err != nil {
			return nil, fmt.Errorf("call at location %d: %w", location, err)
		}
		parsed[mod(location-1, leadLen)] = transforms
	}
	return parsed, nil
}

// fitsSomeStage reports whether every notation in the call parses on
// the largest nameable stage.  A call that fits some stage but not the
// method's is merely unusable there, not malformed.
func (c CallDef) fitsSomeStage() bool {
	for _, notation := range c {
		if _, err := bell.ParsePlaceNotation(notation, bell.MaxBells); err != nil {
			return false
		}
	}
	return true
}
