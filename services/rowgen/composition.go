// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rowgen

import (
	"context"
	"fmt"
	"strings"

	"github.com/kneasle/wheatley/pkg/bell"
	"github.com/kneasle/wheatley/pkg/logging"
	"github.com/kneasle/wheatley/services/complib"
)

// loadedRow is one pre-fetched row with the calls announced on it.
type loadedRow struct {
	row   bell.Row
	calls []string
}

// Composition replays the rows of a CompLib composition.  The whole
// composition is fetched up front, so ringing it needs no further
// network access.  Once the rows run out the generator settles into
// rounds.
type Composition struct {
	base

	loadedRows []loadedRow
	compID     int
	compTitle  string
	private    bool
}

// NewComposition fetches a composition and wraps it in a generator.
//
// Parameters:
//   - ctx: Context for the CompLib request
//   - client: The CompLib API client
//   - arg: A composition ID or CompLib URL, optionally carrying an
//     access key for private compositions
//   - logger: Logger for generator events (nil for the default logger)
func NewComposition(
	ctx context.Context,
	client *complib.Client,
	arg string,
	logger *logging.Logger,
) (*Composition, error) {
	ref, err := complib.ParseArg(arg)
	if err != nil {
		return nil, err
	}

	rows, err := client.Rows(ctx, ref)
	if err != nil {
		return nil, err
	}

	return newComposition(rows, ref, logger)
}

// newComposition builds the generator from an already-fetched response.
func newComposition(resp *complib.CompositionRows, ref complib.CompRef, logger *logging.Logger) (*Composition, error) {
	parsed := make([]loadedRow, len(resp.Rows))
	for i, entry := range resp.Rows {
		if len(entry.Bells) != resp.Stage {
			err := &bell.StageMismatchError{Stage: resp.Stage, Length: len(entry.Bells)}
			return nil, fmt.Errorf("composition row %d: %w", i, err)
		}
		row := make(bell.Row, len(entry.Bells))
		for j, name := range entry.Bells {
			b, err := bell.FromName(name)
			if err != nil {
				return nil, fmt.Errorf("composition row %d: %w", i, err)
			}
			row[j] = b
		}
		parsed[i] = loadedRow{row: row, calls: processCallString(entry.Calls)}
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("composition %d contains no rows", ref.ID)
	}

	// The response starts with the opening rounds.  Count them to find
	// where the method begins: an odd count means a backstroke start.
	numStartingRounds := 0
	for numStartingRounds < len(parsed) && parsed[numStartingRounds].row.Equal(parsed[0].row) {
		numStartingRounds++
	}

	b, err := newBase(resp.Stage, "", logger)
	if err != nil {
		return nil, err
	}

	g := &Composition{
		base:       b,
		loadedRows: parsed[numStartingRounds:],
		compID:     ref.ID,
		compTitle:  resp.Title,
		private:    ref.Key != nil,
	}

	// Calls made during the opening rounds (like "Go" on the row
	// before the method starts) are keyed by how many rows remain
	// before the first method row.
	earlyCalls := make(map[int][]string)
	for i, lr := range parsed[:numStartingRounds] {
		if len(lr.calls) > 0 {
			earlyCalls[numStartingRounds-i] = lr.calls
		}
	}

	g.gen = g.genRow
	g.startStroke = bell.StrokeFromIndex(numStartingRounds)
	g.earlyCalls = earlyCalls
	if g.private {
		g.summary = fmt.Sprintf("private comp #%d: %s", g.compID, g.compTitle)
	} else {
		g.summary = fmt.Sprintf("comp #%d: %s", g.compID, g.compTitle)
	}

	return g, nil
}

func (g *Composition) genRow(_ bell.Row, _ bell.Stroke, index int) (bell.Row, []string) {
	if index < len(g.loadedRows) {
		return g.loadedRows[index].row, g.loadedRows[index].calls
	}
	return g.Rounds(), nil
}

// processCallString splits CompLib's semicolon-joined call list,
// dropping "Stand" since Wheatley decides for itself when to stop.
func processCallString(calls string) []string {
	if calls == "" {
		return nil
	}

	var processed []string
	for _, call := range strings.Split(calls, ";") {
		call = strings.TrimSpace(call)
		if call != "Stand" {
			processed = append(processed, call)
		}
	}
	return processed
}
