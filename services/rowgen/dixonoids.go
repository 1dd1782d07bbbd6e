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

// DixonRules maps a leading bell number to the [handstroke, backstroke]
// place notations rung while that bell leads.  The key 0 matches any
// bell without a rule of its own.
type DixonRules map[int][2]string

// The rules of Dixon's Bob Minor, and its usual calls.  Calls only
// list the bells whose lead is affected by the call.
var (
	DixonsRules       = DixonRules{0: {"x", "1"}, 1: {"x", "2"}, 2: {"x", "4"}, 4: {"x", "4"}}
	DixonsBobRules    = DixonRules{1: {"x", "4"}}
	DixonsSingleRules = DixonRules{1: {"x", "1234"}}
)

// Dixonoids generates rows for rule-based methods in the style of
// Dixon's Bob Minor, where the notation rung on each stroke depends on
// which bell is leading rather than on a fixed lead cycle.
type Dixonoids struct {
	base

	plainRules  map[int][2]bell.Places
	bobRules    map[int][2]bell.Places
	singleRules map[int][2]bell.Places
}

// NewDixonoids creates a rule-based generator.  Passing nil for any
// rule set selects the Dixon's Bob Minor rules for it.
func NewDixonoids(
	stage int,
	plain DixonRules,
	bobs DixonRules,
	singles DixonRules,
	startRow string,
	logger *logging.Logger,
) (*Dixonoids, error) {
	b, err := newBase(stage, startRow, logger)
	if err != nil {
		return nil, err
	}

	if plain == nil {
		plain = DixonsRules
	}
	if bobs == nil {
		bobs = DixonsBobRules
	}
	if singles == nil {
		singles = DixonsSingleRules
	}

	g := &Dixonoids{base: b}
	if g.plainRules, err = parseDixonRules(plain, stage); err != nil {
		return nil, err
	}
	if g.bobRules, err = parseDixonRules(bobs, stage); err != nil {
		return nil, err
	}
	if g.singleRules, err = parseDixonRules(singles, stage); err != nil {
		return nil, err
	}

	g.gen = g.genRow
	g.summary = fmt.Sprintf("dixonoid on %d", stage)

	return g, nil
}

func (g *Dixonoids) genRow(previous bell.Row, stroke bell.Stroke, _ int) (bell.Row, []string) {
	leadingBell := previous[0].Number()
	pnIndex := 0
	if stroke.IsBack() {
		pnIndex = 1
	}

	var places bell.Places
	if rule, ok := g.bobRules[leadingBell]; g.hasBob && ok {
		places = rule[pnIndex]

		// A call affects the whole of the lead, so the latch is only
		// released once the backstroke half has rung.
		if stroke.IsBack() {
			g.ResetCalls()
		}
	} else if rule, ok := g.singleRules[leadingBell]; g.hasSingle && ok {
		places = rule[pnIndex]

		if stroke.IsBack() {
			g.ResetCalls()
		}
	} else if rule, ok := g.plainRules[leadingBell]; ok {
		places = rule[pnIndex]
	} else {
		places = g.plainRules[0][pnIndex]
	}

	return g.permute(previous, places), nil
}

// parseDixonRules converts each stroke's notation string into its first
// transform.
func parseDixonRules(rules DixonRules, stage int) (map[int][2]bell.Places, error) {
	parsed := make(map[int][2]bell.Places, len(rules))
	for leadingBell, notations := range rules {
		var transforms [2]bell.Places
		for i, notation := range notations {
			converted, err := bell.ParsePlaceNotation(notation, stage)
			if err != nil {
				return nil, fmt.Errorf("rule for bell %d: %w", leadingBell, err)
			}
			if len(converted) == 0 {
				return nil, fmt.Errorf("rule for bell %d: notation '%s' contains no transforms", leadingBell, notation)
			}
			transforms[i] = converted[0]
		}
		parsed[leadingBell] = transforms
	}
	return parsed, nil
}
