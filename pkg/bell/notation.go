// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bell

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Places is one transform of a place notation: the set of places (as
// 1-indexed bell positions) that stay fixed while every other adjacent
// pair swaps.  An empty Places is a cross, where all pairs swap.
type Places []int

// IsCross reports whether this transform makes no places.
func (p Places) IsCross() bool {
	return len(p) == 0
}

func (p Places) contains(place int) bool {
	for _, q := range p {
		if q == place {
			return true
		}
	}
	return false
}

// MalformedNotationError is returned when a place notation cannot be
// turned into transforms on a stage.  Token is the part of the
// notation at fault.
type MalformedNotationError struct {
	Notation string
	Token    string
	Reason   string
}

func (e *MalformedNotationError) Error() string {
	return fmt.Sprintf("place notation '%s' is malformed: '%s' %s", e.Notation, e.Token, e.Reason)
}

// StageMismatchError is returned when a row is the wrong length for
// the stage it is used at.
type StageMismatchError struct {
	Stage  int
	Length int
}

func (e *StageMismatchError) Error() string {
	return fmt.Sprintf("row of %d bells does not fit a stage of %d", e.Length, e.Stage)
}

// crossDelimiter normalises a notation string so that every cross is
// surrounded by exactly one dot on each side.
var crossDelimiter = regexp.MustCompile(`[.]*[x-][.]*`)

// ParsePlaceNotation converts a place notation string into a list of
// transforms for the given stage.
//
// Crosses are written "x" or "-", places as bell symbols, and
// transforms are separated by dots (optional around a cross).  A
// leading "&" makes the block symmetric: the whole block is appended
// again in reverse, omitting the final transform.  Commas join
// independently parsed blocks, each of which is symmetric unless
// prefixed with "+", so Plain Bob Minimus can be written "&x1x1,2"
// (or equivalently "x1x1,2").
//
// Unknown symbols, places outside the stage and places that leave an
// odd run of bells with nobody to swap with are rejected with a
// MalformedNotationError.  Implicit places at lead and lie are fine:
// "4" on Minimus means "14".
func ParsePlaceNotation(notation string, stage int) ([]Places, error) {
	if strings.Contains(notation, ",") {
		var out []Places
		for _, part := range strings.Split(notation, ",") {
			block, err := parseNotationBlock(part, notation, stage, true)
			if err != nil {
				return nil, err
			}
			out = append(out, block...)
		}
		return out, nil
	}
	return parseNotationBlock(notation, notation, stage, false)
}

func parseNotationBlock(block, notation string, stage int, defaultSymmetric bool) ([]Places, error) {
	trimmed := strings.TrimSpace(block)
	symmetric := defaultSymmetric
	if strings.HasPrefix(trimmed, "&") {
		symmetric = true
	} else if strings.HasPrefix(trimmed, "+") {
		symmetric = false
	}

	normalised := crossDelimiter.ReplaceAllString(trimmed, ".-.")
	normalised = strings.Trim(normalised, ".&+ ")
	normalised = strings.ReplaceAll(normalised, "..", ".")

	var converted []Places
	for _, token := range strings.Split(normalised, ".") {
		if token == "-" {
			converted = append(converted, Places{})
			continue
		}
		places := make(Places, 0, len(token))
		for _, symbol := range strings.Split(token, "") {
			b, err := FromName(symbol)
			if err != nil {
				return nil, &MalformedNotationError{
					Notation: notation,
					Token:    symbol,
					Reason:   "is not known bell symbol",
				}
			}
			if b.Number() > stage {
				return nil, &MalformedNotationError{
					Notation: notation,
					Token:    symbol,
					Reason:   fmt.Sprintf("is outside the stage of %d", stage),
				}
			}
			places = append(places, b.Number())
		}
		sort.Ints(places)
		if !places.pairable(stage) {
			return nil, &MalformedNotationError{
				Notation: notation,
				Token:    token,
				Reason:   "leaves an odd run of bells with nobody to swap with",
			}
		}
		converted = append(converted, places)
	}

	if symmetric {
		for i := len(converted) - 2; i >= 0; i-- {
			converted = append(converted, converted[i])
		}
	}
	return converted, nil
}

// pairable checks that the bells not making places pair up for
// swapping.  The run before the first place may be odd (an implicit
// lead) and so may the run after the last (an implicit lie), but an
// odd run between two places leaves the notation ambiguous.
func (p Places) pairable(stage int) bool {
	i := 1
	if len(p) > 0 && p[0]%2 == 0 {
		i++
	}
	for i < stage {
		if p.contains(i) {
			i++
			continue
		}
		if p.contains(i + 1) {
			return false
		}
		i += 2
	}
	return true
}

// Permute applies one place notation transform to a row.  The lowest
// notated place being even implies a place at lead; all other pairs of
// bells not making places swap.  Only the first `stage` bells take part
// in the transform, so rows longer than the stage keep their tail
// unchanged.  The row must hold at least `stage` bells.
func Permute(row Row, places Places, stage int) Row {
	out := row.Copy()

	i := 1
	if len(places) > 0 && places[0]%2 == 0 {
		// Implicit lead when the lowest notated place is even.
		i++
	}

	for i < stage {
		if places.contains(i) {
			i++
			continue
		}
		out[i-1], out[i] = out[i], out[i-1]
		i += 2
	}
	return out
}
