// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bell

import (
	"strconv"
	"strings"
)

// stageNames maps the traditional names of stages onto their number of
// bells.
var stageNames = map[string]int{
	"singles": 3,
	"minimus": 4,
	"doubles": 5,
	"minor":   6,
	"triples": 7,
	"major":   8,
	"caters":  9,
	"royal":   10,
	"cinques": 11,
	"maximus": 12,
}

// StageFromName resolves a stage word from a method title, accepting
// either a traditional name ("major") or a number of bells ("8") that
// corresponds to a named stage.  The lookup is case-insensitive.
func StageFromName(word string) (int, bool) {
	lowered := strings.ToLower(strings.TrimSpace(word))
	if n, err := strconv.Atoi(lowered); err == nil {
		for _, stage := range stageNames {
			if stage == n {
				return n, true
			}
		}
		return 0, false
	}
	stage, ok := stageNames[lowered]
	return stage, ok
}
