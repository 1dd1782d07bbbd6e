// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package parsing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kneasle/wheatley/pkg/bell"
)

// PlaceNotationError is returned when a "<stage>:<place notation>"
// argument cannot be parsed.
type PlaceNotationError struct {
	// Input is the string the user supplied.
	Input string

	// Message describes what is wrong with it.
	Message string
}

func (e *PlaceNotationError) Error() string {
	return fmt.Sprintf("Error parsing place notation '%s': %s", e.Input, e.Message)
}

// ParsePlaceNotationArg splits a "<stage>:<place notation>" argument
// like "6:x16,12" and checks that the notation itself parses.
func ParsePlaceNotationArg(input string) (int, string, error) {
	parts := strings.SplitN(input, ":", 2)
	if len(parts) != 2 {
		return 0, "", &PlaceNotationError{Input: input, Message: "<stage>:<place notation> required"}
	}

	stage, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, "", &PlaceNotationError{Input: input, Message: "Stage must be a number"}
	}

	notation := strings.TrimSpace(parts[1])
	if _, err := bell.ParsePlaceNotation(notation, stage); err != nil {
		return 0, "", &PlaceNotationError{Input: input, Message: "Place notation is invalid"}
	}

	return stage, notation, nil
}
