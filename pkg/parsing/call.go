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
)

// CallError is returned when a call string cannot be parsed.
type CallError struct {
	// Input is the string the user supplied.
	Input string

	// Message describes what is wrong with it.
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("Error parsing call string '%s': %s", e.Input, e.Message)
}

// ParseCall parses a call string into a map of lead locations to place
// notation strings.
//
// Segments are separated by '/', and each segment is either a bare
// place notation (at location 0) or "<location>:<place notation>".
// For example "20:70/14" defines a 70 at location 20 and a 14 at the
// lead end.
func ParseCall(input string) (map[int]string, error) {
	fail := func(message string) error {
		return &CallError{Input: input, Message: message}
	}

	calls := make(map[int]string)

	for _, segment := range strings.Split(input, "/") {
		// The location defaults to 0, meaning the lead end.
		location := 0
		var notation string

		if strings.Contains(segment, ":") {
			parts := strings.Split(segment, ":")
			if len(parts) != 2 {
				return nil, fail(fmt.Sprintf(
					"Call specification '%s' should contain at most one ':'.",
					strings.TrimSpace(segment),
				))
			}

			locationString := strings.TrimSpace(parts[0])
			notation = strings.TrimSpace(parts[1])

			loc, err := strconv.Atoi(locationString)
			if err != nil {
				return nil, fail(fmt.Sprintf("Location '%s' is not an integer.", locationString))
			}
			location = loc
		} else {
			notation = strings.TrimSpace(segment)
		}

		if notation == "" {
			return nil, fail("Place notation strings cannot be empty.")
		}

		if existing, ok := calls[location]; ok {
			return nil, fail(fmt.Sprintf(
				"Location %d has two conflicting calls: '%s' and '%s'.",
				location, existing, notation,
			))
		}
		calls[location] = notation
	}

	return calls, nil
}
