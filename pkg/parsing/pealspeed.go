// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package parsing contains the functions that parse Wheatley's command
// line arguments, along with their error types.
//
// Each parser returns a typed error carrying both the offending input
// and a human-readable message, so the CLI can print exactly what the
// user got wrong without a stack trace.
package parsing

import (
	"fmt"
	"strconv"
	"strings"
)

// PealSpeedError is returned when a peal speed string cannot be parsed.
type PealSpeedError struct {
	// Input is the string the user supplied.
	Input string

	// Message describes what is wrong with it.
	Message string
}

func (e *PealSpeedError) Error() string {
	return fmt.Sprintf("Error parsing peal speed '%s': %s", e.Input, e.Message)
}

// ParsePealSpeed parses a peal speed written in the format "2h58(m?)"
// or "XXX(m?)" into a number of minutes.
func ParsePealSpeed(input string) (int, error) {
	fail := func(message string) error {
		return &PealSpeedError{Input: input, Message: message}
	}

	// Strip whitespace so that padded CLI arguments still parse.
	stripped := strings.TrimSpace(input)

	// Remove the 'm' from the end of the peal speed, it doesn't add any
	// clarity.
	stripped = strings.TrimSuffix(stripped, "m")

	if strings.Contains(stripped, "h") {
		parts := strings.Split(stripped, "h")
		if len(parts) > 2 {
			return 0, fail("The peal speed should contain at most one 'h'.")
		}

		hourString := strings.TrimSpace(parts[0])
		minuteString := strings.TrimSpace(parts[1])

		hours, err := strconv.Atoi(hourString)
		if err != nil {
			return 0, fail(fmt.Sprintf("The hour value '%s' is not an integer.", hourString))
		}
		if hours < 0 {
			return 0, fail(fmt.Sprintf("The hour value '%s' must be a positive integer.", hourString))
		}

		minutes := 0
		if minuteString != "" {
			minutes, err = strconv.Atoi(minuteString)
			if err != nil {
				return 0, fail(fmt.Sprintf("The minute value '%s' is not an integer.", minuteString))
			}
		}
		if minutes < 0 {
			return 0, fail(fmt.Sprintf("The minute value '%s' must be a positive integer.", minuteString))
		}
		if minutes > 59 {
			return 0, fail(fmt.Sprintf("The minute value '%s' must be smaller than 60.", minuteString))
		}

		return hours*60 + minutes, nil
	}

	// Without an 'h', the whole string is a minute value that may or may
	// not be bigger than 60.
	minutes, err := strconv.Atoi(stripped)
	if err != nil {
		return 0, fail(fmt.Sprintf("The minute value '%s' is not an integer.", stripped))
	}
	if minutes < 0 {
		return 0, fail(fmt.Sprintf("The minute value '%s' must be a positive integer.", stripped))
	}

	return minutes, nil
}
