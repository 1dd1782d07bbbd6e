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

// StartRowError is returned when a start row string cannot be parsed.
type StartRowError struct {
	// Input is the string the user supplied.
	Input string

	// Message describes what is wrong with it.
	Message string
}

func (e *StartRowError) Error() string {
	return fmt.Sprintf("Error parsing start row '%s': %s", e.Input, e.Message)
}

// ParseStartRow validates a start row like "54321" and returns its
// stage.
//
// The row must contain every bell up to its heaviest exactly once, so
// "64321" is rejected because the 5 is missing.
func ParseStartRow(input string) (int, error) {
	fail := func(message string) error {
		return &StartRowError{Input: input, Message: message}
	}

	seen := make(map[bell.Bell]bool)
	maxNumber := 0
	for _, symbol := range strings.Split(input, "") {
		b, err := bell.FromName(symbol)
		if err != nil {
			return 0, fail(err.Error())
		}
		if seen[b] {
			return 0, fail(fmt.Sprintf("Start row contains bell %s mutiple times", b))
		}
		seen[b] = true
		if b.Number() > maxNumber {
			maxNumber = b.Number()
		}
	}

	// Every bell below the heaviest must appear somewhere in the row.
	var missing []string
	for n := 1; n <= maxNumber; n++ {
		b, err := bell.FromNumber(n)
		if err != nil {
			return 0, fail(err.Error())
		}
		if !seen[b] {
			missing = append(missing, strconv.Itoa(n))
		}
	}
	if len(missing) > 0 {
		return 0, fail(fmt.Sprintf("Start row does not contain bell(s) [%s]", strings.Join(missing, ", ")))
	}

	return len(seen), nil
}
