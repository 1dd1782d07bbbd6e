// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rowgen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/kneasle/wheatley/pkg/logging"
	"github.com/kneasle/wheatley/services/complib"
)

// RowGenParseError is returned when the row generator description sent
// by the Ringing Room server cannot be turned into a generator.
type RowGenParseError struct {
	JSON    map[string]any
	Field   string
	Message string
}

func (e *RowGenParseError) Error() string {
	return fmt.Sprintf("Error parsing RowGen json '%v' in field '%s': %s", e.JSON, e.Field, e.Message)
}

// FromJSON converts a row generator description received over SocketIO
// into a generator.  The server sends either a method (stage, place
// notation and calls) or a CompLib composition reference.
//
// Parameters:
//   - ctx: Context for any CompLib request the description triggers
//   - data: The decoded JSON description
//   - client: The CompLib API client, used for composition descriptions
//   - logger: Logger for parse warnings and generator events
func FromJSON(
	ctx context.Context,
	data map[string]any,
	client *complib.Client,
	logger *logging.Logger,
) (RowGenerator, error) {
	if logger == nil {
		logger = logging.Default()
	}

	genType, ok := data["type"]
	if !ok {
		return nil, &RowGenParseError{JSON: data, Field: "type", Message: "'type' is not defined"}
	}

	switch genType {
	case "method":
		return methodFromJSON(data, logger)
	case "composition":
		return compositionFromJSON(ctx, data, client, logger)
	}

	return nil, &RowGenParseError{
		JSON:    data,
		Field:   "type",
		Message: fmt.Sprintf("%v is not one of 'method' or 'composition'", genType),
	}
}

func methodFromJSON(data map[string]any, logger *logging.Logger) (RowGenerator, error) {
	rawStage, ok := data["stage"]
	if !ok {
		return nil, &RowGenParseError{JSON: data, Field: "stage", Message: "'stage' is not defined"}
	}
	stage, ok := toInt(rawStage)
	if !ok {
		return nil, &RowGenParseError{
			JSON:    data,
			Field:   "stage",
			Message: fmt.Sprintf("'%v' is not a valid integer", rawStage),
		}
	}

	notation, ok := data["notation"].(string)
	if !ok {
		return nil, &RowGenParseError{JSON: data, Field: "notation", Message: "'notation' is not defined"}
	}

	bob, err := callFromJSON(data, "bob", logger)
	if err != nil {
		return nil, err
	}
	single, err := callFromJSON(data, "single", logger)
	if err != nil {
		return nil, err
	}

	g, err := NewPlaceNotation(stage, notation, bob, single, 0, "", logger)
	if err != nil {
		return nil, &RowGenParseError{JSON: data, Field: "notation", Message: err.Error()}
	}
	return g, nil
}

func compositionFromJSON(
	ctx context.Context,
	data map[string]any,
	client *complib.Client,
	logger *logging.Logger,
) (RowGenerator, error) {
	compURL, ok := data["url"].(string)
	if !ok {
		return nil, &RowGenParseError{JSON: data, Field: "url", Message: "'url' is not defined"}
	}

	g, err := NewComposition(ctx, client, compURL, logger)
	if err != nil {
		var privateErr *complib.PrivateCompError
		var invalidErr *complib.InvalidCompError
		switch {
		case errors.As(err, &privateErr):
			return nil, &RowGenParseError{
				JSON:    data,
				Field:   "complib request",
				Message: fmt.Sprintf("Comp id '%s' is private", compURL),
			}
		case errors.As(err, &invalidErr):
			return nil, &RowGenParseError{
				JSON:    data,
				Field:   "complib request",
				Message: fmt.Sprintf("No composition with id '%s' found", compURL),
			}
		}
		return nil, err
	}
	return g, nil
}

// callFromJSON reads a call definition from the description.  A missing
// field is not an error: the generator falls back to the standard call.
func callFromJSON(data map[string]any, name string, logger *logging.Logger) (CallDef, error) {
	rawCall, ok := data[name]
	if !ok {
		logger.Warn("row generator JSON has no call definition", "call", name)
		return nil, nil
	}

	entries, ok := rawCall.(map[string]any)
	if !ok {
		return nil, &RowGenParseError{
			JSON:    data,
			Field:   name,
			Message: fmt.Sprintf("'%v' is not a call definition", rawCall),
		}
	}

	call := CallDef{}
	for key, value := range entries {
		index, err := strconv.Atoi(key)
		if err != nil {
			return nil, &RowGenParseError{
				JSON:    data,
				Field:   name,
				Message: fmt.Sprintf("Call index '%s' is not a valid integer", key),
			}
		}
		notation, ok := value.(string)
		if !ok {
			return nil, &RowGenParseError{
				JSON:    data,
				Field:   name,
				Message: fmt.Sprintf("Call notation '%v' is not a string", value),
			}
		}
		call[index] = notation
	}
	return call, nil
}

// toInt accepts the integer encodings JSON can produce: a number or a
// numeric string.
func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
