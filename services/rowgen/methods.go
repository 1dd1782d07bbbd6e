// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rowgen

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kneasle/wheatley/pkg/bell"
	"github.com/kneasle/wheatley/pkg/logging"
)

// methodLibraryURL is the Central Council method library endpoint.
// Schema at http://methods.ringing.org/xml.html.
var methodLibraryURL = "http://methods.ringing.org/cgi-bin/simple.pl"

var methodHTTPClient = &http.Client{Timeout: 30 * time.Second}

// MethodNotFoundError is returned when a method title has no entry in
// the Central Council method library.
type MethodNotFoundError struct {
	Title string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("No method with title '%s' found.", e.Title)
}

// PlaceNotationNotFoundError is returned when the method library knows
// a method but holds no place notation for it.
type PlaceNotationNotFoundError struct {
	Title string
}

func (e *PlaceNotationNotFoundError) Error() string {
	return fmt.Sprintf("No place notation for method with title '%s' found.", e.Title)
}

// FromSpecialTitle creates a row generator from the method titles that
// Wheatley handles itself rather than looking up in the method library:
// Grandsire, Stedman, plain hunt and Dixon's Bob Minor.
//
// Returns:
//   - RowGenerator: The generator, or nil if the title is not special
//     and should be looked up in the method library instead
//   - error: Non-nil if the title has no parsable stage
func FromSpecialTitle(title string, startRow string, logger *logging.Logger) (RowGenerator, error) {
	lowered := strings.ToLower(strings.TrimSpace(title))
	if !strings.Contains(lowered, " ") {
		return nil, &MethodNotFoundError{Title: title}
	}

	splitAt := strings.LastIndex(lowered, " ")
	methodName := strings.TrimSpace(lowered[:splitAt])
	stageName := lowered[splitAt+1:]

	stage, ok := bell.StageFromName(stageName)
	if !ok {
		return nil, &MethodNotFoundError{Title: title}
	}

	switch {
	case methodName == "grandsire" && stage >= 5:
		g, err := Grandsire(stage, startRow, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	case methodName == "stedman" && stage%2 == 1 && stage >= 5:
		g, err := Stedman(stage, startRow, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	case methodName == "plain hunt" || methodName == "plain hunt on":
		g, err := NewPlainHunt(stage, startRow, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	case methodName == "dixon's bob" && stage == 6:
		g, err := NewDixonoids(stage, nil, nil, nil, startRow, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	}

	return nil, nil
}

// NewMethod creates a generator by looking a method title up in the
// Central Council method library.
//
// Parameters:
//   - ctx: Context for the library request
//   - title: The full method title, e.g. "Plain Bob Major"
//   - bob: Bob substitutions by lead location, or nil for the default
//   - single: Single substitutions by lead location, or nil for the default
//   - startRow: A custom start row, or "" to start from rounds
//   - startIndex: The row index within the lead to start ringing from
//   - logger: Logger for generator events (nil for the default logger)
//
// Returns:
//   - *PlaceNotation: A generator for the method's place notation, with
//     the library's title as its summary
//   - error: MethodNotFoundError or PlaceNotationNotFoundError for
//     library misses, or a transport error
func NewMethod(
	ctx context.Context,
	title string,
	bob CallDef,
	single CallDef,
	startRow string,
	startIndex int,
	logger *logging.Logger,
) (*PlaceNotation, error) {
	data, err := fetchMethodXML(ctx, title)
	if err != nil {
		return nil, err
	}

	notation, stage, actualTitle, err := parseMethodXML(data, title)
	if err != nil {
		return nil, err
	}

	g, err := NewPlaceNotation(stage, notation, bob, single, startIndex, startRow, logger)
	if err != nil {
		return nil, err
	}
	g.summary = actualTitle

	return g, nil
}

func fetchMethodXML(ctx context.Context, title string) ([]byte, error) {
	query := url.Values{}
	query.Set("title", title)
	query.Set("fields", "title|pn|stage")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, methodLibraryURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := methodHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("method library request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("method library returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

// methodXML mirrors the parts of the library's XML schema that
// Wheatley reads.  Symmetric methods carry two symblocks (the main
// body and the lead end), asymmetric methods a single block.
type methodXML struct {
	Methods []struct {
		Title     string   `xml:"title"`
		Stage     string   `xml:"stage"`
		Symblocks []string `xml:"pn>symblock"`
		Blocks    []string `xml:"pn>block"`
	} `xml:"method"`
}

func parseMethodXML(data []byte, requestedTitle string) (notation string, stage int, title string, err error) {
	var parsed methodXML
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return "", 0, "", fmt.Errorf("parse method XML: %w", err)
	}

	// An unknown title produces a document with no <method> elements.
	if len(parsed.Methods) == 0 || parsed.Methods[0].Title == "" {
		return "", 0, "", &MethodNotFoundError{Title: requestedTitle}
	}
	method := parsed.Methods[0]

	stage, err = strconv.Atoi(strings.TrimSpace(method.Stage))
	if err != nil {
		return "", 0, "", fmt.Errorf("method library returned invalid stage '%s'", method.Stage)
	}

	if len(method.Symblocks) >= 2 {
		notation = fmt.Sprintf("&%s,&%s", method.Symblocks[0], method.Symblocks[1])
		return notation, stage, method.Title, nil
	}
	if len(method.Blocks) > 0 {
		return method.Blocks[0], stage, method.Title, nil
	}

	return "", 0, "", &PlaceNotationNotFoundError{Title: method.Title}
}
