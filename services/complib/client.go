// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package complib fetches compositions from complib.org.
//
// # Description
//
// CompLib serves the rows of a composition as JSON from its public
// API.  This package parses user-supplied composition references
// (either bare IDs or full URLs, optionally carrying an access key for
// private compositions), performs the API call, and decodes the
// response.  Access keys are held in locked memory for the lifetime of
// the process; see KeyVault.
package complib

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kneasle/wheatley/pkg/logging"
)

// DefaultBaseURL is the composition endpoint of the CompLib API.
const DefaultBaseURL = "https://api.complib.org/composition/"

// DefaultTimeout bounds each API request.
const DefaultTimeout = 30 * time.Second

// PrivateCompError is returned when a composition requires an access
// key that was not supplied or was rejected.
type PrivateCompError struct {
	ID int
}

func (e *PrivateCompError) Error() string {
	return fmt.Sprintf("Composition with ID %d is private.", e.ID)
}

// InvalidCompError is returned when no composition exists with the
// requested ID.
type InvalidCompError struct {
	ID int
}

func (e *InvalidCompError) Error() string {
	return fmt.Sprintf("Composition with ID %d is does not exist.", e.ID)
}

// InvalidURLError is returned when a composition reference cannot be
// parsed.
type InvalidURLError struct {
	URL    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("Invalid CompLib URL '%s': %s", e.URL, e.Reason)
}

// CompRef identifies a composition to fetch.
type CompRef struct {
	// ID is the numeric composition ID.
	ID int

	// Key holds the access key for private compositions, or nil for
	// public ones.
	Key *KeyVault

	// SubstitutedMethodID asks CompLib to substitute another method
	// into the composition.  0 means no substitution.
	SubstitutedMethodID int
}

// ParseArg parses a composition reference as given on the command line
// or over the wire: either a plain ID like "62355", or any CompLib
// composition URL, with or without a scheme.
func ParseArg(arg string) (CompRef, error) {
	// A reference without 'complib.org' in it is taken to be a bare ID
	// (possibly with a query string) and normalised into a URL.
	rawURL := arg
	if !strings.Contains(arg, "complib.org") {
		rawURL = "https://complib.org/composition/" + arg
	}
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "https://" + rawURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return CompRef{}, &InvalidURLError{URL: rawURL, Reason: err.Error()}
	}

	pathSegs := strings.Split(parsed.Path, "/")
	if len(pathSegs) > 0 && pathSegs[0] == "" {
		pathSegs = pathSegs[1:]
	}
	if len(pathSegs) <= 1 {
		return CompRef{}, &InvalidURLError{URL: rawURL, Reason: "URL needs more path segments."}
	}
	if pathSegs[0] != "composition" {
		return CompRef{}, &InvalidURLError{URL: rawURL, Reason: "Not a composition."}
	}
	compID, err := strconv.Atoi(pathSegs[1])
	if err != nil {
		return CompRef{}, &InvalidURLError{
			URL:    rawURL,
			Reason: fmt.Sprintf("Composition ID '%s' is not a number.", pathSegs[1]),
		}
	}

	ref := CompRef{ID: compID}
	// Pull the access key and method substitution out of the query
	// string by hand, ignoring anything that isn't a simple k=v pair.
	for _, q := range strings.Split(parsed.RawQuery, "&") {
		parts := strings.Split(q, "=")
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "accessKey":
			ref.Key = NewKeyVault(parts[1])
		case "substitutedmethodid":
			substID, err := strconv.Atoi(parts[1])
			if err != nil {
				return CompRef{}, &InvalidURLError{
					URL:    rawURL,
					Reason: fmt.Sprintf("Substituted method ID '%s' is not a number.", parts[1]),
				}
			}
			ref.SubstitutedMethodID = substID
		}
	}

	return ref, nil
}

// RowEntry is one row of a composition: the bells in order, plus the
// calls made as that row comes round.  The API encodes each row as a
// 3-element JSON array of [bells, calls, property bitmap].
type RowEntry struct {
	Bells []string
	Calls string
}

// UnmarshalJSON decodes the API's positional row encoding.  The third
// element (a property bitmap) is ignored.
func (e *RowEntry) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) < 2 {
		return fmt.Errorf("composition row has %d elements, expected at least 2", len(parts))
	}
	if err := json.Unmarshal(parts[0], &e.Bells); err != nil {
		return fmt.Errorf("row bells: %w", err)
	}
	if err := json.Unmarshal(parts[1], &e.Calls); err != nil {
		return fmt.Errorf("row calls: %w", err)
	}
	return nil
}

// CompositionRows is the decoded response of the rows endpoint.
type CompositionRows struct {
	Title string     `json:"title"`
	Stage int        `json:"stage"`
	Rows  []RowEntry `json:"rows"`
}

// Client calls the CompLib API.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a CompLib API client.  A nil logger selects the
// default logger.
func NewClient(logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logger,
	}
}

// WithBaseURL points the client at a different API root.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = baseURL
	return c
}

// Rows fetches the full row list of a composition.
//
// Returns:
//   - *CompositionRows: The composition's title, stage and rows
//   - error: PrivateCompError or InvalidCompError for API rejections,
//     or a transport or decode error
func (c *Client) Rows(ctx context.Context, ref CompRef) (*CompositionRows, error) {
	reqURL := c.baseURL + strconv.Itoa(ref.ID) + "/rows"

	query := url.Values{}
	if ref.Key != nil {
		key, err := ref.Key.Open()
		if err != nil {
			return nil, fmt.Errorf("open access key: %w", err)
		}
		query.Set("accessKey", key)
	}
	if ref.SubstitutedMethodID != 0 {
		query.Set("substitutedmethodid", strconv.Itoa(ref.SubstitutedMethodID))
	}
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.logger.Debug("fetching composition", "comp_id", ref.ID, "private", ref.Key != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("complib request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &InvalidCompError{ID: ref.ID}
	case http.StatusForbidden:
		return nil, &PrivateCompError{ID: ref.ID}
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("complib returned status %d: %s", resp.StatusCode, string(body))
	}

	var rows CompositionRows
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode composition: %w", err)
	}

	c.logger.Debug("fetched composition",
		"comp_id", ref.ID,
		"title", rows.Title,
		"stage", rows.Stage,
		"num_rows", len(rows.Rows),
	)

	return &rows, nil
}
