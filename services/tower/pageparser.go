// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tower

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// pageTimeout bounds the fetch of the tower page.
const pageTimeout = 30 * time.Second

// Since Ringing Room added load balancing, the socket.io server is not
// necessarily at the site's own URL; each tower page embeds the
// address of the socket server that hosts that tower.
const serverIPMarker = `server_ip: "`

// TowerNotFoundError is returned when the Ringing Room page for a
// tower ID does not exist.
type TowerNotFoundError struct {
	ID  int
	URL string
}

func (e *TowerNotFoundError) Error() string {
	return fmt.Sprintf("Tower %d not found at '%s'.", e.ID, e.URL)
}

// InvalidURLError is returned when the Ringing Room site itself cannot
// be reached.
type InvalidURLError struct {
	URL string
	Err error
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("Unable to make a connection to '%s'.", e.URL)
}

func (e *InvalidURLError) Unwrap() error { return e.Err }

// LoadBalancingURL fetches a tower's Ringing Room page and extracts
// the URL of the socket.io server hosting that tower.
func LoadBalancingURL(ctx context.Context, towerID int, serverURL string) (string, error) {
	fixedURL := fixServerURL(serverURL)

	base, err := url.Parse(fixedURL)
	if err != nil {
		return "", &InvalidURLError{URL: fixedURL, Err: err}
	}
	pageURL := base.JoinPath(strconv.Itoa(towerID)).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", &InvalidURLError{URL: fixedURL, Err: err}
	}

	client := &http.Client{Timeout: pageTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", &InvalidURLError{URL: fixedURL, Err: err}
	}
	defer resp.Body.Close()

	html, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &InvalidURLError{URL: fixedURL, Err: err}
	}

	start := strings.Index(string(html), serverIPMarker)
	if start < 0 {
		return "", &TowerNotFoundError{ID: towerID, URL: fixedURL}
	}
	rest := string(html)[start+len(serverIPMarker):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return "", &TowerNotFoundError{ID: towerID, URL: fixedURL}
	}

	return rest[:end], nil
}

// fixServerURL adds 'https://' to the front of a URL if necessary.
func fixServerURL(serverURL string) string {
	if strings.HasPrefix(serverURL, "http") {
		return serverURL
	}
	return "https://" + serverURL
}
