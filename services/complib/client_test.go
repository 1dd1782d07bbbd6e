// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package complib

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestParseArg(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		id      int
		key     string
		substID int
	}{
		{name: "plain ID", arg: "62355", id: 62355},
		{name: "bare domain", arg: "complib.org/composition/62355", id: 62355},
		{name: "www domain", arg: "www.complib.org/composition/62355", id: 62355},
		{name: "https URL", arg: "https://complib.org/composition/71994", id: 71994},
		{name: "https www URL", arg: "https://www.complib.org/composition/71994", id: 71994},
		{
			name: "access key",
			arg:  "https://complib.org/composition/70383?accessKey=cf75d5e0d213d4d3ea38f58f5bfdfd8e86b99ccf",
			id:   70383,
			key:  "cf75d5e0d213d4d3ea38f58f5bfdfd8e86b99ccf",
		},
		{
			name: "ID with access key",
			arg:  "70383?accessKey=cf75d5e0d213d4d3ea38f58f5bfdfd8e86b99ccf",
			id:   70383,
			key:  "cf75d5e0d213d4d3ea38f58f5bfdfd8e86b99ccf",
		},
		{
			name:    "method substitution",
			arg:     "https://complib.org/composition/51155?substitutedmethodid=27600",
			id:      51155,
			substID: 27600,
		},
		{
			name:    "substitution and access key",
			arg:     "https://complib.org/composition/51155?substitutedmethodid=27600&accessKey=9e1fcd2b11435552cf236be93c7ff73058870995",
			id:      51155,
			key:     "9e1fcd2b11435552cf236be93c7ff73058870995",
			substID: 27600,
		},
		{
			name: "extra query parameters ignored",
			arg:  "https://complib.org/composition/62355?foo=bar&baz",
			id:   62355,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseArg(tt.arg)
			if err != nil {
				t.Fatalf("ParseArg(%q) error = %v", tt.arg, err)
			}

			if ref.ID != tt.id {
				t.Errorf("ID = %d, want %d", ref.ID, tt.id)
			}
			if ref.SubstitutedMethodID != tt.substID {
				t.Errorf("SubstitutedMethodID = %d, want %d", ref.SubstitutedMethodID, tt.substID)
			}

			if tt.key == "" {
				if ref.Key != nil {
					t.Errorf("Key = %v, want nil", ref.Key)
				}
				return
			}
			if ref.Key == nil {
				t.Fatal("Key = nil, want a sealed key")
			}
			key, err := ref.Key.Open()
			if err != nil {
				t.Fatalf("Key.Open() error = %v", err)
			}
			if key != tt.key {
				t.Errorf("Key.Open() = %q, want %q", key, tt.key)
			}
		})
	}
}

func TestParseArg_Errors(t *testing.T) {
	tests := []struct {
		name   string
		arg    string
		reason string
	}{
		{
			name:   "no path segments",
			arg:    "complib.org",
			reason: "URL needs more path segments.",
		},
		{
			name:   "not a composition",
			arg:    "https://complib.org/method/12345",
			reason: "Not a composition.",
		},
		{
			name:   "non-numeric ID",
			arg:    "https://complib.org/composition/abc",
			reason: "Composition ID 'abc' is not a number.",
		},
		{
			name:   "non-numeric substitution",
			arg:    "https://complib.org/composition/51155?substitutedmethodid=xyz",
			reason: "Substituted method ID 'xyz' is not a number.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseArg(tt.arg)

			var urlErr *InvalidURLError
			if !errors.As(err, &urlErr) {
				t.Fatalf("ParseArg(%q) error = %v, want InvalidURLError", tt.arg, err)
			}
			if urlErr.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", urlErr.Reason, tt.reason)
			}
		})
	}
}

func TestClient_Rows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/composition/62355/rows" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/composition/62355/rows")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"title": "5040 Plain Bob Major",
			"stage": 8,
			"rows": [
				[["1","2","3","4","5","6","7","8"], "Go", 0],
				[["2","1","4","3","6","5","8","7"], "", 2]
			]
		}`))
	}))
	defer server.Close()

	client := NewClient(nil).WithBaseURL(server.URL + "/composition/")

	rows, err := client.Rows(context.Background(), CompRef{ID: 62355})
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}

	if rows.Title != "5040 Plain Bob Major" {
		t.Errorf("Title = %q", rows.Title)
	}
	if rows.Stage != 8 {
		t.Errorf("Stage = %d, want 8", rows.Stage)
	}
	if len(rows.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows.Rows))
	}
	if rows.Rows[0].Calls != "Go" {
		t.Errorf("row 0 calls = %q, want %q", rows.Rows[0].Calls, "Go")
	}
	want := []string{"2", "1", "4", "3", "6", "5", "8", "7"}
	if !reflect.DeepEqual(rows.Rows[1].Bells, want) {
		t.Errorf("row 1 bells = %v, want %v", rows.Rows[1].Bells, want)
	}
}

func TestClient_Rows_ForwardsAccessKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("accessKey"); got != "secretkey" {
			t.Errorf("accessKey = %q, want %q", got, "secretkey")
		}
		if got := r.URL.Query().Get("substitutedmethodid"); got != "27600" {
			t.Errorf("substitutedmethodid = %q, want %q", got, "27600")
		}
		w.Write([]byte(`{"title": "t", "stage": 6, "rows": []}`))
	}))
	defer server.Close()

	client := NewClient(nil).WithBaseURL(server.URL + "/composition/")

	ref := CompRef{ID: 1, Key: NewKeyVault("secretkey"), SubstitutedMethodID: 27600}
	if _, err := client.Rows(context.Background(), ref); err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
}

func TestClient_Rows_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(nil).WithBaseURL(server.URL + "/composition/")

	_, err := client.Rows(context.Background(), CompRef{ID: 62355})

	var invalidErr *InvalidCompError
	if !errors.As(err, &invalidErr) {
		t.Fatalf("Rows() error = %v, want InvalidCompError", err)
	}
	if got := invalidErr.Error(); got != "Composition with ID 62355 is does not exist." {
		t.Errorf("error = %q", got)
	}
}

func TestClient_Rows_Private(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(nil).WithBaseURL(server.URL + "/composition/")

	_, err := client.Rows(context.Background(), CompRef{ID: 70383})

	var privateErr *PrivateCompError
	if !errors.As(err, &privateErr) {
		t.Fatalf("Rows() error = %v, want PrivateCompError", err)
	}
	if got := privateErr.Error(); got != "Composition with ID 70383 is private." {
		t.Errorf("error = %q", got)
	}
}

func TestRowEntry_UnmarshalJSON(t *testing.T) {
	var entry RowEntry
	if err := json.Unmarshal([]byte(`[["1","2"], "Bob", 4]`), &entry); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if !reflect.DeepEqual(entry.Bells, []string{"1", "2"}) {
		t.Errorf("Bells = %v", entry.Bells)
	}
	if entry.Calls != "Bob" {
		t.Errorf("Calls = %q", entry.Calls)
	}

	if err := json.Unmarshal([]byte(`[["1","2"]]`), &entry); err == nil {
		t.Error("expected an error for a row with too few elements")
	}
	if err := json.Unmarshal([]byte(`"notarow"`), &entry); err == nil {
		t.Error("expected an error for a non-array row")
	}
}
