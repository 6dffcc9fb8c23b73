package jobhooks

// Jobhooks is a Kubernetes Job completion webhook service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

import (
	"errors"
	"strings"
	"testing"
)

func TestParseJobName(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"simple", "payroll-nightly", nil},
		{"dots and underscores", "batch.export_v2", nil},
		{"single char", "a", nil},
		{"empty is allowed", "", nil},
		{"max length", strings.Repeat("a", 253), nil},
		{"too long", strings.Repeat("a", 254), ErrJobNameTooLong},
		{"invalid char", "pay/roll", ErrJobNameInvalidCharacters},
		{"space", "pay roll", ErrJobNameInvalidCharacters},
		{"leading dash", "-payroll", ErrJobNameInvalidStart},
		{"leading dot", ".hidden", ErrJobNameInvalidStart},
		{"leading underscore", "_x", ErrJobNameInvalidStart},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseJobName(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ParseJobName(%q) error = %v, want %v", tc.input, err, tc.wantErr)
			}
			if err == nil && got != tc.input {
				t.Fatalf("ParseJobName(%q) = %q, want input unchanged", tc.input, got)
			}
		})
	}
}

func TestParseHTTPURL(t *testing.T) {
	if _, err := ParseHTTPURL("http://sink/a"); err != nil {
		t.Fatalf("http URL rejected: %v", err)
	}
	if _, err := ParseHTTPURL("https://sink.example.com:8443/hook?x=1"); err != nil {
		t.Fatalf("https URL rejected: %v", err)
	}
	for _, bad := range []string{"ftp://host/x", "file:///etc/passwd", "sink/a", ""} {
		if _, err := ParseHTTPURL(bad); !errors.Is(err, ErrURLSchemeNotSupported) {
			t.Fatalf("ParseHTTPURL(%q) error = %v, want scheme error", bad, err)
		}
	}
	// Scheme gate runs first, so malformed URLs without the prefix never
	// reach the structural parser.
	if _, err := ParseHTTPURL("http://bad url with spaces"); err == nil {
		t.Fatalf("malformed URL accepted")
	}
}

func TestFamilyOf(t *testing.T) {
	cases := map[string]string{
		"payroll-42":         "payroll",
		"payroll-nightly-42": "payroll-nightly",
		"payroll-":           "payroll",
		"payroll":            "",
		"":                   "",
	}
	for name, want := range cases {
		if got := FamilyOf(name); got != want {
			t.Fatalf("FamilyOf(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestWatcherStatusTerminal(t *testing.T) {
	terminal := []WatcherStatus{
		WatcherStatusCompleted, WatcherStatusPartiallyCompleted,
		WatcherStatusFailed, WatcherStatusTimeout, WatcherStatusCancelled,
	}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
		if !s.Valid() {
			t.Fatalf("%s should be valid", s)
		}
	}
	for _, s := range []WatcherStatus{WatcherStatusPending, WatcherStatusProcessing} {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	if WatcherStatus("bogus").Valid() {
		t.Fatalf("bogus status should not be valid")
	}
	if TriggerStatus("bogus").Valid() {
		t.Fatalf("bogus trigger status should not be valid")
	}
}
