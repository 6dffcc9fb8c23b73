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

package jobhooks

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// Job name validation mirrors Kubernetes object-name constraints.
var (
	ErrJobNameTooLong           = errors.New("job name must not exceed 253 characters")
	ErrJobNameInvalidCharacters = errors.New("job name can only contain alphanumeric characters, '-', '.', and '_'")
	ErrJobNameInvalidStart      = errors.New("job name must start with an alphanumeric character")

	ErrURLSchemeNotSupported = errors.New("only http/https scheme is supported")

	ErrTimeoutSecondsNegative = errors.New("timeoutSeconds must not be negative")
)

const maxJobNameLength = 253

// ParseJobName validates s as a job name and returns it unchanged.
func ParseJobName(s string) (string, error) {
	if len(s) > maxJobNameLength {
		return "", ErrJobNameTooLong
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '.' && r != '_' {
			return "", ErrJobNameInvalidCharacters
		}
	}
	if s != "" {
		c := s[0]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return "", ErrJobNameInvalidStart
		}
	}
	return s, nil
}

// ParseHTTPURL validates s as an http or https URL and returns it unchanged.
// The scheme check runs before structural parsing so a non-HTTP URL never
// reaches outbound I/O.
func ParseHTTPURL(s string) (string, error) {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return "", ErrURLSchemeNotSupported
	}
	if _, err := url.Parse(s); err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}
	return s, nil
}

// FamilyOf returns the job family of a job name: everything before the last
// '-' segment. Kubernetes CronJobs name their Jobs <cronjob>-<suffix>, so
// the family of "payroll-nightly-28391" is "payroll-nightly". A name with
// no '-' has no family and the empty string is returned.
func FamilyOf(jobName string) string {
	i := strings.LastIndex(jobName, "-")
	if i < 0 {
		return ""
	}
	return jobName[:i]
}
