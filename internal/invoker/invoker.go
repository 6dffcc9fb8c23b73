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

// Package invoker performs a single outbound webhook POST per call. There
// is no retry here; callers record the classified outcome and move on.
package invoker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Invoker posts webhook bodies to their registered URLs.
type Invoker struct {
	// Strict2xx treats a non-2xx HTTP response as a failed delivery.
	// When false (the default), any received response counts as success.
	Strict2xx bool

	client *http.Client
}

// New constructs an Invoker with a pooled HTTP client.
func New(strict2xx bool) *Invoker {
	return &Invoker{
		Strict2xx: strict2xx,
		client:    &http.Client{},
	}
}

// Invoke sends one HTTP POST to url with body. A timeout > 0 bounds the
// whole attempt as a wall-clock deadline. The returned error is nil when a
// response was received (subject to Strict2xx); connection, DNS, TLS, and
// deadline failures are transport errors.
func (inv *Invoker) Invoke(ctx context.Context, url, body string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := inv.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if inv.Strict2xx && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
