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

// Package family manages job-family watchers: persistent webhooks keyed by
// a job name prefix that fire on every successful completion in the
// family. Deliveries are fire-and-forget; no per-call record is kept.
package family

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"jobhooks/internal/metrics"
	"jobhooks/pkg/jobhooks"
)

// Store is the persistence surface the service needs.
type Store interface {
	CreateFamilyWatcher(ctx context.Context, fw *jobhooks.JobFamilyWatcher) error
	ListFamilyWatchersByFamily(ctx context.Context, family string) ([]*jobhooks.JobFamilyWatcher, error)
}

// Invoker performs a single outbound webhook call.
type Invoker interface {
	Invoke(ctx context.Context, url, body string, timeout time.Duration) error
}

// ErrEmptyFamily rejects family watchers without a family prefix.
var ErrEmptyFamily = errors.New("job family must not be empty")

// Service persists family watchers and fans out on matching completions.
type Service struct {
	store   Store
	invoker Invoker
	logger  *log.Logger
	now     func() time.Time
}

// NewService constructs a Service.
func NewService(st Store, inv Invoker, logger *log.Logger) *Service {
	return &Service{
		store:   st,
		invoker: inv,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[family] %s", fmt.Sprintf(format, args...))
	}
}

// Create validates and persists a family watcher, minting its id.
func (s *Service) Create(ctx context.Context, fw *jobhooks.JobFamilyWatcher) error {
	if fw.JobFamily == "" {
		return ErrEmptyFamily
	}
	u, err := jobhooks.ParseHTTPURL(fw.URL)
	if err != nil {
		return err
	}
	fw.URL = u
	if fw.ID == "" {
		fw.ID = uuid.NewString()
	}
	fw.CreatedAt = s.now()
	return s.store.CreateFamilyWatcher(ctx, fw)
}

// Notify fires every watcher registered for family, once each, with its
// configured request body. Delivery failures are logged and swallowed; the
// call returns after all attempts finish. An empty family is a no-op.
func (s *Service) Notify(ctx context.Context, family, jobName string) {
	if family == "" {
		return
	}
	watchers, err := s.store.ListFamilyWatchersByFamily(ctx, family)
	if err != nil {
		s.logf("family %s: listing watchers failed: %v", family, err)
		return
	}
	if len(watchers) == 0 {
		return
	}
	s.logf("job %s done: notifying %d family watcher(s) for %s", jobName, len(watchers), family)

	var wg sync.WaitGroup
	for _, fw := range watchers {
		wg.Add(1)
		go func(fw *jobhooks.JobFamilyWatcher) {
			defer wg.Done()
			start := time.Now()
			err := s.invoker.Invoke(ctx, fw.URL, fw.RequestBody, 0)
			outcome := metrics.OutcomeCalled
			if err != nil {
				outcome = metrics.OutcomeFailed
				s.logf("family %s watcher %s: delivery to %s failed: %v", family, fw.ID, fw.URL, err)
			}
			metrics.ObserveWebhookDelivery(outcome, time.Since(start))
		}(fw)
	}
	wg.Wait()
}

// ConfigEntry is one family watcher in the bootstrap YAML file.
type ConfigEntry struct {
	JobFamily   string `yaml:"jobFamily"`
	URL         string `yaml:"url"`
	RequestBody string `yaml:"requestBody"`
	Description string `yaml:"description"`
}

// LoadConfig reads a YAML sequence of family watcher entries. A missing
// file is not an error; a file that exists but does not parse is.
func LoadConfig(path string) ([]ConfigEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read family watcher config: %w", err)
	}
	var entries []ConfigEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse family watcher config %s: %w", path, err)
	}
	return entries, nil
}

// Bootstrap loads the config file at path and persists each entry.
// Per-entry persistence failures are logged and skipped; only an unreadable
// or unparseable file aborts.
func (s *Service) Bootstrap(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	entries, err := LoadConfig(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fw := &jobhooks.JobFamilyWatcher{
			JobFamily:   e.JobFamily,
			URL:         e.URL,
			RequestBody: e.RequestBody,
			Description: e.Description,
		}
		if err := s.Create(ctx, fw); err != nil {
			s.logf("bootstrap: skipping family watcher %s -> %s: %v", e.JobFamily, e.URL, err)
			continue
		}
		s.logf("bootstrap: registered family watcher %s -> %s", fw.JobFamily, fw.URL)
	}
	return nil
}
