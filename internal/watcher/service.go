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

// Package watcher implements the job-done watcher lifecycle: creation with
// idempotent replay, deadline timeouts, and the webhook fan-out that runs
// when a watched job completes.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobhooks/internal/idempotency"
	"jobhooks/internal/metrics"
	"jobhooks/internal/store"
	"jobhooks/pkg/jobhooks"
)

// maxInFlightWatchers bounds how many claimed watchers are processed at
// once across all Notify calls.
const maxInFlightWatchers = 10

// Store is the persistence surface the service needs.
type Store interface {
	CreateWatcher(ctx context.Context, w *jobhooks.JobDoneWatcher) error
	GetWatcherByID(ctx context.Context, id string) (*jobhooks.JobDoneWatcher, error)
	ListWatchers(ctx context.Context) ([]*jobhooks.JobDoneWatcher, error)
	ClaimWatchersByJobName(ctx context.Context, jobName string, expected, status jobhooks.WatcherStatus) ([]*jobhooks.JobDoneWatcher, error)
	UpdateWatcherStatus(ctx context.Context, id string, status jobhooks.WatcherStatus) error
	UpdateWatcherStatusIfStatus(ctx context.Context, id string, expected, status jobhooks.WatcherStatus) (bool, error)
	UpdateTriggerStatusAndCalledAt(ctx context.Context, watcherID, triggerID string, status jobhooks.TriggerStatus, calledAt *time.Time) error
	ResetWatchersByStatus(ctx context.Context, from, to jobhooks.WatcherStatus) (int64, error)
	GetWebhookByID(ctx context.Context, id string) (*jobhooks.Webhook, error)
}

// Invoker performs a single outbound webhook call.
type Invoker interface {
	Invoke(ctx context.Context, url, body string, timeout time.Duration) error
}

// Service owns job-done watchers from creation to their terminal status.
type Service struct {
	store   Store
	invoker Invoker
	keys    *idempotency.Cache
	logger  *log.Logger
	now     func() time.Time

	sem  chan struct{}
	wg   sync.WaitGroup
	quit chan struct{}
	once sync.Once
}

// NewService constructs a Service.
func NewService(st Store, inv Invoker, keys *idempotency.Cache, logger *log.Logger) *Service {
	if keys == nil {
		keys = idempotency.New(idempotency.DefaultSize)
	}
	return &Service{
		store:   st,
		invoker: inv,
		keys:    keys,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		sem:     make(chan struct{}, maxInFlightWatchers),
		quit:    make(chan struct{}),
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[watcher] %s", fmt.Sprintf(format, args...))
	}
}

// CreateWatcher validates and persists a new watcher. When clientKey is
// non-empty and was seen before, the previously created watcher is returned
// instead and replayed reports true. Trigger statuses always start
// NOT_CALLED regardless of what the request carried.
func (s *Service) CreateWatcher(ctx context.Context, w *jobhooks.JobDoneWatcher, clientKey string) (*jobhooks.JobDoneWatcher, bool, error) {
	if clientKey != "" {
		if id, ok := s.keys.Get(clientKey); ok {
			prior, err := s.store.GetWatcherByID(ctx, id)
			if err == nil {
				return prior, true, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, false, err
			}
			// The watcher the key pointed at is gone; treat as a fresh create.
		}
	}

	jobName, err := jobhooks.ParseJobName(w.JobName)
	if err != nil {
		return nil, false, err
	}
	if w.TimeoutSeconds < 0 {
		return nil, false, jobhooks.ErrTimeoutSecondsNegative
	}
	w.JobName = jobName
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.Status = jobhooks.WatcherStatusPending
	w.CreatedAt = s.now()
	if w.JobDoneTriggerWebhooks == nil {
		w.JobDoneTriggerWebhooks = []jobhooks.JobDoneTriggerWebhook{}
	}
	for i := range w.JobDoneTriggerWebhooks {
		t := &w.JobDoneTriggerWebhooks[i]
		if t.TimeoutSeconds < 0 {
			return nil, false, jobhooks.ErrTimeoutSecondsNegative
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.Status = jobhooks.TriggerStatusNotCalled
		t.CalledAt = nil
	}

	if err := s.store.CreateWatcher(ctx, w); err != nil {
		return nil, false, err
	}
	metrics.ObserveWatcherTransition(jobhooks.WatcherStatusPending.String())
	if clientKey != "" {
		s.keys.Put(clientKey, w.ID)
	}
	if w.TimeoutSeconds > 0 {
		s.scheduleTimeout(w.ID, time.Duration(w.TimeoutSeconds)*time.Second)
	}
	return w, false, nil
}

// Watcher returns one watcher by id.
func (s *Service) Watcher(ctx context.Context, id string) (*jobhooks.JobDoneWatcher, error) {
	return s.store.GetWatcherByID(ctx, id)
}

// Watchers returns all watchers.
func (s *Service) Watchers(ctx context.Context) ([]*jobhooks.JobDoneWatcher, error) {
	return s.store.ListWatchers(ctx)
}

// scheduleTimeout arms the watcher's deadline. When it fires, a
// compare-and-set moves PENDING to TIMEOUT; if the watcher was already
// claimed the flip is a no-op. In-flight webhook calls are never cancelled.
func (s *Service) scheduleTimeout(id string, d time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-s.quit:
			return
		case <-timer.C:
		}
		flipped, err := s.store.UpdateWatcherStatusIfStatus(context.Background(), id,
			jobhooks.WatcherStatusPending, jobhooks.WatcherStatusTimeout)
		if err != nil {
			s.logf("watcher %s: timeout transition failed: %v", id, err)
			return
		}
		if flipped {
			s.logf("watcher %s timed out after %s", id, d)
			metrics.ObserveWatcherTransition(jobhooks.WatcherStatusTimeout.String())
		}
	}()
}

// Notify claims every pending watcher for jobName and runs its webhook
// fan-out. It returns once all claimed watchers have reached a terminal
// status. Watchers that raced into TIMEOUT are left alone.
func (s *Service) Notify(ctx context.Context, jobName string) error {
	claimed, err := s.store.ClaimWatchersByJobName(ctx, jobName,
		jobhooks.WatcherStatusPending, jobhooks.WatcherStatusProcessing)
	if err != nil {
		return fmt.Errorf("claim watchers for %s: %w", jobName, err)
	}
	if len(claimed) == 0 {
		return nil
	}
	s.logf("job %s done: notifying %d watcher(s)", jobName, len(claimed))

	var wg sync.WaitGroup
	for _, w := range claimed {
		metrics.ObserveWatcherTransition(jobhooks.WatcherStatusProcessing.String())
		wg.Add(1)
		go func(w *jobhooks.JobDoneWatcher) {
			defer wg.Done()
			s.sem <- struct{}{}
			defer func() { <-s.sem }()
			s.processWatcher(ctx, w)
		}(w)
	}
	wg.Wait()
	return nil
}

// processWatcher delivers all triggers of one claimed watcher concurrently
// and then records the aggregate outcome.
func (s *Service) processWatcher(ctx context.Context, w *jobhooks.JobDoneWatcher) {
	results := make([]bool, len(w.JobDoneTriggerWebhooks))
	var wg sync.WaitGroup
	for i := range w.JobDoneTriggerWebhooks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.deliverTrigger(ctx, w.ID, &w.JobDoneTriggerWebhooks[i])
		}(i)
	}
	wg.Wait()

	var succeeded, failed int
	for _, ok := range results {
		if ok {
			succeeded++
		} else {
			failed++
		}
	}
	agg := jobhooks.WatcherStatusCompleted
	switch {
	case failed == 0:
		agg = jobhooks.WatcherStatusCompleted
	case succeeded == 0:
		agg = jobhooks.WatcherStatusFailed
	default:
		agg = jobhooks.WatcherStatusPartiallyCompleted
	}
	if err := s.store.UpdateWatcherStatus(ctx, w.ID, agg); err != nil {
		s.logf("watcher %s: failed to record aggregate status %s: %v", w.ID, agg, err)
		return
	}
	metrics.ObserveWatcherTransition(agg.String())
	s.logf("watcher %s job=%s finished: %s (ok=%d failed=%d)", w.ID, w.JobName, agg, succeeded, failed)
}

// deliverTrigger attempts one webhook call and persists the trigger's
// outcome. A missing webhook referent fails the trigger without an HTTP
// attempt, so calledAt stays null.
func (s *Service) deliverTrigger(ctx context.Context, watcherID string, t *jobhooks.JobDoneTriggerWebhook) bool {
	wh, err := s.store.GetWebhookByID(ctx, t.WebhookID)
	if err != nil {
		s.logf("watcher %s trigger %s: webhook %s unavailable: %v", watcherID, t.ID, t.WebhookID, err)
		if uerr := s.store.UpdateTriggerStatusAndCalledAt(ctx, watcherID, t.ID, jobhooks.TriggerStatusFailed, nil); uerr != nil {
			s.logf("watcher %s trigger %s: failed to record outcome: %v", watcherID, t.ID, uerr)
		}
		return false
	}

	calledAt := s.now()
	start := time.Now()
	invokeErr := s.invoker.Invoke(ctx, wh.URL, wh.RequestBody, time.Duration(t.TimeoutSeconds)*time.Second)
	elapsed := time.Since(start)

	status := jobhooks.TriggerStatusCalled
	outcome := metrics.OutcomeCalled
	if invokeErr != nil {
		status = jobhooks.TriggerStatusFailed
		outcome = metrics.OutcomeFailed
		s.logf("watcher %s trigger %s: delivery to %s failed: %v", watcherID, t.ID, wh.URL, invokeErr)
	}
	metrics.ObserveWebhookDelivery(outcome, elapsed)

	if err := s.store.UpdateTriggerStatusAndCalledAt(ctx, watcherID, t.ID, status, &calledAt); err != nil {
		s.logf("watcher %s trigger %s: failed to record outcome: %v", watcherID, t.ID, err)
		return false
	}
	return invokeErr == nil
}

// RecoverStuck requeues watchers a previous process claimed but never
// finished. Intended to run once at startup, before the event loop starts.
func (s *Service) RecoverStuck(ctx context.Context) error {
	n, err := s.store.ResetWatchersByStatus(ctx, jobhooks.WatcherStatusProcessing, jobhooks.WatcherStatusPending)
	if err != nil {
		return fmt.Errorf("recover stuck watchers: %w", err)
	}
	if n > 0 {
		s.logf("requeued %d watcher(s) stuck in PROCESSING", n)
	}
	return nil
}

// Close stops outstanding deadline timers and waits for them to exit.
func (s *Service) Close() {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
}
