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

// Package metrics exposes Prometheus instrumentation for webhook delivery
// outcomes, watcher status transitions, and observed job completions.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	webhookDeliveries  *prometheus.CounterVec
	deliveryDuration   *prometheus.HistogramVec
	watcherTransitions *prometheus.CounterVec
	jobsObserved       *prometheus.CounterVec
)

// Delivery outcomes.
const (
	OutcomeCalled = "called"
	OutcomeFailed = "failed"

	// Job observation results.
	JobHandled   = "handled"
	JobSkipped   = "skipped"
	JobNotDone   = "not_done"
	JobPatchFail = "patch_failed"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	webhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobhooks_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	deliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobhooks_webhook_delivery_duration_seconds",
		Help:    "Duration of webhook delivery attempts.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	watcherTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobhooks_watcher_transitions_total",
		Help: "Watcher status transitions by resulting status.",
	}, []string{"status"})

	jobsObserved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobhooks_jobs_observed_total",
		Help: "Job events observed by the watch loop, by handling result.",
	}, []string{"result"})

	reg.MustRegister(webhookDeliveries, deliveryDuration, watcherTransitions, jobsObserved)
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveWebhookDelivery records one delivery attempt and its duration.
func ObserveWebhookDelivery(outcome string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	webhookDeliveries.WithLabelValues(outcome).Inc()
	deliveryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveWatcherTransition records a watcher entering the given status.
func ObserveWatcherTransition(status string) {
	mu.RLock()
	defer mu.RUnlock()
	watcherTransitions.WithLabelValues(status).Inc()
}

// ObserveJobEvent records how the watch loop handled one job event.
func ObserveJobEvent(result string) {
	mu.RLock()
	defer mu.RUnlock()
	jobsObserved.WithLabelValues(result).Inc()
}
