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

// Package jobhooks contains the shared domain models and value objects used
// by the HTTP API, the watcher services, and the persistence layer. There is
// a single internal shape per entity; JSON tags define the wire form and the
// store layer maps to SQL columns at its own boundary.
package jobhooks

import (
	"time"
)

// WatcherStatus is the lifecycle state of a job-done watcher.
// Allowed transitions: PENDING → PROCESSING → {COMPLETED|PARTIALLY_COMPLETED|FAILED},
// PENDING → TIMEOUT (deadline timer), PENDING → CANCELLED (explicit cancel).
type WatcherStatus string

const (
	WatcherStatusPending            WatcherStatus = "PENDING"
	WatcherStatusProcessing         WatcherStatus = "PROCESSING"
	WatcherStatusCompleted          WatcherStatus = "COMPLETED"
	WatcherStatusPartiallyCompleted WatcherStatus = "PARTIALLY_COMPLETED"
	WatcherStatusFailed             WatcherStatus = "FAILED"
	WatcherStatusTimeout            WatcherStatus = "TIMEOUT"
	WatcherStatusCancelled          WatcherStatus = "CANCELLED"
)

// Valid reports whether the status is one of the allowed states.
func (s WatcherStatus) Valid() bool {
	switch s {
	case WatcherStatusPending, WatcherStatusProcessing, WatcherStatusCompleted,
		WatcherStatusPartiallyCompleted, WatcherStatusFailed, WatcherStatusTimeout,
		WatcherStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status can never change again.
func (s WatcherStatus) IsTerminal() bool {
	switch s {
	case WatcherStatusCompleted, WatcherStatusPartiallyCompleted,
		WatcherStatusFailed, WatcherStatusTimeout, WatcherStatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the WatcherStatus.
func (s WatcherStatus) String() string { return string(s) }

// TriggerStatus is the per-webhook call state within a watcher.
type TriggerStatus string

const (
	TriggerStatusNotCalled TriggerStatus = "NOT_CALLED"
	TriggerStatusCalled    TriggerStatus = "CALLED"
	TriggerStatusFailed    TriggerStatus = "FAILED"
	TriggerStatusTimeout   TriggerStatus = "TIMEOUT"
	TriggerStatusCancelled TriggerStatus = "CANCELLED"
)

// Valid reports whether the status is one of the allowed states.
func (s TriggerStatus) Valid() bool {
	switch s {
	case TriggerStatusNotCalled, TriggerStatusCalled, TriggerStatusFailed,
		TriggerStatusTimeout, TriggerStatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the TriggerStatus.
func (s TriggerStatus) String() string { return string(s) }

// Webhook is a registered callback endpoint. Immutable after creation.
type Webhook struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	RequestBody string    `json:"requestBody"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// JobDoneTriggerWebhook is one entry of a watcher's webhook list with its
// own call status and attempt timestamp. The referenced webhook may have
// been deleted by call time; a missing referent marks the trigger FAILED.
type JobDoneTriggerWebhook struct {
	ID             string        `json:"id"`
	WebhookID      string        `json:"webhookId"`
	TimeoutSeconds int           `json:"timeoutSeconds,omitempty"`
	Status         TriggerStatus `json:"status"`
	CalledAt       *time.Time    `json:"calledAt,omitempty"`
}

// JobDoneWatcher is a single-shot intent to call webhooks when the named
// job completes. The trigger set is fixed at creation and may be empty.
type JobDoneWatcher struct {
	ID                     string                  `json:"id"`
	JobName                string                  `json:"jobName"`
	TimeoutSeconds         int                     `json:"timeoutSeconds,omitempty"`
	Status                 WatcherStatus           `json:"status"`
	CreatedAt              time.Time               `json:"createdAt"`
	JobDoneTriggerWebhooks []JobDoneTriggerWebhook `json:"jobDoneTriggerWebhooks"`
}

// JobFamilyWatcher is a persistent watcher bound to a job-name prefix.
// It fires on every successful completion of a matching job.
type JobFamilyWatcher struct {
	ID          string    `json:"id"`
	JobFamily   string    `json:"jobFamily"`
	URL         string    `json:"url"`
	RequestBody string    `json:"requestBody"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}
