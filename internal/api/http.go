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

// Package api exposes the REST surface: webhook and job-done watcher
// registration and retrieval.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobhooks/internal/store"
	"jobhooks/pkg/jobhooks"
)

// WebhookStore is the persistence surface the webhook handlers need.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, wh *jobhooks.Webhook) error
	GetWebhookByID(ctx context.Context, id string) (*jobhooks.Webhook, error)
	ListWebhooks(ctx context.Context) ([]*jobhooks.Webhook, error)
}

// WatcherService creates and reads job-done watchers.
type WatcherService interface {
	CreateWatcher(ctx context.Context, w *jobhooks.JobDoneWatcher, clientKey string) (*jobhooks.JobDoneWatcher, bool, error)
	Watcher(ctx context.Context, id string) (*jobhooks.JobDoneWatcher, error)
	Watchers(ctx context.Context) ([]*jobhooks.JobDoneWatcher, error)
}

// API bundles the HTTP handlers.
type API struct {
	Webhooks WebhookStore
	Watchers WatcherService
	Logger   *log.Logger
	Now      func() time.Time
}

// New constructs an API.
func New(webhooks WebhookStore, watchers WatcherService, logger *log.Logger) *API {
	return &API{
		Webhooks: webhooks,
		Watchers: watchers,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register attaches the API handlers to a mux under the expected routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/webhooks", a.webhooksHandler)
	mux.HandleFunc("/webhooks/", a.webhookByIDHandler)
	mux.HandleFunc("/job-done-watchers", a.watchersHandler)
	mux.HandleFunc("/job-done-watchers/", a.watcherByIDHandler)
}

// --------------- Models ---------------

// CreateWebhookRequest is the payload for POST /webhooks.
type CreateWebhookRequest struct {
	URL         string `json:"url"`
	RequestBody string `json:"requestBody"`
	Description string `json:"description"`
}

// CreateWatcherRequest is the payload for POST /job-done-watchers.
type CreateWatcherRequest struct {
	JobName                string                 `json:"jobName"`
	TimeoutSeconds         int                    `json:"timeoutSeconds"`
	JobDoneTriggerWebhooks []CreateTriggerRequest `json:"jobDoneTriggerWebhooks"`
}

// CreateTriggerRequest is one trigger inside a watcher creation payload.
type CreateTriggerRequest struct {
	WebhookID      string `json:"webhookId"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (a *API) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// isValidation maps the model-level sentinel errors onto 400 responses.
func isValidation(err error) bool {
	return errors.Is(err, jobhooks.ErrJobNameTooLong) ||
		errors.Is(err, jobhooks.ErrJobNameInvalidCharacters) ||
		errors.Is(err, jobhooks.ErrJobNameInvalidStart) ||
		errors.Is(err, jobhooks.ErrURLSchemeNotSupported) ||
		errors.Is(err, jobhooks.ErrTimeoutSecondsNegative)
}

// --------------- /webhooks ---------------

func (a *API) webhooksHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleCreateWebhook(w, r)
	case http.MethodGet:
		a.handleListWebhooks(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_json",
			Message: "Request body could not be parsed as JSON",
		})
		return
	}
	u, err := jobhooks.ParseHTTPURL(req.URL)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: fmt.Sprintf("url is invalid: %v", err),
		})
		return
	}

	wh := &jobhooks.Webhook{
		ID:          uuid.NewString(),
		URL:         u,
		RequestBody: req.RequestBody,
		Description: req.Description,
		CreatedAt:   a.Now(),
	}
	if err := a.Webhooks.CreateWebhook(ctx, wh); err != nil {
		a.logf("failed to create webhook for %s: %v", wh.URL, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "failed to create webhook",
		})
		return
	}
	writeJSON(w, http.StatusCreated, wh)
}

func (a *API) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := a.Webhooks.ListWebhooks(r.Context())
	if err != nil {
		a.logf("failed to list webhooks: %v", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "failed to list webhooks",
		})
		return
	}
	if hooks == nil {
		hooks = []*jobhooks.Webhook{}
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (a *API) webhookByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: "webhook id must be a uuid",
		})
		return
	}

	wh, err := a.Webhooks.GetWebhookByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, jsonError{
				Error:   "not_found",
				Message: fmt.Sprintf("webhook not found: %s", id),
			})
			return
		}
		a.logf("failed to get webhook %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "internal error",
		})
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

// --------------- /job-done-watchers ---------------

func (a *API) watchersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleCreateWatcher(w, r)
	case http.MethodGet:
		a.handleListWatchers(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleCreateWatcher(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateWatcherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_json",
			Message: "Request body could not be parsed as JSON",
		})
		return
	}
	watcher := &jobhooks.JobDoneWatcher{
		JobName:        req.JobName,
		TimeoutSeconds: req.TimeoutSeconds,
	}
	for _, t := range req.JobDoneTriggerWebhooks {
		if t.WebhookID == "" {
			writeJSON(w, http.StatusBadRequest, jsonError{
				Error:   "invalid_request",
				Message: "webhookId is required on every trigger",
			})
			return
		}
		watcher.JobDoneTriggerWebhooks = append(watcher.JobDoneTriggerWebhooks, jobhooks.JobDoneTriggerWebhook{
			WebhookID:      t.WebhookID,
			TimeoutSeconds: t.TimeoutSeconds,
		})
	}

	clientKey := r.Header.Get("Idempotency-Key")
	created, replayed, err := a.Watchers.CreateWatcher(ctx, watcher, clientKey)
	if err != nil {
		if isValidation(err) {
			writeJSON(w, http.StatusBadRequest, jsonError{
				Error:   "invalid_request",
				Message: err.Error(),
			})
			return
		}
		a.logf("failed to create watcher for job %s: %v", req.JobName, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "failed to create watcher",
		})
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, created)
}

func (a *API) handleListWatchers(w http.ResponseWriter, r *http.Request) {
	watchers, err := a.Watchers.Watchers(r.Context())
	if err != nil {
		a.logf("failed to list watchers: %v", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "failed to list watchers",
		})
		return
	}
	if watchers == nil {
		watchers = []*jobhooks.JobDoneWatcher{}
	}
	writeJSON(w, http.StatusOK, watchers)
}

func (a *API) watcherByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/job-done-watchers/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: "watcher id must be a uuid",
		})
		return
	}

	watcher, err := a.Watchers.Watcher(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, jsonError{
				Error:   "not_found",
				Message: fmt.Sprintf("watcher not found: %s", id),
			})
			return
		}
		a.logf("failed to get watcher %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "internal error",
		})
		return
	}
	writeJSON(w, http.StatusOK, watcher)
}
