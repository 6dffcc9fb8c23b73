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

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"jobhooks/internal/api"
	"jobhooks/internal/family"
	"jobhooks/internal/idempotency"
	"jobhooks/internal/invoker"
	"jobhooks/internal/k8swatch"
	"jobhooks/internal/metrics"
	"jobhooks/internal/store"
	"jobhooks/internal/watcher"
	"jobhooks/pkg/jobhooks"
)

// TestServer wires the full stack over a real on-disk store.
type TestServer struct {
	Store    *store.Store
	Watchers *watcher.Service
	Families *family.Service
	Server   *httptest.Server
}

func setupTestServer(t *testing.T) *TestServer {
	t.Helper()
	metrics.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	st, err := store.Open(ctx, "sqlite:"+filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	inv := invoker.New(false)
	watchers := watcher.NewService(st, inv, idempotency.New(idempotency.DefaultSize), nil)
	families := family.NewService(st, inv, nil)

	mux := http.NewServeMux()
	api.New(st, watchers, nil).Register(mux)
	srv := httptest.NewServer(mux)

	ts := &TestServer{Store: st, Watchers: watchers, Families: families, Server: srv}
	t.Cleanup(func() {
		srv.Close()
		watchers.Close()
		_ = st.Close()
	})
	return ts
}

func postJSON(t *testing.T, url, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

// The full path: register a webhook and a watcher over HTTP, complete the
// job through a fake Kubernetes clientset, and observe the fan-out land on
// the sink and the terminal status in the store.
func TestJobCompletionEndToEnd(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	var mu sync.Mutex
	var sinkBodies []string
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		mu.Lock()
		sinkBodies = append(sinkBodies, buf.String())
		mu.Unlock()
	}))
	defer sink.Close()

	resp, body := postJSON(t, ts.Server.URL+"/webhooks",
		`{"url":"`+sink.URL+`","requestBody":"{\"pipeline\":\"etl\"}"}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create webhook: status %d body %s", resp.StatusCode, body)
	}
	var wh jobhooks.Webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		t.Fatalf("decode webhook: %v", err)
	}

	resp, body = postJSON(t, ts.Server.URL+"/job-done-watchers",
		`{"jobName":"etl-42","timeoutSeconds":300,"jobDoneTriggerWebhooks":[{"webhookId":"`+wh.ID+`"}]}`,
		map[string]string{"Idempotency-Key": "run-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create watcher: status %d body %s", resp.StatusCode, body)
	}
	var w jobhooks.JobDoneWatcher
	if err := json.Unmarshal(body, &w); err != nil {
		t.Fatalf("decode watcher: %v", err)
	}

	// Family watcher on the "etl" prefix.
	if err := ts.Families.Create(ctx, &jobhooks.JobFamilyWatcher{
		JobFamily:   "etl",
		URL:         sink.URL,
		RequestBody: `{"family":"etl"}`,
	}); err != nil {
		t.Fatalf("create family watcher: %v", err)
	}

	// Complete the job via the event loop.
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "etl-42", Namespace: "default"},
		Status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
		}},
	}
	client := fake.NewSimpleClientset(job)
	loop := k8swatch.NewLoop(client, "default", ts.Watchers, ts.Families, nil)

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(loopCtx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := ts.Watchers.Watcher(ctx, w.ID)
		if err != nil {
			t.Fatalf("get watcher: %v", err)
		}
		if got.Status == jobhooks.WatcherStatusCompleted {
			trig := got.JobDoneTriggerWebhooks[0]
			if trig.Status != jobhooks.TriggerStatusCalled || trig.CalledAt == nil {
				t.Fatalf("trigger outcome: status=%s calledAt=%v", trig.Status, trig.CalledAt)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watcher never completed, status=%s", got.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	calls := len(sinkBodies)
	mu.Unlock()
	// One trigger delivery plus one family delivery.
	if calls != 2 {
		t.Fatalf("sink received %d calls, want 2", calls)
	}

	patched, err := client.BatchV1().Jobs("default").Get(ctx, "etl-42", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if patched.Labels[k8swatch.DedupLabel] != "true" {
		t.Fatalf("job not labeled as handled: %v", patched.Labels)
	}
}

func TestWatcherTimesOutWithoutCompletion(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	resp, body := postJSON(t, ts.Server.URL+"/job-done-watchers",
		`{"jobName":"orphan-1","timeoutSeconds":1}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create watcher: status %d body %s", resp.StatusCode, body)
	}
	var w jobhooks.JobDoneWatcher
	if err := json.Unmarshal(body, &w); err != nil {
		t.Fatalf("decode watcher: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := ts.Watchers.Watcher(ctx, w.ID)
		if err != nil {
			t.Fatalf("get watcher: %v", err)
		}
		if got.Status == jobhooks.WatcherStatusTimeout {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watcher never timed out, status=%s", got.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
