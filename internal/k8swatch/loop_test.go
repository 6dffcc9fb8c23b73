package k8swatch

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
	"context"
	"sync"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"jobhooks/internal/metrics"
)

type stubJobNotifier struct {
	mu    sync.Mutex
	names []string
}

func (s *stubJobNotifier) Notify(_ context.Context, jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, jobName)
	return nil
}

func (s *stubJobNotifier) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

type stubFamilyNotifier struct {
	mu    sync.Mutex
	calls [][2]string
}

func (s *stubFamilyNotifier) Notify(_ context.Context, family, jobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, [2]string{family, jobName})
}

func (s *stubFamilyNotifier) seen() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]string(nil), s.calls...)
}

func job(name string, labels map[string]string, conds ...batchv1.JobCondition) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", Labels: labels},
		Status:     batchv1.JobStatus{Conditions: conds},
	}
}

func complete() batchv1.JobCondition {
	return batchv1.JobCondition{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}
}

func failed() batchv1.JobCondition {
	return batchv1.JobCondition{Type: batchv1.JobFailed, Status: corev1.ConditionTrue}
}

func TestJobSucceededChecksLastCondition(t *testing.T) {
	cases := []struct {
		name string
		job  *batchv1.Job
		want bool
	}{
		{"no conditions", job("a", nil), false},
		{"complete true", job("a", nil, complete()), true},
		{"failed", job("a", nil, failed()), false},
		{"complete then failed", job("a", nil, complete(), failed()), false},
		{"failed then complete", job("a", nil, failed(), complete()), true},
		{"complete but false", job("a", nil, batchv1.JobCondition{Type: batchv1.JobComplete, Status: corev1.ConditionFalse}), false},
	}
	for _, tc := range cases {
		if got := jobSucceeded(tc.job); got != tc.want {
			t.Errorf("%s: jobSucceeded = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestHandleNotifiesAndLabels(t *testing.T) {
	metrics.Reset()
	client := fake.NewSimpleClientset(job("payroll-42", nil, complete()))
	watchers := &stubJobNotifier{}
	families := &stubFamilyNotifier{}
	loop := NewLoop(client, "default", watchers, families, nil)
	ctx := context.Background()

	stored, err := client.BatchV1().Jobs("default").Get(ctx, "payroll-42", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	loop.handle(ctx, stored)

	if got := watchers.seen(); len(got) != 1 || got[0] != "payroll-42" {
		t.Fatalf("watcher notifications = %v", got)
	}
	if got := families.seen(); len(got) != 1 || got[0] != [2]string{"payroll", "payroll-42"} {
		t.Fatalf("family notifications = %v", got)
	}

	patched, err := client.BatchV1().Jobs("default").Get(ctx, "payroll-42", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get patched job: %v", err)
	}
	if patched.Labels[DedupLabel] != "true" {
		t.Fatalf("dedup label not set: %v", patched.Labels)
	}
}

func TestHandleSkipsAlreadyHandled(t *testing.T) {
	metrics.Reset()
	labeled := job("etl-1", map[string]string{DedupLabel: "true"}, complete())
	client := fake.NewSimpleClientset(labeled)
	watchers := &stubJobNotifier{}
	families := &stubFamilyNotifier{}
	loop := NewLoop(client, "default", watchers, families, nil)

	loop.handle(context.Background(), labeled)
	if len(watchers.seen()) != 0 || len(families.seen()) != 0 {
		t.Fatalf("labeled job was re-notified")
	}
}

func TestHandleIgnoresUnfinishedAndFailedJobs(t *testing.T) {
	metrics.Reset()
	client := fake.NewSimpleClientset()
	watchers := &stubJobNotifier{}
	families := &stubFamilyNotifier{}
	loop := NewLoop(client, "default", watchers, families, nil)
	ctx := context.Background()

	loop.handle(ctx, job("running-1", nil))
	loop.handle(ctx, job("failed-1", nil, failed()))
	loop.handle(ctx, job("flapped-1", nil, complete(), failed()))
	if len(watchers.seen()) != 0 {
		t.Fatalf("non-successful jobs notified: %v", watchers.seen())
	}
}

func TestHandleSkipsFamilyForDashlessName(t *testing.T) {
	metrics.Reset()
	client := fake.NewSimpleClientset(job("loner", nil, complete()))
	watchers := &stubJobNotifier{}
	families := &stubFamilyNotifier{}
	loop := NewLoop(client, "default", watchers, families, nil)
	ctx := context.Background()

	stored, _ := client.BatchV1().Jobs("default").Get(ctx, "loner", metav1.GetOptions{})
	loop.handle(ctx, stored)

	if got := watchers.seen(); len(got) != 1 || got[0] != "loner" {
		t.Fatalf("watcher notifications = %v", got)
	}
	if len(families.seen()) != 0 {
		t.Fatalf("family notified for dashless name: %v", families.seen())
	}
}

func TestRunReactsToCreatedJobs(t *testing.T) {
	metrics.Reset()
	client := fake.NewSimpleClientset()
	watchers := &stubJobNotifier{}
	families := &stubFamilyNotifier{}
	loop := NewLoop(client, "default", watchers, families, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// Give the informer a moment to sync before producing an event.
	time.Sleep(100 * time.Millisecond)
	if _, err := client.BatchV1().Jobs("default").Create(ctx, job("etl-9", nil, complete()), metav1.CreateOptions{}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if got := watchers.seen(); len(got) == 1 && got[0] == "etl-9" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("informer never delivered the job, saw %v", watchers.seen())
		}
		time.Sleep(25 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}
