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

// Package k8swatch watches batch/v1 Jobs and turns successful completions
// into watcher and family notifications. Handled Jobs are labeled so a
// restart does not re-notify them.
package k8swatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"

	"jobhooks/internal/metrics"
	"jobhooks/pkg/jobhooks"
)

// DedupLabel marks Jobs whose completion has already been fanned out.
const DedupLabel = "app.k8s.job.webhooks/webhooks-called"

// DefaultNamespace is watched when none is configured.
const DefaultNamespace = "default"

// JobNotifier receives the name of a successfully completed Job.
type JobNotifier interface {
	Notify(ctx context.Context, jobName string) error
}

// FamilyNotifier receives the family prefix of a completed Job.
type FamilyNotifier interface {
	Notify(ctx context.Context, family, jobName string)
}

// Loop is the Job event loop.
type Loop struct {
	client    kubernetes.Interface
	namespace string
	watchers  JobNotifier
	families  FamilyNotifier
	logger    *log.Logger
}

// NewClient builds a clientset from in-cluster credentials, falling back
// to the local kubeconfig when not running in a pod.
func NewClient() (*kubernetes.Clientset, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		loading := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loading, nil).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("load kubernetes config: %w", err)
		}
	}
	return kubernetes.NewForConfig(cfg)
}

// NewLoop constructs a Loop watching namespace.
func NewLoop(client kubernetes.Interface, namespace string, watchers JobNotifier, families FamilyNotifier, logger *log.Logger) *Loop {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Loop{
		client:    client,
		namespace: namespace,
		watchers:  watchers,
		families:  families,
		logger:    logger,
	}
}

func (l *Loop) logf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf("[k8swatch] %s", fmt.Sprintf(format, args...))
	}
}

// Run starts the Job informer and blocks until ctx is cancelled. The
// informer owns reconnection and backoff; handler errors are logged, never
// fatal.
func (l *Loop) Run(ctx context.Context) error {
	factory := informers.NewSharedInformerFactoryWithOptions(l.client, 0,
		informers.WithNamespace(l.namespace),
	)
	informer := factory.Batch().V1().Jobs().Informer()
	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj any) { l.handle(ctx, obj) },
		UpdateFunc: func(_, newObj any) { l.handle(ctx, newObj) },
	})
	if err != nil {
		return fmt.Errorf("register job event handler: %w", err)
	}

	l.logf("watching jobs in namespace %s", l.namespace)
	factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), informer.HasSynced) {
		return fmt.Errorf("job informer cache never synced")
	}
	<-ctx.Done()
	return nil
}

// handle inspects one observed Job and, when it just completed
// successfully, notifies watchers and family watchers in parallel before
// labeling the Job as handled.
func (l *Loop) handle(ctx context.Context, obj any) {
	job, ok := obj.(*batchv1.Job)
	if !ok {
		return
	}
	if job.Labels[DedupLabel] == "true" {
		metrics.ObserveJobEvent(metrics.JobSkipped)
		return
	}
	if !jobSucceeded(job) {
		metrics.ObserveJobEvent(metrics.JobNotDone)
		return
	}

	name := job.Name
	family := jobhooks.FamilyOf(name)
	l.logf("job %s completed successfully (family=%q)", name, family)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.watchers.Notify(ctx, name); err != nil {
			l.logf("job %s: watcher notification failed: %v", name, err)
		}
	}()
	if family != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.families.Notify(ctx, family, name)
		}()
	}
	wg.Wait()

	if err := l.markHandled(ctx, name); err != nil {
		l.logf("job %s: labeling as handled failed: %v", name, err)
		metrics.ObserveJobEvent(metrics.JobPatchFail)
		return
	}
	metrics.ObserveJobEvent(metrics.JobHandled)
}

// jobSucceeded reports whether the Job's latest condition is
// (Complete, "True"). Comparison is by string value.
func jobSucceeded(job *batchv1.Job) bool {
	conds := job.Status.Conditions
	if len(conds) == 0 {
		return false
	}
	last := conds[len(conds)-1]
	return string(last.Type) == "Complete" && string(last.Status) == "True"
}

// markHandled sets the dedup label with a strategic merge patch.
func (l *Loop) markHandled(ctx context.Context, name string) error {
	payload, err := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"labels": map[string]string{DedupLabel: "true"},
		},
	})
	if err != nil {
		return err
	}
	_, err = l.client.BatchV1().Jobs(l.namespace).Patch(ctx, name,
		types.StrategicMergePatchType, payload, metav1.PatchOptions{})
	return err
}
