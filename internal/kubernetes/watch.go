package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/waiter-project/scheduler-core/internal/scheduler"
	"github.com/waiter-project/scheduler-core/pkg/metrics"
)

// WatcherConfig names the two watchers' list/watch endpoints and the label
// selector that scopes both to this orchestrator's own workloads (spec §4.3
// "managed-by=<orchestrator-name>").
type WatcherConfig struct {
	ReplicaSetListURL string // e.g. "/apis/apps/v1/namespaces/ns/replicasets"
	PodListURL        string // e.g. "/api/v1/namespaces/ns/pods"
	LabelSelector     string
}

// ReplicaSetWatcher runs the snapshot-then-stream loop of spec §4.3 against
// the ReplicaSet endpoint, installing results into watchState. Each Run is
// one snapshot+stream cycle that returns when the stream ends; the caller's
// retry wrapper calls Run again, which sends the loop back to the snapshot
// step.
type ReplicaSetWatcher struct {
	client     *Client
	watchState *scheduler.WatchState
	cfg        WatcherConfig
	logger     *slog.Logger
	inst       *metrics.Instruments
}

// NewReplicaSetWatcher returns a watcher ready to Run. inst may be nil, in
// which case recorded metrics are discarded.
func NewReplicaSetWatcher(client *Client, watchState *scheduler.WatchState, cfg WatcherConfig, logger *slog.Logger, inst *metrics.Instruments) *ReplicaSetWatcher {
	if inst == nil {
		inst = metrics.NewNoopInstruments()
	}
	return &ReplicaSetWatcher{client: client, watchState: watchState, cfg: cfg, logger: logger, inst: inst}
}

// Run executes one full snapshot+stream cycle, recovering a panic from either
// step into an error so the caller's retry-with-backoff wrapper restarts it
// rather than taking the whole process down. It returns nil on context
// cancellation and an error on any other termination, so the wrapper
// re-invokes Run to rebuild from a fresh snapshot (spec §4.3 step 3).
func (w *ReplicaSetWatcher) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.inst.WatchWorkerPanicTotal.Add(ctx, 1)
			err = fmt.Errorf("replicaset watcher panic: %v", r)
		}
	}()

	version, err := w.snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("replicasets snapshot failed: %w", err)
	}
	return w.stream(ctx, version)
}

func (w *ReplicaSetWatcher) snapshot(ctx context.Context) (string, error) {
	url := w.cfg.ReplicaSetListURL + "?labelSelector=" + w.cfg.LabelSelector

	var list appsv1.ReplicaSetList
	if err := w.client.RequestInto(ctx, "GET", url, nil, "", &list); err != nil {
		return "", err
	}

	services := make(map[string]scheduler.Service, len(list.Items))
	for i := range list.Items {
		svc, convErr := scheduler.ServiceFromReplicaSet(&list.Items[i])
		if convErr != nil {
			continue
		}
		services[svc.ID] = svc
	}
	w.watchState.ReplaceServices(services, list.ResourceVersion)
	w.inst.WatchSnapshotSize.Record(ctx, float64(len(services)))
	return list.ResourceVersion, nil
}

func (w *ReplicaSetWatcher) stream(ctx context.Context, resourceVersion string) error {
	url := fmt.Sprintf("%s?labelSelector=%s&watch=true&resourceVersion=%s", w.cfg.ReplicaSetListURL, w.cfg.LabelSelector, resourceVersion)
	reader, err := w.client.Stream(ctx, url)
	if err != nil {
		w.inst.WatchReconnectTotal.Add(ctx, 1)
		return fmt.Errorf("replicasets watch request failed: %w", err)
	}
	defer reader.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		ev, ok := reader.Next()
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			w.inst.WatchReconnectTotal.Add(ctx, 1)
			if err := reader.Err(); err != nil {
				return fmt.Errorf("replicasets watch stream error: %w", err)
			}
			return fmt.Errorf("replicasets watch stream closed")
		}

		var rs appsv1.ReplicaSet
		if err := json.Unmarshal(ev.Object, &rs); err != nil {
			w.logf("failed to decode replicaset watch event: %v", err)
			continue
		}

		switch ev.Type {
		case watch.Added, watch.Modified:
			svc, convErr := scheduler.ServiceFromReplicaSet(&rs)
			if convErr != nil {
				continue
			}
			w.watchState.UpsertService(svc, rs.ResourceVersion)
			w.inst.WatchEventAppliedTotal.Add(ctx, 1)
		case watch.Deleted:
			if serviceID := rs.Annotations[scheduler.AnnotationServiceID]; serviceID != "" {
				w.watchState.RemoveService(serviceID, rs.ResourceVersion)
				w.inst.WatchEventAppliedTotal.Add(ctx, 1)
			}
		}
	}
}

func (w *ReplicaSetWatcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Warn(fmt.Sprintf(format, args...))
}

// PodWatcher runs the snapshot-then-stream loop against the Pod endpoint,
// installing results into watchState and recording failure-store entries for
// any newly observed terminated incarnation (spec §4.5).
type PodWatcher struct {
	client       *Client
	watchState   *scheduler.WatchState
	failureStore *scheduler.FailureStore
	cfg          WatcherConfig
	logger       *slog.Logger
	inst         *metrics.Instruments
}

// NewPodWatcher returns a watcher ready to Run. inst may be nil, in which
// case recorded metrics are discarded.
func NewPodWatcher(client *Client, watchState *scheduler.WatchState, failureStore *scheduler.FailureStore, cfg WatcherConfig, logger *slog.Logger, inst *metrics.Instruments) *PodWatcher {
	if inst == nil {
		inst = metrics.NewNoopInstruments()
	}
	return &PodWatcher{client: client, watchState: watchState, failureStore: failureStore, cfg: cfg, logger: logger, inst: inst}
}

func (w *PodWatcher) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.inst.WatchWorkerPanicTotal.Add(ctx, 1)
			err = fmt.Errorf("pod watcher panic: %v", r)
		}
	}()

	version, err := w.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("pods snapshot failed: %w", err)
	}
	return w.stream(ctx, version)
}

func (w *PodWatcher) snapshot(ctx context.Context) (string, error) {
	url := w.cfg.PodListURL + "?labelSelector=" + w.cfg.LabelSelector

	var list corev1.PodList
	if err := w.client.RequestInto(ctx, "GET", url, nil, "", &list); err != nil {
		return "", err
	}

	pods := make([]*corev1.Pod, len(list.Items))
	for i := range list.Items {
		pods[i] = &list.Items[i]
	}

	converted := w.watchState.ReplacePodsFromList(pods, list.ResourceVersion)
	for _, c := range converted {
		w.observeFailure(ctx, c.ServiceID, c.Pod)
	}
	w.inst.WatchSnapshotSize.Record(ctx, float64(len(converted)))
	return list.ResourceVersion, nil
}

func (w *PodWatcher) stream(ctx context.Context, resourceVersion string) error {
	url := fmt.Sprintf("%s?labelSelector=%s&watch=true&resourceVersion=%s", w.cfg.PodListURL, w.cfg.LabelSelector, resourceVersion)
	reader, err := w.client.Stream(ctx, url)
	if err != nil {
		w.inst.WatchReconnectTotal.Add(ctx, 1)
		return fmt.Errorf("pods watch request failed: %w", err)
	}
	defer reader.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		ev, ok := reader.Next()
		if !ok {
			w.inst.WatchReconnectTotal.Add(ctx, 1)
			if err := reader.Err(); err != nil {
				return fmt.Errorf("pods watch stream error: %w", err)
			}
			return fmt.Errorf("pods watch stream closed")
		}

		var pod corev1.Pod
		if err := json.Unmarshal(ev.Object, &pod); err != nil {
			w.logf("failed to decode pod watch event: %v", err)
			continue
		}

		switch ev.Type {
		case watch.Added, watch.Modified:
			serviceID, rec, convErr := scheduler.PodToRecord(&pod)
			if convErr != nil {
				continue
			}
			w.watchState.UpsertPod(serviceID, pod.Name, rec, pod.ResourceVersion)
			w.observeFailure(ctx, serviceID, &pod)
			w.inst.WatchEventAppliedTotal.Add(ctx, 1)
		case watch.Deleted:
			if serviceID := pod.Annotations[scheduler.AnnotationServiceID]; serviceID != "" {
				w.watchState.RemovePod(serviceID, pod.Name, pod.ResourceVersion)
				w.inst.WatchEventAppliedTotal.Add(ctx, 1)
			}
		}
	}
}

func (w *PodWatcher) observeFailure(ctx context.Context, serviceID string, pod *corev1.Pod) {
	if _, added := w.failureStore.ObservePod(ctx, serviceID, pod); added {
		w.logf("recorded failed instance for service=%s pod=%s", serviceID, pod.Name)
	}
}

func (w *PodWatcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Warn(fmt.Sprintf(format, args...))
}
