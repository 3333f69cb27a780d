package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	appsv1 "k8s.io/api/apps/v1"

	"github.com/waiter-project/scheduler-core/internal/authz"
	"github.com/waiter-project/scheduler-core/internal/scheduler"
	"github.com/waiter-project/scheduler-core/pkg/backoff"
	"github.com/waiter-project/scheduler-core/pkg/metrics"
)

// SchedulerConfig carries every knob spec §6 names for the Kubernetes
// backend that is not already owned by ClientConfig or
// scheduler.SpecBuilderConfig.
type SchedulerConfig struct {
	ReplicaSetAPIVersion string // e.g. "apps/v1"
	MaxPatchRetries      int
	FileserverScheme     string // "http" when empty
}

// Scheduler is the Kubernetes-backed scheduler.Scheduler implementation
// (spec §4.4): watch state + failure store answer reads; mutating
// operations issue HTTP calls through Client and update watch state lazily
// via the watch workers rather than optimistically.
type Scheduler struct {
	client       *Client
	watchState   *scheduler.WatchState
	failureStore *scheduler.FailureStore
	syncer       *scheduler.Syncer
	authorizer   authz.Authorizer
	specCfg      scheduler.SpecBuilderConfig
	cfg          SchedulerConfig
	logger       *slog.Logger
	inst         *metrics.Instruments
}

var _ scheduler.Scheduler = (*Scheduler)(nil)

// NewScheduler wires the Kubernetes backend from its already-constructed
// collaborators; watch.go's workers and the syncer are started separately by
// the caller (cmd/waiter-scheduler) against the same watchState/failureStore.
// inst may be nil, in which case recorded metrics are discarded.
func NewScheduler(
	client *Client,
	watchState *scheduler.WatchState,
	failureStore *scheduler.FailureStore,
	syncer *scheduler.Syncer,
	authorizer authz.Authorizer,
	specCfg scheduler.SpecBuilderConfig,
	cfg SchedulerConfig,
	logger *slog.Logger,
	inst *metrics.Instruments,
) *Scheduler {
	if authorizer == nil {
		authorizer = authz.AllowAll
	}
	if inst == nil {
		inst = metrics.NewNoopInstruments()
	}
	return &Scheduler{
		client:       client,
		watchState:   watchState,
		failureStore: failureStore,
		syncer:       syncer,
		authorizer:   authorizer,
		specCfg:      specCfg,
		cfg:          cfg,
		logger:       logger,
		inst:         inst,
	}
}

// SetSyncer installs the syncer after construction. The syncer's own
// constructor takes this Scheduler as its backend, so the two cannot be
// built in a single step; callers build the Scheduler with a nil syncer,
// build the Syncer against it, then call SetSyncer.
func (s *Scheduler) SetSyncer(syncer *scheduler.Syncer) {
	s.syncer = syncer
}

func (s *Scheduler) GetServices(context.Context) ([]scheduler.Service, error) {
	return s.watchState.GetServices(), nil
}

func (s *Scheduler) ServiceExists(_ context.Context, serviceID string) (bool, error) {
	_, ok := s.watchState.GetService(serviceID)
	return ok, nil
}

// CreateServiceIfNew builds and POSTs a ReplicaSet (spec §4.4 create). A 409
// (already exists) is a no-op returning (nil, nil); any other error is
// logged and swallowed per spec.md's "other -> log & nil" failure mode.
func (s *Scheduler) CreateServiceIfNew(ctx context.Context, desc scheduler.ServiceDescriptor) (*scheduler.Service, error) {
	if desc.CmdType == "docker" {
		return nil, scheduler.NewError(scheduler.KindUnsupported, 0, "docker cmd-type is not supported", nil)
	}

	rs, err := scheduler.BuildReplicaSet(s.specCfg, desc.ServiceID, desc)
	if err != nil {
		return nil, err
	}

	namespace := desc.RunAsUser
	url := fmt.Sprintf("/apis/%s/namespaces/%s/replicasets", s.cfg.ReplicaSetAPIVersion, namespace)
	body, err := json.Marshal(rs)
	if err != nil {
		return nil, scheduler.NewError(scheduler.KindMalformed, 0, "failed to marshal replicaset", err)
	}

	var created appsv1.ReplicaSet
	if err := s.requestInto(ctx, http.MethodPost, url, body, "application/json", &created); err != nil {
		if scheduler.KindOf(err) == scheduler.KindConflict {
			return nil, nil
		}
		s.logf("create-service-if-new failed for %s: %v", desc.ServiceID, err)
		return nil, nil
	}

	svc, convErr := scheduler.ServiceFromReplicaSet(&created)
	if convErr != nil {
		s.logf("created replicaset for %s did not convert back to a Service: %v", desc.ServiceID, convErr)
		return nil, nil
	}
	return &svc, nil
}

// DeleteService deletes the owning ReplicaSet with Background propagation
// (pods GC'd asynchronously), then clears the failure store (spec §4.4).
func (s *Scheduler) DeleteService(ctx context.Context, serviceID string) (scheduler.Result, error) {
	svc, ok := s.watchState.GetService(serviceID)
	if !ok {
		return scheduler.Result{Success: true, Status: 200, Result: "no-such-service-exists"}, nil
	}

	url := s.replicaSetURL(svc.Namespace, svc.AppName)
	body, err := deleteOptionsBody(0, "Background")
	if err != nil {
		return scheduler.Result{Success: false, Status: 500, Result: "error", Message: err.Error()}, nil
	}

	if err := s.deleteRequest(ctx, url, body); err != nil {
		if scheduler.KindOf(err) == scheduler.KindNotFound {
			s.failureStore.Delete(serviceID)
			return scheduler.Result{Success: true, Status: 200, Result: "no-such-service-exists"}, nil
		}
		return scheduler.Result{Success: false, Status: 500, Result: "error", Message: err.Error()}, nil
	}

	s.failureStore.Delete(serviceID)
	return scheduler.Result{Success: true, Status: 200, Result: "deleted"}, nil
}

// ScaleService issues the test-guarded JSON-Patch upward scale (spec §4.4).
// Skips if target <= current; retries up to max-patch-retries on conflict,
// re-reading current replicas from watch state each attempt.
func (s *Scheduler) ScaleService(ctx context.Context, serviceID string, target int) (scheduler.Result, error) {
	svc, ok := s.watchState.GetService(serviceID)
	if !ok {
		return scheduler.Result{Success: false, Status: 404, Result: "no-such-service-exists"}, nil
	}
	if target <= svc.Instances {
		return scheduler.Result{Success: true, Status: 200, Result: "no-op"}, nil
	}
	return s.patchReplicas(ctx, serviceID, svc.Namespace, svc.AppName, target)
}

// scaleDelta applies current+delta via the same test-guarded patch protocol;
// used internally by kill-instance's safe-kill step 2. Negative deltas are
// permitted here (spec.md §4.4 "Downward deltas are allowed here").
func (s *Scheduler) scaleDelta(ctx context.Context, serviceID, namespace, appName string, delta int) (scheduler.Result, error) {
	svc, ok := s.watchState.GetService(serviceID)
	if !ok {
		return scheduler.Result{Success: false, Status: 404, Result: "no-such-service-exists"}, nil
	}
	target := svc.Instances + delta
	if target < 0 {
		target = 0
	}
	return s.patchReplicas(ctx, serviceID, namespace, appName, target)
}

func (s *Scheduler) patchReplicas(ctx context.Context, serviceID, namespace, appName string, target int) (scheduler.Result, error) {
	maxRetries := s.cfg.MaxPatchRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		svc, ok := s.watchState.GetService(serviceID)
		if !ok {
			return scheduler.Result{Success: false, Status: 404, Result: "no-such-service-exists"}, nil
		}
		body, err := testAndReplaceReplicas(svc.Instances, target)
		if err != nil {
			return scheduler.Result{Success: false, Status: 500, Result: "error", Message: err.Error()}, nil
		}

		url := s.replicaSetURL(namespace, appName)
		err = s.requestInto(ctx, http.MethodPatch, url, body, "application/json-patch+json", nil)
		if err == nil {
			return scheduler.Result{Success: true, Status: 200, Result: "scaled"}, nil
		}

		switch scheduler.KindOf(err) {
		case scheduler.KindNotFound:
			return scheduler.Result{Success: false, Status: 404, Result: "no-such-service-exists"}, nil
		case scheduler.KindConflict:
			s.inst.ScaleRetryTotal.Add(ctx, 1)
			s.logf("scale conflict for %s (attempt %d/%d), retrying against refreshed watch state", serviceID, attempt+1, maxRetries)
			if attempt+1 < maxRetries {
				select {
				case <-ctx.Done():
					return scheduler.Result{Success: false, Status: 500, Result: "error", Message: ctx.Err().Error()}, nil
				case <-time.After(backoff.Calculate(attempt+1, time.Second)):
				}
			}
			continue
		default:
			return scheduler.Result{Success: false, Status: 500, Result: "error", Message: err.Error()}, nil
		}
	}
	s.inst.ScaleConflictTotal.Add(ctx, 1)
	return scheduler.Result{Success: false, Status: 409, Result: "conflict"}, nil
}

// KillInstance runs the safe-kill 3-step protocol (spec §4.4): delete the
// pod with a long grace period so it enters Terminating, scale the owning
// ReplicaSet down by one while it is the preferred victim, then delete the
// pod again with gracePeriodSeconds=0 to short-circuit the wait. A 404 at
// any step tolerates as success, per spec.md's "all three steps tolerate
// partial failure".
func (s *Scheduler) KillInstance(ctx context.Context, instance scheduler.ServiceInstance) (scheduler.KillResult, error) {
	svc, ok := s.watchState.GetService(instance.ServiceID)
	if !ok {
		return scheduler.KillResult{Killed: false, Status: 404}, nil
	}

	podURL := s.podURL(svc.Namespace, instance.PodName)

	if err := s.deletePod(ctx, podURL, 300); err != nil && scheduler.KindOf(err) != scheduler.KindNotFound {
		s.recordKillStep(ctx, "delete-graceful", "error")
		return scheduler.KillResult{Killed: false, Status: 500}, nil
	}
	s.recordKillStep(ctx, "delete-graceful", "ok")

	if res, _ := s.scaleDelta(ctx, instance.ServiceID, svc.Namespace, svc.AppName, -1); !res.Success {
		s.recordKillStep(ctx, "scale-down", "error")
		s.logf("kill-instance scale-down step failed for %s: %s", instance.ServiceID, res.Message)
	} else {
		s.recordKillStep(ctx, "scale-down", "ok")
	}

	if err := s.deletePod(ctx, podURL, 0); err != nil && scheduler.KindOf(err) != scheduler.KindNotFound {
		s.recordKillStep(ctx, "delete-immediate", "error")
		return scheduler.KillResult{Killed: false, Status: 500}, nil
	}
	s.recordKillStep(ctx, "delete-immediate", "ok")

	return scheduler.KillResult{Killed: true, Status: 200}, nil
}

func (s *Scheduler) recordKillStep(ctx context.Context, step, outcome string) {
	s.inst.KillInstanceStepTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

func (s *Scheduler) deletePod(ctx context.Context, url string, gracePeriodSeconds int64) error {
	body, err := deleteOptionsBody(gracePeriodSeconds, "")
	if err != nil {
		return scheduler.NewError(scheduler.KindMalformed, 0, "failed to build delete body", err)
	}
	return s.deleteRequest(ctx, url, body)
}

func (s *Scheduler) deleteRequest(ctx context.Context, url string, body []byte) error {
	return s.requestInto(ctx, http.MethodDelete, url, body, "application/json", nil)
}

// requestInto wraps Client.RequestInto with orchestrator-call duration and
// error-rate recording, shared by every mutating operation below.
func (s *Scheduler) requestInto(ctx context.Context, method, url string, body []byte, contentType string, out any) error {
	start := time.Now()
	err := s.client.RequestInto(ctx, method, url, body, contentType, out)
	s.inst.OrchestratorCallDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.inst.OrchestratorCallErrorTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(scheduler.KindOf(err))),
		))
	}
	return err
}

// RetrieveDirectoryContent GETs a service's fileserver sidecar and annotates
// each entry with a client URL (files) or navigable sub-path (directories),
// per spec §4.4.
func (s *Scheduler) RetrieveDirectoryContent(ctx context.Context, host, path string) ([]scheduler.DirectoryEntry, error) {
	normalized := "/" + strings.Trim(path, "/") + "/"

	scheme := s.cfg.FileserverScheme
	if scheme == "" {
		scheme = "http"
	}

	out, err := s.client.Request(ctx, http.MethodGet, fmt.Sprintf("%s://%s%s", scheme, host, normalized), nil, "")
	if err != nil {
		return nil, nil
	}

	rawEntries, _ := out["entries"].([]any)
	entries := make([]scheduler.DirectoryEntry, 0, len(rawEntries))
	for _, raw := range rawEntries {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		entryType, _ := m["type"].(string)
		entry := scheduler.DirectoryEntry{Name: name, Type: entryType}
		if entryType == "directory" {
			entry.Path = normalized + name
		} else {
			entry.URL = fmt.Sprintf("%s://%s%s%s", scheme, host, normalized, name)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Scheduler) ServiceIDToState(_ context.Context, serviceID string) (scheduler.ServiceState, error) {
	svc, ok := s.watchState.GetService(serviceID)
	if !ok {
		return scheduler.ServiceState{}, scheduler.NewError(scheduler.KindNotFound, 404, "no such service", nil)
	}
	return scheduler.ServiceState{
		Service:         svc,
		ActiveInstances: s.watchState.ActiveInstances(serviceID),
		FailedInstances: s.failureStore.Get(serviceID),
	}, nil
}

func (s *Scheduler) State(_ context.Context) (scheduler.State, error) {
	services := s.watchState.GetServices()
	out := make(map[string]scheduler.ServiceState, len(services))
	for _, svc := range services {
		out[svc.ID] = scheduler.ServiceState{
			Service:         svc,
			ActiveInstances: s.watchState.ActiveInstances(svc.ID),
			FailedInstances: s.failureStore.Get(svc.ID),
		}
	}
	var syncerState scheduler.SyncerState
	if s.syncer != nil {
		syncerState = s.syncer.State()
	}
	return scheduler.State{Services: out, SyncerState: syncerState}, nil
}

func (s *Scheduler) ValidateService(ctx context.Context, serviceID string) (bool, error) {
	return s.authorizer.CheckAccess(ctx, serviceID, "validate")
}

func (s *Scheduler) replicaSetURL(namespace, name string) string {
	return fmt.Sprintf("/apis/%s/namespaces/%s/replicasets/%s", s.cfg.ReplicaSetAPIVersion, namespace, name)
}

func (s *Scheduler) podURL(namespace, name string) string {
	return fmt.Sprintf("/api/v1/namespaces/%s/pods/%s", namespace, name)
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(fmt.Sprintf(format, args...))
}
