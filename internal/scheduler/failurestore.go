package scheduler

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	corev1 "k8s.io/api/core/v1"

	"github.com/waiter-project/scheduler-core/pkg/metrics"
)

// DefaultFailureStoreCapacity bounds the number of FailedInstance records
// retained per service (spec §3 "bounded per-service map").
const DefaultFailureStoreCapacity = 64

// killedByOrchestratorReason/ExitCode define spec §4.5's
// "killed-by-orchestrator" predicate: exitCode=137 AND reason="Error".
const (
	killedByOrchestratorReason   = "Error"
	killedByOrchestratorExitCode = 137
	reasonOOMKilled              = "OOMKilled"
)

// FailureStore is the bounded, per-service map of terminated pod incarnations
// (spec §3/§4.5). Each per-service set is its own LRU so one noisy service
// cannot evict another's history.
type FailureStore struct {
	mu       sync.Mutex
	capacity int
	services map[string]*lru.Cache[string, FailedInstance]
	inst     *metrics.Instruments
}

// NewFailureStore returns a FailureStore bounding each service to capacity
// entries (DefaultFailureStoreCapacity when capacity <= 0). inst may be nil,
// in which case recorded metrics are discarded.
func NewFailureStore(capacity int, inst *metrics.Instruments) *FailureStore {
	if capacity <= 0 {
		capacity = DefaultFailureStoreCapacity
	}
	if inst == nil {
		inst = metrics.NewNoopInstruments()
	}
	return &FailureStore{capacity: capacity, services: map[string]*lru.Cache[string, FailedInstance]{}, inst: inst}
}

// Delete removes every failure record for serviceID (spec §4.4 delete-service:
// "then remove the service from the failure store").
func (fs *FailureStore) Delete(serviceID string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.services, serviceID)
}

// Get returns every retained FailedInstance for serviceID.
func (fs *FailureStore) Get(serviceID string) []FailedInstance {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	cache, ok := fs.services[serviceID]
	if !ok {
		return nil
	}
	out := make([]FailedInstance, 0, cache.Len())
	for _, key := range cache.Keys() {
		if v, ok := cache.Peek(key); ok {
			out = append(out, v)
		}
	}
	return out
}

// has reports whether instanceID is already recorded for serviceID.
func (fs *FailureStore) has(serviceID, instanceID string) bool {
	cache, ok := fs.services[serviceID]
	if !ok {
		return false
	}
	_, ok = cache.Peek(instanceID)
	return ok
}

// ObservePod inspects a live-pod update for a terminated previous incarnation
// (spec §4.5) and inserts a FailedInstance at most once per
// (service-id, pod-name, restart-count). Returns the inserted record and true
// when a new entry was added.
func (fs *FailureStore) ObservePod(ctx context.Context, serviceID string, pod *corev1.Pod) (FailedInstance, bool) {
	if len(pod.Status.ContainerStatuses) == 0 {
		return FailedInstance{}, false
	}
	// §9 open question: containerStatuses[0], as the source does.
	cs := pod.Status.ContainerStatuses[0]
	terminated := cs.LastTerminationState.Terminated
	if terminated == nil {
		return FailedInstance{}, false
	}

	failedRestartCount := int(cs.RestartCount) - 1
	if failedRestartCount < 0 {
		return FailedInstance{}, false
	}
	instanceID := InstanceID(serviceID, pod.Name, failedRestartCount)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.has(serviceID, instanceID) {
		return FailedInstance{}, false
	}

	var flags []Flag
	if terminated.Reason == reasonOOMKilled {
		flags = []Flag{FlagMemoryLimitExceeded}
	}

	killedByOrchestrator := terminated.ExitCode == killedByOrchestratorExitCode && terminated.Reason == killedByOrchestratorReason
	var exitCode *int
	if !killedByOrchestrator {
		code := int(terminated.ExitCode)
		exitCode = &code
	}

	entry := FailedInstance{
		ID:           instanceID,
		ServiceID:    serviceID,
		PodName:      pod.Name,
		RestartCount: failedRestartCount,
		StartedAt:    terminated.StartedAt.Time,
		Healthy:      false,
		Flags:        flags,
		ExitCode:     exitCode,
	}

	cache, ok := fs.services[serviceID]
	if !ok {
		var err error
		cache, err = lru.New[string, FailedInstance](fs.capacity)
		if err != nil {
			// capacity is always > 0 here; New only errors on size <= 0.
			return FailedInstance{}, false
		}
		fs.services[serviceID] = cache
	}
	cache.Add(instanceID, entry)
	fs.inst.FailedInstanceRecordedTotal.Add(ctx, 1)
	fs.inst.FailureStoreSize.Record(ctx, float64(cache.Len()))
	return entry, true
}
