package scheduler

import (
	"sync/atomic"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// StreamMeta tracks the per-stream bookmarks spec §3 requires: a snapshot
// timestamp/resource-version pair and a watch timestamp/resource-version
// pair. Resource version is treated as an opaque bookmark token (spec §9),
// never compared numerically.
type StreamMeta struct {
	SnapshotTime    time.Time
	SnapshotVersion string
	WatchTime       time.Time
	WatchVersion    string
}

// podRecord is the raw per-pod state kept alongside its derived instance view;
// failure-store maintenance (§4.5) needs the raw container statuses, so the
// watch state retains the source pod, not just its converted ServiceInstance.
type podRecord struct {
	pod      *corev1.Pod
	instance ServiceInstance
}

// snapshot is the immutable value behind WatchState's atomic pointer
// (copy-on-write, spec §9 "mutable reference cells holding persistent maps").
type snapshot struct {
	services map[string]Service                // service-id -> Service
	pods     map[string]map[string]*podRecord  // service-id -> pod-name -> podRecord
	rsMeta   StreamMeta
	podMeta  StreamMeta
}

func emptySnapshot() *snapshot {
	return &snapshot{
		services: map[string]Service{},
		pods:     map[string]map[string]*podRecord{},
	}
}

// WatchState is the process-scoped, in-memory mirror of the orchestrator's
// ReplicaSets and Pods (spec §3/§4.3). Readers call its accessor methods
// without locking; writers install a new, fully-formed snapshot.
type WatchState struct {
	ptr atomic.Pointer[snapshot]
}

// NewWatchState returns an empty, ready-to-use WatchState.
func NewWatchState() *WatchState {
	ws := &WatchState{}
	ws.ptr.Store(emptySnapshot())
	return ws
}

func (ws *WatchState) current() *snapshot {
	s := ws.ptr.Load()
	if s == nil {
		return emptySnapshot()
	}
	return s
}

// ReplaceServices atomically installs a freshly snapshotted service set,
// recording the snapshot timestamp/version (§4.3 step 1).
func (ws *WatchState) ReplaceServices(services map[string]Service, version string) {
	for {
		old := ws.current()
		next := &snapshot{
			services: services,
			pods:     old.pods,
			rsMeta: StreamMeta{
				SnapshotTime:    time.Now(),
				SnapshotVersion: version,
				WatchTime:       old.rsMeta.WatchTime,
				WatchVersion:    old.rsMeta.WatchVersion,
			},
			podMeta: old.podMeta,
		}
		if ws.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// ConvertedPod pairs a raw pod with the service id it was mirrored under,
// returned by ReplacePodsFromList so callers outside this package can drive
// failure-store bookkeeping without naming the unexported podRecord type.
type ConvertedPod struct {
	ServiceID string
	Pod       *corev1.Pod
}

// ReplacePodsFromList converts each pod via PodToRecord and atomically
// installs the resulting snapshot (§4.3 step 1), skipping any pod whose
// conversion fails. It returns the pods that were installed so the caller
// can feed them to failure-store maintenance.
func (ws *WatchState) ReplacePodsFromList(pods []*corev1.Pod, version string) []ConvertedPod {
	next := map[string]map[string]*podRecord{}
	converted := make([]ConvertedPod, 0, len(pods))
	for _, pod := range pods {
		serviceID, rec, err := PodToRecord(pod)
		if err != nil {
			continue
		}
		byName, ok := next[serviceID]
		if !ok {
			byName = map[string]*podRecord{}
			next[serviceID] = byName
		}
		byName[pod.Name] = rec
		converted = append(converted, ConvertedPod{ServiceID: serviceID, Pod: pod})
	}
	ws.ReplacePods(next, version)
	return converted
}

// ReplacePods atomically installs a freshly snapshotted pod set (§4.3 step 1).
func (ws *WatchState) ReplacePods(pods map[string]map[string]*podRecord, version string) {
	for {
		old := ws.current()
		next := &snapshot{
			services: old.services,
			pods:     pods,
			rsMeta:   old.rsMeta,
			podMeta: StreamMeta{
				SnapshotTime:    time.Now(),
				SnapshotVersion: version,
				WatchTime:       old.podMeta.WatchTime,
				WatchVersion:    old.podMeta.WatchVersion,
			},
		}
		if ws.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// UpsertService applies an ADDED/MODIFIED ReplicaSet watch event (§4.3 step 2).
func (ws *WatchState) UpsertService(svc Service, version string) {
	for {
		old := ws.current()
		services := copyServices(old.services)
		services[svc.ID] = svc
		next := &snapshot{
			services: services,
			pods:     old.pods,
			rsMeta: StreamMeta{
				SnapshotTime:    old.rsMeta.SnapshotTime,
				SnapshotVersion: old.rsMeta.SnapshotVersion,
				WatchTime:       time.Now(),
				WatchVersion:    version,
			},
			podMeta: old.podMeta,
		}
		if ws.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// RemoveService applies a DELETED ReplicaSet watch event (§4.3 step 2).
func (ws *WatchState) RemoveService(serviceID, version string) {
	for {
		old := ws.current()
		services := copyServices(old.services)
		delete(services, serviceID)
		next := &snapshot{
			services: services,
			pods:     old.pods,
			rsMeta: StreamMeta{
				SnapshotTime:    old.rsMeta.SnapshotTime,
				SnapshotVersion: old.rsMeta.SnapshotVersion,
				WatchTime:       time.Now(),
				WatchVersion:    version,
			},
			podMeta: old.podMeta,
		}
		if ws.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// UpsertPod applies an ADDED/MODIFIED Pod watch event, keyed by
// (service-id, pod-name) per §4.3.
func (ws *WatchState) UpsertPod(serviceID, podName string, rec *podRecord, version string) {
	for {
		old := ws.current()
		pods := copyPods(old.pods)
		byName, ok := pods[serviceID]
		if !ok {
			byName = map[string]*podRecord{}
		} else {
			byName = copyPodNames(byName)
		}
		byName[podName] = rec
		pods[serviceID] = byName
		next := &snapshot{
			services: old.services,
			pods:     pods,
			rsMeta:   old.rsMeta,
			podMeta: StreamMeta{
				SnapshotTime:    old.podMeta.SnapshotTime,
				SnapshotVersion: old.podMeta.SnapshotVersion,
				WatchTime:       time.Now(),
				WatchVersion:    version,
			},
		}
		if ws.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// RemovePod applies a DELETED Pod watch event.
func (ws *WatchState) RemovePod(serviceID, podName, version string) {
	for {
		old := ws.current()
		pods := copyPods(old.pods)
		if byName, ok := pods[serviceID]; ok {
			byName = copyPodNames(byName)
			delete(byName, podName)
			if len(byName) == 0 {
				delete(pods, serviceID)
			} else {
				pods[serviceID] = byName
			}
		}
		next := &snapshot{
			services: old.services,
			pods:     pods,
			rsMeta:   old.rsMeta,
			podMeta: StreamMeta{
				SnapshotTime:    old.podMeta.SnapshotTime,
				SnapshotVersion: old.podMeta.SnapshotVersion,
				WatchTime:       time.Now(),
				WatchVersion:    version,
			},
		}
		if ws.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// GetServices returns every mirrored Service (spec §4.4 get-services).
func (ws *WatchState) GetServices() []Service {
	s := ws.current()
	out := make([]Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	return out
}

// GetService returns the mirrored Service for serviceID, if any.
func (ws *WatchState) GetService(serviceID string) (Service, bool) {
	s := ws.current()
	svc, ok := s.services[serviceID]
	return svc, ok
}

// ActiveInstances returns the live instances for a service: pods whose
// status.podIP is present and metadata.deletionTimestamp is absent (the
// liveness filter from §4.3).
func (ws *WatchState) ActiveInstances(serviceID string) []ServiceInstance {
	s := ws.current()
	byName := s.pods[serviceID]
	out := make([]ServiceInstance, 0, len(byName))
	for _, rec := range byName {
		if !isLive(rec.pod) {
			continue
		}
		out = append(out, rec.instance)
	}
	return out
}

// AllPods returns every raw pod record mirrored for serviceID, live or not,
// including terminating pods and pods without an IP.
func (ws *WatchState) AllPods(serviceID string) []*podRecord {
	s := ws.current()
	byName := s.pods[serviceID]
	out := make([]*podRecord, 0, len(byName))
	for _, rec := range byName {
		out = append(out, rec)
	}
	return out
}

// AllPodsAllServices returns every raw pod record across every service.
func (ws *WatchState) AllPodsAllServices() map[string][]*podRecord {
	s := ws.current()
	out := make(map[string][]*podRecord, len(s.pods))
	for serviceID, byName := range s.pods {
		recs := make([]*podRecord, 0, len(byName))
		for _, rec := range byName {
			recs = append(recs, rec)
		}
		out[serviceID] = recs
	}
	return out
}

// ReplicaSetMeta and PodMeta expose the stream bookmarks for state()/observability.
func (ws *WatchState) ReplicaSetMeta() StreamMeta { return ws.current().rsMeta }
func (ws *WatchState) PodMeta() StreamMeta        { return ws.current().podMeta }

func isLive(pod *corev1.Pod) bool {
	if pod == nil {
		return false
	}
	return pod.Status.PodIP != "" && pod.DeletionTimestamp == nil
}

func copyServices(m map[string]Service) map[string]Service {
	out := make(map[string]Service, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyPods(m map[string]map[string]*podRecord) map[string]map[string]*podRecord {
	out := make(map[string]map[string]*podRecord, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyPodNames(m map[string]*podRecord) map[string]*podRecord {
	out := make(map[string]*podRecord, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
