// Package scheduler implements the backend-agnostic core of Waiter's scheduler:
// the data model, name codec, watch-state mirror, failure store, spec builder,
// composite router, syncer, and the facade interface every backend implements.
package scheduler

import (
	"strconv"
	"time"
)

// TaskStats mirrors spec §3's {healthy, running, staged, unhealthy} tuple.
// Invariant: running = task-count - staged; unhealthy = max(0, task-count -
// healthy - staged) per the clamping decision in DESIGN.md.
type TaskStats struct {
	Healthy   int
	Running   int
	Staged    int
	Unhealthy int
}

// Service is a logical workload (spec §3).
type Service struct {
	ID         string
	Instances  int // requested replicas
	TaskCount  int // observed replicas
	TaskStats  TaskStats
	AppName    string // backend-specific handle
	Namespace  string // backend-specific handle
	BackendTag string // composite-scheduler routing tag, empty if not set
}

// Flag is a ServiceInstance/FailedInstance annotation (spec §3).
type Flag string

const FlagMemoryLimitExceeded Flag = "memory-limit-exceeded"

// ServiceInstance is one incarnation of one replica (spec §3).
type ServiceInstance struct {
	ID            string // service-id + "." + pod-name + "-" + restart-count
	ServiceID     string
	Host          string
	Port          int
	ExtraPorts    []int
	Protocol      string
	StartedAt     time.Time
	Healthy       bool
	LogDirectory  string
	RestartCount  int
	Flags         []Flag
	ExitCode      *int
	PodName       string
}

// FailedInstance has the same shape as ServiceInstance, always Healthy=false
// (spec §3's "FailedInstance").
type FailedInstance = ServiceInstance

// InstanceID derives spec §3's deterministic instance id:
// service-id + "." + pod-name + "-" + restart-count.
func InstanceID(serviceID, podName string, restartCount int) string {
	return serviceID + "." + podName + "-" + strconv.Itoa(restartCount)
}

// ClampUnhealthy applies the Open Question decision in DESIGN.md: unhealthy
// is clamped at zero rather than surfaced as a negative invariant violation.
func ClampUnhealthy(taskCount, healthy, staged int) int {
	u := taskCount - healthy - staged
	if u < 0 {
		return 0
	}
	return u
}
