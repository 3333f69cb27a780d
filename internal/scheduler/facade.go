package scheduler

import "context"

// ServiceDescriptor is the input to create-service-if-new: everything the
// spec builder (§4.6) needs to reify a logical service as a workload.
type ServiceDescriptor struct {
	ServiceID            string
	CmdType              string // "shell" or "docker"; "docker" is unsupported (§4.4)
	Cmd                  string
	RunAsUser            string // becomes the Kubernetes namespace
	MinInstances         int
	CPUs                 float64
	MemMB                int
	Ports                int
	Protocol             string
	HealthCheckURL       string
	HealthCheckIntervalS int
	GracePeriodS         int
	MaxConsecutiveFails  int
	Env                  map[string]string
	HomePath             string
}

// Result is the structured result returned by every mutating scheduler
// operation (spec §7 "user-visible failure").
type Result struct {
	Success bool
	Status  int
	Result  string // domain-level result tag, e.g. "deleted", "conflict", "no-such-service-exists"
	Message string
}

// KillResult is kill-instance's result shape (spec §4.4).
type KillResult struct {
	Killed bool
	Status int
}

// DirectoryEntry is one entry returned by retrieve-directory-content (spec §4.4).
type DirectoryEntry struct {
	Name string
	Type string // "file" or "directory"
	URL  string // present when Type == "file"
	Path string // present when Type == "directory"
}

// ServiceState is the per-service slice of state() / service-id->state(id).
type ServiceState struct {
	Service         Service
	ActiveInstances []ServiceInstance
	FailedInstances []FailedInstance
}

// State is the snapshot returned by state() (spec §4.4). Services is always
// populated (flat, keyed by service-id); ByTag is additionally populated by
// the composite scheduler, keyed by sub-scheduler tag (spec §4.7 "state
// merges sub-scheduler states keyed by tag").
type State struct {
	Services    map[string]ServiceState
	ByTag       map[string]State
	SyncerState SyncerState
}

// Scheduler is the stable facade consumed by the rest of Waiter (spec §6).
// Kubernetes, Composite, and Shell all implement it.
type Scheduler interface {
	GetServices(ctx context.Context) ([]Service, error)
	ServiceExists(ctx context.Context, serviceID string) (bool, error)
	CreateServiceIfNew(ctx context.Context, desc ServiceDescriptor) (*Service, error)
	DeleteService(ctx context.Context, serviceID string) (Result, error)
	ScaleService(ctx context.Context, serviceID string, target int) (Result, error)
	KillInstance(ctx context.Context, instance ServiceInstance) (KillResult, error)
	RetrieveDirectoryContent(ctx context.Context, host, path string) ([]DirectoryEntry, error)
	ServiceIDToState(ctx context.Context, serviceID string) (ServiceState, error)
	State(ctx context.Context) (State, error)
	ValidateService(ctx context.Context, serviceID string) (bool, error)
}
