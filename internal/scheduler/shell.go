package scheduler

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"
)

// Shell is the "a shell backend is only for tests" Non-goal from spec §1: a
// minimal in-process Scheduler that runs descriptors as local OS processes.
// It is never wired into the composite's production path; it exists so the
// scheduler-facade integration tests can exercise the facade without a
// Kubernetes cluster.
type Shell struct {
	mu        sync.Mutex
	processes map[string]*shellProcess
}

type shellProcess struct {
	service Service
	cmd     *exec.Cmd
	started time.Time
}

// NewShell returns an empty Shell scheduler.
func NewShell() *Shell {
	return &Shell{processes: map[string]*shellProcess{}}
}

func (s *Shell) GetServices(context.Context) ([]Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Service, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p.service)
	}
	return out, nil
}

func (s *Shell) ServiceExists(_ context.Context, serviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processes[serviceID]
	return ok, nil
}

func (s *Shell) CreateServiceIfNew(_ context.Context, desc ServiceDescriptor) (*Service, error) {
	if desc.CmdType == "docker" {
		return nil, NewError(KindUnsupported, 0, "docker cmd-type is not supported", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.processes[desc.ServiceID]; exists {
		return nil, nil // 409-equivalent no-op, per spec §4.4
	}

	args, err := shlex.Split(desc.Cmd)
	if err != nil || len(args) == 0 {
		return nil, NewError(KindMalformed, 0, "cannot tokenize cmd", err)
	}
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, NewError(KindInternal, 0, "failed to start local process", err)
	}

	svc := Service{
		ID:        desc.ServiceID,
		Instances: desc.MinInstances,
		TaskCount: 1,
		TaskStats: TaskStats{Healthy: 1, Running: 1},
		AppName:   desc.ServiceID,
	}
	s.processes[desc.ServiceID] = &shellProcess{service: svc, cmd: cmd, started: time.Now()}
	return &svc, nil
}

func (s *Shell) DeleteService(_ context.Context, serviceID string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[serviceID]
	if !ok {
		return Result{Success: true, Status: 200, Result: "no-such-service-exists"}, nil
	}
	_ = p.cmd.Process.Kill()
	delete(s.processes, serviceID)
	return Result{Success: true, Status: 200, Result: "deleted"}, nil
}

func (s *Shell) ScaleService(_ context.Context, serviceID string, target int) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[serviceID]
	if !ok {
		return Result{Success: false, Status: 404, Result: "no-such-service-exists"}, nil
	}
	if target <= p.service.Instances {
		return Result{Success: true, Status: 200, Result: "no-op"}, nil
	}
	p.service.Instances = target
	return Result{Success: true, Status: 200, Result: "scaled"}, nil
}

func (s *Shell) KillInstance(_ context.Context, instance ServiceInstance) (KillResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[instance.ServiceID]
	if !ok {
		return KillResult{Killed: false, Status: 404}, nil
	}
	_ = p.cmd.Process.Kill()
	return KillResult{Killed: true, Status: 200}, nil
}

func (s *Shell) RetrieveDirectoryContent(context.Context, string, string) ([]DirectoryEntry, error) {
	return nil, nil
}

func (s *Shell) ServiceIDToState(_ context.Context, serviceID string) (ServiceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[serviceID]
	if !ok {
		return ServiceState{}, NewError(KindNotFound, 404, "no such service", nil)
	}
	return ServiceState{Service: p.service}, nil
}

func (s *Shell) State(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	services := make(map[string]ServiceState, len(s.processes))
	for id, p := range s.processes {
		services[id] = ServiceState{Service: p.service}
	}
	return State{Services: services}, nil
}

func (s *Shell) ValidateService(context.Context, string) (bool, error) { return true, nil }
