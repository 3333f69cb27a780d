package scheduler

import (
	"context"
	"fmt"
)

// Composite routes every service-id-scoped operation to one of several
// sub-schedulers by tag (spec §4.7). It holds no state of its own; it is a
// pure router.
type Composite struct {
	backends   map[string]Scheduler
	defaultTag string
	// tagOf resolves a service-id to its routing tag; returns "" to use the
	// default. Supplied by the caller (e.g. looked up from the service
	// descriptor store) since the composite itself owns no service metadata.
	tagOf func(serviceID string) string
}

// NewComposite builds a Composite over backends, routing via tagOf and
// falling back to defaultTag.
func NewComposite(backends map[string]Scheduler, defaultTag string, tagOf func(serviceID string) string) *Composite {
	if tagOf == nil {
		tagOf = func(string) string { return "" }
	}
	return &Composite{backends: backends, defaultTag: defaultTag, tagOf: tagOf}
}

func (c *Composite) resolve(serviceID string) (Scheduler, error) {
	tag := c.tagOf(serviceID)
	if tag == "" {
		tag = c.defaultTag
	}
	backend, ok := c.backends[tag]
	if !ok {
		return nil, NewError(KindNotFound, 0, fmt.Sprintf("no backend registered for tag %q", tag), nil)
	}
	return backend, nil
}

func (c *Composite) GetServices(ctx context.Context) ([]Service, error) {
	var all []Service
	for _, backend := range c.backends {
		services, err := backend.GetServices(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, services...)
	}
	return all, nil
}

func (c *Composite) ServiceExists(ctx context.Context, serviceID string) (bool, error) {
	backend, err := c.resolve(serviceID)
	if err != nil {
		return false, err
	}
	return backend.ServiceExists(ctx, serviceID)
}

func (c *Composite) CreateServiceIfNew(ctx context.Context, desc ServiceDescriptor) (*Service, error) {
	backend, err := c.resolve(desc.ServiceID)
	if err != nil {
		return nil, err
	}
	return backend.CreateServiceIfNew(ctx, desc)
}

func (c *Composite) DeleteService(ctx context.Context, serviceID string) (Result, error) {
	backend, err := c.resolve(serviceID)
	if err != nil {
		return Result{}, err
	}
	return backend.DeleteService(ctx, serviceID)
}

func (c *Composite) ScaleService(ctx context.Context, serviceID string, target int) (Result, error) {
	backend, err := c.resolve(serviceID)
	if err != nil {
		return Result{}, err
	}
	return backend.ScaleService(ctx, serviceID, target)
}

func (c *Composite) KillInstance(ctx context.Context, instance ServiceInstance) (KillResult, error) {
	backend, err := c.resolve(instance.ServiceID)
	if err != nil {
		return KillResult{}, err
	}
	return backend.KillInstance(ctx, instance)
}

func (c *Composite) RetrieveDirectoryContent(ctx context.Context, host, path string) ([]DirectoryEntry, error) {
	// Directory listing addresses a host directly; any backend's fileserver
	// client suffices, so the default backend handles it.
	backend, ok := c.backends[c.defaultTag]
	if !ok {
		return nil, NewError(KindNotFound, 0, "no default backend registered", nil)
	}
	return backend.RetrieveDirectoryContent(ctx, host, path)
}

func (c *Composite) ServiceIDToState(ctx context.Context, serviceID string) (ServiceState, error) {
	backend, err := c.resolve(serviceID)
	if err != nil {
		return ServiceState{}, err
	}
	return backend.ServiceIDToState(ctx, serviceID)
}

func (c *Composite) State(ctx context.Context) (State, error) {
	merged := State{Services: map[string]ServiceState{}, ByTag: map[string]State{}}
	for tag, backend := range c.backends {
		s, err := backend.State(ctx)
		if err != nil {
			return State{}, err
		}
		merged.ByTag[tag] = s
		for id, st := range s.Services {
			merged.Services[id] = st
		}
	}
	return merged, nil
}

func (c *Composite) ValidateService(ctx context.Context, serviceID string) (bool, error) {
	backend, err := c.resolve(serviceID)
	if err != nil {
		return false, err
	}
	return backend.ValidateService(ctx, serviceID)
}
