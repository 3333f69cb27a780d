package scheduler

import (
	"context"
	"testing"
)

// fakeScheduler is a minimal in-memory Scheduler used to test the composite
// router without a real orchestrator.
type fakeScheduler struct {
	tag      string
	services []Service
}

func (f *fakeScheduler) GetServices(context.Context) ([]Service, error) { return f.services, nil }
func (f *fakeScheduler) ServiceExists(_ context.Context, id string) (bool, error) {
	for _, s := range f.services {
		if s.ID == id {
			return true, nil
		}
	}
	return false, nil
}
func (f *fakeScheduler) CreateServiceIfNew(_ context.Context, desc ServiceDescriptor) (*Service, error) {
	s := Service{ID: desc.ServiceID, BackendTag: f.tag}
	f.services = append(f.services, s)
	return &s, nil
}
func (f *fakeScheduler) DeleteService(context.Context, string) (Result, error) {
	return Result{Success: true, Status: 200, Result: "deleted"}, nil
}
func (f *fakeScheduler) ScaleService(context.Context, string, int) (Result, error) {
	return Result{Success: true, Status: 200}, nil
}
func (f *fakeScheduler) KillInstance(context.Context, ServiceInstance) (KillResult, error) {
	return KillResult{Killed: true, Status: 200}, nil
}
func (f *fakeScheduler) RetrieveDirectoryContent(context.Context, string, string) ([]DirectoryEntry, error) {
	return nil, nil
}
func (f *fakeScheduler) ServiceIDToState(context.Context, string) (ServiceState, error) {
	return ServiceState{}, nil
}
func (f *fakeScheduler) State(context.Context) (State, error) {
	return State{Services: map[string]ServiceState{}}, nil
}
func (f *fakeScheduler) ValidateService(context.Context, string) (bool, error) { return true, nil }

func TestComposite_RoutesByTag(t *testing.T) {
	a := &fakeScheduler{tag: "a"}
	b := &fakeScheduler{tag: "b"}
	c := NewComposite(map[string]Scheduler{"a": a, "b": b}, "a", func(id string) string {
		if id == "svc-b" {
			return "b"
		}
		return ""
	})

	if _, err := c.CreateServiceIfNew(context.Background(), ServiceDescriptor{ServiceID: "svc-a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.CreateServiceIfNew(context.Background(), ServiceDescriptor{ServiceID: "svc-b"}); err != nil {
		t.Fatal(err)
	}

	if len(a.services) != 1 || a.services[0].ID != "svc-a" {
		t.Fatalf("default backend got %v, want [svc-a]", a.services)
	}
	if len(b.services) != 1 || b.services[0].ID != "svc-b" {
		t.Fatalf("tagged backend got %v, want [svc-b]", b.services)
	}
}

func TestComposite_GetServicesConcatenates(t *testing.T) {
	a := &fakeScheduler{services: []Service{{ID: "svc-a"}}}
	b := &fakeScheduler{services: []Service{{ID: "svc-b"}}}
	c := NewComposite(map[string]Scheduler{"a": a, "b": b}, "a", nil)

	got, err := c.GetServices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("GetServices() returned %d services, want 2", len(got))
	}
}

func TestComposite_UnknownTagIsNotFound(t *testing.T) {
	a := &fakeScheduler{}
	c := NewComposite(map[string]Scheduler{"a": a}, "missing", nil)
	_, err := c.ServiceExists(context.Background(), "svc")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", KindOf(err))
	}
}
