package kubernetes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/waiter-project/scheduler-core/internal/authz"
	"github.com/waiter-project/scheduler-core/internal/scheduler"
)

func newSchedulerTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := &Client{http: srv.Client(), watchHTTP: srv.Client(), baseURL: srv.URL}
	var ts TokenSource = staticToken("test-token")
	c.tokens.Store(&ts)
	return c
}

// TestScheduler_S5_ScaleRetryAfterConflict is spec scenario S5: current=3,
// target=5, first PATCH returns 409, watch-state re-read yields current=4,
// second PATCH succeeds with test=4, replace=5.
func TestScheduler_S5_ScaleRetryAfterConflict(t *testing.T) {
	ws := scheduler.NewWatchState()
	ws.ReplaceServices(map[string]scheduler.Service{
		"svc-1": {ID: "svc-1", Instances: 3, AppName: "app-x", Namespace: "ns"},
	}, "1")

	var patchCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ops []map[string]any
		if err := json.Unmarshal(body, &ops); err != nil {
			t.Fatal(err)
		}

		n := atomic.AddInt32(&patchCount, 1)
		if n == 1 {
			if ops[0]["value"].(float64) != 3 {
				t.Fatalf("first attempt tested against %v, want current=3", ops[0]["value"])
			}
			// A concurrent watch event settles the real current replicas to 4
			// before the retry re-reads watch state.
			ws.UpsertService(scheduler.Service{ID: "svc-1", Instances: 4, AppName: "app-x", Namespace: "ns"}, "2")
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"conflict"}`))
			return
		}

		if ops[0]["value"].(float64) != 4 {
			t.Fatalf("second attempt tested against %v, want refreshed current=4", ops[0]["value"])
		}
		if ops[1]["value"].(float64) != 5 {
			t.Fatalf("second attempt replaced to %v, want target=5", ops[1]["value"])
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	sched := NewScheduler(
		newSchedulerTestClient(t, srv), ws, scheduler.NewFailureStore(0, nil), nil, authz.AllowAll,
		scheduler.SpecBuilderConfig{}, SchedulerConfig{ReplicaSetAPIVersion: "apps/v1", MaxPatchRetries: 3}, nil, nil,
	)

	res, err := sched.ScaleService(context.Background(), "svc-1", 5)
	if err != nil {
		t.Fatalf("ScaleService() error = %v", err)
	}
	if !res.Success || res.Status != 200 {
		t.Fatalf("ScaleService() = %+v, want success/200", res)
	}
	if got := atomic.LoadInt32(&patchCount); got != 2 {
		t.Fatalf("PATCH called %d times, want 2", got)
	}
}

func TestScheduler_ScaleService_SkipsWhenTargetNotGreater(t *testing.T) {
	ws := scheduler.NewWatchState()
	ws.ReplaceServices(map[string]scheduler.Service{
		"svc-1": {ID: "svc-1", Instances: 5, AppName: "app-x", Namespace: "ns"},
	}, "1")

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sched := NewScheduler(
		newSchedulerTestClient(t, srv), ws, scheduler.NewFailureStore(0, nil), nil, authz.AllowAll,
		scheduler.SpecBuilderConfig{}, SchedulerConfig{ReplicaSetAPIVersion: "apps/v1", MaxPatchRetries: 3}, nil, nil,
	)

	res, err := sched.ScaleService(context.Background(), "svc-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Result != "no-op" {
		t.Fatalf("ScaleService() = %+v, want no-op", res)
	}
	if called {
		t.Fatal("orchestrator should not be called when target <= current")
	}
}

// TestScheduler_S6_SafeKillWithScaleFailure is spec scenario S6: step 1
// succeeds, step 2 raises a transport error (logged, not fatal), step 3
// returns 404. Final result is {killed?:true, status:200}.
func TestScheduler_S6_SafeKillWithScaleFailure(t *testing.T) {
	ws := scheduler.NewWatchState()
	ws.ReplaceServices(map[string]scheduler.Service{
		"svc-1": {ID: "svc-1", Instances: 3, AppName: "app-x", Namespace: "ns"},
	}, "1")

	var mu sync.Mutex
	var callOrder []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callOrder = append(callOrder, r.Method+" "+r.URL.Path)
		mu.Unlock()

		switch {
		case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/pods/"):
			body, _ := io.ReadAll(r.Body)
			var decoded map[string]any
			_ = json.Unmarshal(body, &decoded)
			grace, _ := decoded["gracePeriodSeconds"].(float64)
			if grace == 300 {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{}`))
				return
			}
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"not found"}`))
		case r.Method == http.MethodPatch:
			// Simulate a transport-level failure: close the connection
			// without writing a response.
			hj, ok := w.(http.Hijacker)
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_ = conn.Close()
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	sched := NewScheduler(
		newSchedulerTestClient(t, srv), ws, scheduler.NewFailureStore(0, nil), nil, authz.AllowAll,
		scheduler.SpecBuilderConfig{}, SchedulerConfig{ReplicaSetAPIVersion: "apps/v1", MaxPatchRetries: 1}, nil, nil,
	)

	instance := scheduler.ServiceInstance{ID: "svc-1.pod-1-0", ServiceID: "svc-1", PodName: "pod-1"}
	res, err := sched.KillInstance(context.Background(), instance)
	if err != nil {
		t.Fatalf("KillInstance() error = %v", err)
	}
	if !res.Killed || res.Status != 200 {
		t.Fatalf("KillInstance() = %+v, want {killed:true status:200}", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(callOrder) != 3 {
		t.Fatalf("orchestrator calls = %v, want exactly 3 (invariant 7)", callOrder)
	}
	if !strings.HasPrefix(callOrder[0], "DELETE") || !strings.HasPrefix(callOrder[1], "PATCH") || !strings.HasPrefix(callOrder[2], "DELETE") {
		t.Fatalf("call order = %v, want [DELETE, PATCH, DELETE]", callOrder)
	}
}

func TestScheduler_KillInstance_UnknownServiceIsNotFound(t *testing.T) {
	ws := scheduler.NewWatchState()
	sched := NewScheduler(
		&Client{}, ws, scheduler.NewFailureStore(0, nil), nil, authz.AllowAll,
		scheduler.SpecBuilderConfig{}, SchedulerConfig{}, nil, nil,
	)
	res, err := sched.KillInstance(context.Background(), scheduler.ServiceInstance{ServiceID: "no-such-service"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Killed || res.Status != 404 {
		t.Fatalf("KillInstance() = %+v, want {killed:false status:404}", res)
	}
}

func TestScheduler_DeleteService_NotFoundIsIdempotentSuccess(t *testing.T) {
	ws := scheduler.NewWatchState()
	ws.ReplaceServices(map[string]scheduler.Service{
		"svc-1": {ID: "svc-1", AppName: "app-x", Namespace: "ns"},
	}, "1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	}))
	defer srv.Close()

	fs := scheduler.NewFailureStore(0, nil)
	sched := NewScheduler(
		newSchedulerTestClient(t, srv), ws, fs, nil, authz.AllowAll,
		scheduler.SpecBuilderConfig{}, SchedulerConfig{ReplicaSetAPIVersion: "apps/v1"}, nil, nil,
	)

	res, err := sched.DeleteService(context.Background(), "svc-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Result != "no-such-service-exists" {
		t.Fatalf("DeleteService() = %+v, want no-such-service-exists", res)
	}
}
