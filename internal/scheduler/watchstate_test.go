package scheduler

import (
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func replicaSet(serviceID string, replicas, status, available, ready int32) *appsv1.ReplicaSet {
	r := replicas
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "app-" + serviceID,
			Namespace:   "ns",
			Annotations: map[string]string{AnnotationServiceID: serviceID},
		},
		Spec: appsv1.ReplicaSetSpec{Replicas: &r},
		Status: appsv1.ReplicaSetStatus{
			Replicas:          status,
			AvailableReplicas: available,
			ReadyReplicas:     ready,
		},
	}
}

func TestServiceFromReplicaSet_Invariant1(t *testing.T) {
	rs := replicaSet("svc-1", 3, 3, 2, 1)
	svc, err := ServiceFromReplicaSet(rs)
	if err != nil {
		t.Fatalf("ServiceFromReplicaSet() error = %v", err)
	}
	if svc.TaskStats.Running+svc.TaskStats.Staged != svc.TaskCount {
		t.Fatalf("invariant violated: running(%d)+staged(%d) != taskCount(%d)",
			svc.TaskStats.Running, svc.TaskStats.Staged, svc.TaskCount)
	}
	if svc.TaskStats.Unhealthy < 0 {
		t.Fatalf("Unhealthy is negative: %d", svc.TaskStats.Unhealthy)
	}
}

func TestServiceFromReplicaSet_UnhealthyClampedAtZero(t *testing.T) {
	// readyReplicas can transiently exceed (taskCount - staged) during
	// rollout; the Open Question decision clamps unhealthy at 0 rather than
	// surfacing a negative invariant violation.
	rs := replicaSet("svc-1", 3, 3, 2, 3)
	svc, err := ServiceFromReplicaSet(rs)
	if err != nil {
		t.Fatal(err)
	}
	if svc.TaskStats.Unhealthy != 0 {
		t.Fatalf("Unhealthy = %d, want 0", svc.TaskStats.Unhealthy)
	}
}

func TestServiceFromReplicaSet_MissingAnnotationSkipped(t *testing.T) {
	rs := replicaSet("", 1, 1, 1, 1)
	rs.Annotations = nil
	_, err := ServiceFromReplicaSet(rs)
	if err == nil {
		t.Fatal("expected ErrNotWaiterManaged for missing annotation")
	}
}

func TestWatchState_SnapshotThenDelta(t *testing.T) {
	ws := NewWatchState()

	svcA, _ := ServiceFromReplicaSet(replicaSet("svc-a", 1, 1, 1, 1))
	ws.ReplaceServices(map[string]Service{"svc-a": svcA}, "100")

	if got := ws.GetServices(); len(got) != 1 {
		t.Fatalf("after snapshot, GetServices() = %v, want 1 entry", got)
	}

	svcB, _ := ServiceFromReplicaSet(replicaSet("svc-b", 1, 1, 1, 1))
	ws.UpsertService(svcB, "101")

	if got := ws.GetServices(); len(got) != 2 {
		t.Fatalf("after upsert delta, GetServices() = %v, want 2 entries", got)
	}

	ws.RemoveService("svc-a", "102")
	if got := ws.GetServices(); len(got) != 1 || got[0].ID != "svc-b" {
		t.Fatalf("after remove delta, GetServices() = %v, want [svc-b]", got)
	}
}

func pod(serviceID, name, ip string, deleted bool) *corev1.Pod {
	p := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Annotations: map[string]string{AnnotationServiceID: serviceID, AnnotationPortCount: "1"},
		},
		Status: corev1.PodStatus{PodIP: ip},
	}
	if deleted {
		now := metav1.Now()
		p.DeletionTimestamp = &now
	}
	return p
}

func TestWatchState_ActiveInstancesLivenessFilter(t *testing.T) {
	ws := NewWatchState()

	_, recLive, _ := PodToRecord(pod("svc-1", "pod-live", "10.0.0.1", false))
	_, recDeleting, _ := PodToRecord(pod("svc-1", "pod-deleting", "10.0.0.2", true))
	_, recNoIP, _ := PodToRecord(pod("svc-1", "pod-no-ip", "", false))

	ws.UpsertPod("svc-1", "pod-live", recLive, "1")
	ws.UpsertPod("svc-1", "pod-deleting", recDeleting, "1")
	ws.UpsertPod("svc-1", "pod-no-ip", recNoIP, "1")

	active := ws.ActiveInstances("svc-1")
	if len(active) != 1 || active[0].PodName != "pod-live" {
		t.Fatalf("ActiveInstances() = %v, want only pod-live", active)
	}
}

func TestInstanceID_InjectiveInvariant3(t *testing.T) {
	a := InstanceID("svc-1", "pod-a", 0)
	b := InstanceID("svc-1", "pod-b", 0)
	c := InstanceID("svc-1", "pod-a", 1)
	if a == b || a == c || b == c {
		t.Fatalf("InstanceID collisions: a=%q b=%q c=%q", a, b, c)
	}
}
