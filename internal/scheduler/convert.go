package scheduler

import (
	"strconv"

	corev1 "k8s.io/api/core/v1"
	appsv1 "k8s.io/api/apps/v1"
)

// Annotation and label keys the Kubernetes wire contract (spec §6) requires.
const (
	AnnotationServiceID = "waiter/service-id"
	AnnotationProtocol  = "waiter/protocol"
	AnnotationPortCount = "waiter/port-count"
	LabelManagedBy      = "managed-by"

	primaryContainerName = "waiter-app"
)

// ErrNotWaiterManaged indicates a ReplicaSet/Pod without the waiter/service-id
// annotation; the caller must skip conversion, per §4.3 "omit objects whose
// conversion fails".
type ErrNotWaiterManaged struct{ Kind string }

func (e ErrNotWaiterManaged) Error() string {
	return e.Kind + " is missing the " + AnnotationServiceID + " annotation"
}

// ServiceFromReplicaSet converts a ReplicaSet into a Service (spec §4.3/§4.6).
// Returns ErrNotWaiterManaged when the service-id annotation is absent.
func ServiceFromReplicaSet(rs *appsv1.ReplicaSet) (Service, error) {
	serviceID, ok := rs.Annotations[AnnotationServiceID]
	if !ok || serviceID == "" {
		return Service{}, ErrNotWaiterManaged{Kind: "ReplicaSet"}
	}

	requested := 0
	if rs.Spec.Replicas != nil {
		requested = int(*rs.Spec.Replicas)
	}

	taskCount := int(rs.Status.Replicas)
	available := int(rs.Status.AvailableReplicas)
	ready := int(rs.Status.ReadyReplicas)

	staged := taskCount - available
	if staged < 0 {
		staged = 0
	}
	running := taskCount - staged

	return Service{
		ID:        serviceID,
		Instances: requested,
		TaskCount: taskCount,
		TaskStats: TaskStats{
			Healthy:   ready,
			Running:   running,
			Staged:    staged,
			Unhealthy: ClampUnhealthy(taskCount, ready, staged),
		},
		AppName:   rs.Name,
		Namespace: rs.Namespace,
	}, nil
}

// PodToRecord converts a Pod into a podRecord keyed for the watch state's
// pod map (spec §4.3/§4.4). Returns ErrNotWaiterManaged when the
// service-id annotation is absent.
func PodToRecord(pod *corev1.Pod) (serviceID string, rec *podRecord, err error) {
	serviceID, ok := pod.Annotations[AnnotationServiceID]
	if !ok || serviceID == "" {
		return "", nil, ErrNotWaiterManaged{Kind: "Pod"}
	}

	portCount := 1
	if v, ok := pod.Annotations[AnnotationPortCount]; ok {
		if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 {
			portCount = n
		}
	}
	protocol := pod.Annotations[AnnotationProtocol]

	primaryPort := primaryContainerPort(pod)
	extraPorts := make([]int, 0, portCount-1)
	for i := 1; i < portCount; i++ {
		extraPorts = append(extraPorts, primaryPort+i)
	}

	restartCount := 0
	var exitCode *int
	var startedAt = pod.Status.StartTime

	if len(pod.Status.ContainerStatuses) > 0 {
		// §9 open question: the source reads containerStatuses[0]; pods with
		// multiple containers are not given an explicit selector here either.
		cs := pod.Status.ContainerStatuses[0]
		restartCount = int(cs.RestartCount)
		if cs.State.Running != nil {
			t := cs.State.Running.StartedAt
			startedAt = &t
		}
	}

	instance := ServiceInstance{
		ID:           InstanceID(serviceID, pod.Name, restartCount),
		ServiceID:    serviceID,
		Host:         pod.Status.PodIP,
		Port:         primaryPort,
		ExtraPorts:   extraPorts,
		Protocol:     protocol,
		Healthy:      isPodReady(pod),
		RestartCount: restartCount,
		PodName:      pod.Name,
		ExitCode:     exitCode,
	}
	if startedAt != nil {
		instance.StartedAt = startedAt.Time
	}

	return serviceID, &podRecord{pod: pod, instance: instance}, nil
}

func primaryContainerPort(pod *corev1.Pod) int {
	for _, c := range pod.Spec.Containers {
		if c.Name == primaryContainerName && len(c.Ports) > 0 {
			return int(c.Ports[0].ContainerPort)
		}
	}
	if len(pod.Spec.Containers) > 0 && len(pod.Spec.Containers[0].Ports) > 0 {
		return int(pod.Spec.Containers[0].Ports[0].ContainerPort)
	}
	return 0
}

func isPodReady(pod *corev1.Pod) bool {
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}
