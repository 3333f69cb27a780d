package scheduler

import (
	"fmt"
	"hash/fnv"

	"github.com/google/shlex"
	corev1 "k8s.io/api/core/v1"
	appsv1 "k8s.io/api/apps/v1"
	resourceapi "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// SpecBuilderConfig carries the configuration knobs §4.6/§6 name for the
// spec builder: orchestrator-name (ownership label), pod-base-port, and the
// fileserver sidecar's port (0 disables it).
type SpecBuilderConfig struct {
	OrchestratorName string
	PodBasePort      int
	FileserverPort   int
	MaxNameLength    int
	PodSuffixLength  int
}

const (
	waiterInitCmd   = "/usr/bin/waiter-init"
	homeVolumeName  = "user-home"
	fileserverName  = "waiter-fileserver"
)

// BuildReplicaSet is the pure function (scheduler, service-id, descriptor) ->
// workload-spec from spec §4.6.
func BuildReplicaSet(cfg SpecBuilderConfig, serviceID string, desc ServiceDescriptor) (*appsv1.ReplicaSet, error) {
	if desc.CmdType == "docker" {
		return nil, NewError(KindUnsupported, 0, "docker cmd-type is not supported", nil)
	}

	appName := EncodeName(serviceID, cfg.MaxNameLength, cfg.PodSuffixLength)

	args, err := shlex.Split(desc.Cmd)
	if err != nil {
		return nil, NewError(KindMalformed, 0, fmt.Sprintf("cannot tokenize cmd: %v", err), err)
	}
	command := append([]string{waiterInitCmd}, args...)

	port0 := cfg.PodBasePort + (hashMod100(serviceID))*10

	env := baseEnv(desc)
	env = append(env, corev1.EnvVar{Name: "MESOS_DIRECTORY", Value: desc.HomePath})
	env = append(env, corev1.EnvVar{Name: "MESOS_SANDBOX", Value: desc.HomePath})
	ports := desc.Ports
	if ports <= 0 {
		ports = 1
	}
	containerPorts := make([]corev1.ContainerPort, 0, ports)
	for i := 0; i < ports; i++ {
		p := port0 + i
		env = append(env, corev1.EnvVar{Name: fmt.Sprintf("PORT%d", i), Value: fmt.Sprintf("%d", p)})
		containerPorts = append(containerPorts, corev1.ContainerPort{ContainerPort: int32(p)})
	}

	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    *resourceapi.NewMilliQuantity(int64(desc.CPUs*1000), resourceapi.DecimalSI),
			corev1.ResourceMemory: resourceapi.MustParse(fmt.Sprintf("%dMi", desc.MemMB)),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    *resourceapi.NewMilliQuantity(int64(desc.CPUs*1000), resourceapi.DecimalSI),
			corev1.ResourceMemory: resourceapi.MustParse(fmt.Sprintf("%dMi", desc.MemMB)),
		},
	}

	livenessProbe := &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{Path: desc.HealthCheckURL, Port: intstr.FromInt(port0)},
		},
		PeriodSeconds:       int32(desc.HealthCheckIntervalS),
		InitialDelaySeconds: int32(desc.GracePeriodS),
		FailureThreshold:    int32(desc.MaxConsecutiveFails),
		TimeoutSeconds:      1,
	}
	readinessProbe := *livenessProbe
	readinessProbe.FailureThreshold = 1

	homeVolume := corev1.Volume{
		Name:         homeVolumeName,
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	}
	homeMount := corev1.VolumeMount{Name: homeVolumeName, MountPath: desc.HomePath}

	containers := []corev1.Container{
		{
			Name:           primaryContainerName,
			Command:        command,
			Env:            env,
			Ports:          containerPorts,
			LivenessProbe:  livenessProbe,
			ReadinessProbe: &readinessProbe,
			Resources:      resources,
			VolumeMounts:   []corev1.VolumeMount{homeMount},
		},
	}
	if cfg.FileserverPort > 0 {
		containers = append(containers, corev1.Container{
			Name:         fileserverName,
			Ports:        []corev1.ContainerPort{{ContainerPort: int32(cfg.FileserverPort)}},
			VolumeMounts: []corev1.VolumeMount{homeMount},
		})
	}

	labels := map[string]string{"app": appName, LabelManagedBy: cfg.OrchestratorName}
	annotations := map[string]string{
		AnnotationServiceID: serviceID,
		AnnotationProtocol:  desc.Protocol,
		AnnotationPortCount: fmt.Sprintf("%d", ports),
	}

	replicas := int32(desc.MinInstances)
	rs := &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:        appName,
			Namespace:   desc.RunAsUser,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: appsv1.ReplicaSetSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels, Annotations: annotations},
				Spec: corev1.PodSpec{
					Containers:                    containers,
					Volumes:                       []corev1.Volume{homeVolume},
					TerminationGracePeriodSeconds: int64Ptr(0),
				},
			},
		},
	}
	return rs, nil
}

func baseEnv(desc ServiceDescriptor) []corev1.EnvVar {
	env := make([]corev1.EnvVar, 0, len(desc.Env))
	for k, v := range desc.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	return env
}

// hashMod100 derives PORT0's pseudo-random offset: a stable, non-cryptographic
// hash of the service-id mod 100 (spec §4.6).
func hashMod100(serviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(serviceID))
	return int(h.Sum32() % 100)
}

func int64Ptr(v int64) *int64 { return &v }
