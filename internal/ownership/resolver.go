// ABOUTME: Resolves pods to their top-level owning workload through the ownerReferences chain.
// ABOUTME: Merges owner identity with the pod's running container statuses into Workload records.

package ownership

import (
	"context"
	"fmt"

	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// MaxOwnerDepth bounds the owner walk so cyclic owner graphs terminate
const MaxOwnerDepth = 20

// OwnerReader reads a single owner object
type OwnerReader interface {
	Read(ctx context.Context, kind types.WorkloadKind, name, namespace string) (*types.KubeObjectMetadata, error)
}

type Resolver struct {
	reader   OwnerReader
	cluster  string
	skipJobs bool
	logger   *logrus.Logger
}

func NewResolver(reader OwnerReader, cluster string, skipJobs bool, logger *logrus.Logger) *Resolver {
	return &Resolver{
		reader:   reader,
		cluster:  cluster,
		skipJobs: skipJobs,
		logger:   logger,
	}
}

// FirstOwner returns the first owner reference whose kind can be resolved
func FirstOwner(refs []metav1.OwnerReference) (metav1.OwnerReference, types.WorkloadKind, bool) {
	for _, ref := range refs {
		if kind, ok := types.ParseOwnerKind(ref.Kind); ok {
			return ref, kind, true
		}
	}
	return metav1.OwnerReference{}, 0, false
}

// PodMetadata describes a pod as its own workload
func PodMetadata(pod *corev1.Pod) *types.KubeObjectMetadata {
	return &types.KubeObjectMetadata{
		Kind:       types.KindPod,
		ObjectMeta: pod.ObjectMeta,
		SpecMeta:   pod.ObjectMeta,
		OwnerRefs:  pod.OwnerReferences,
		PodSpec:    &pod.Spec,
	}
}

// BuildWorkloads returns one Workload per running container of pod, attributed to
// the pod's top-level owner. It returns nothing when the owner cannot be resolved.
func (r *Resolver) BuildWorkloads(ctx context.Context, pod *corev1.Pod) ([]types.Workload, error) {
	logger := r.logger.WithFields(logrus.Fields{
		"operation": "build_workloads",
		"pod":       pod.Name,
		"namespace": pod.Namespace,
	})

	if len(pod.Status.ContainerStatuses) == 0 {
		logger.Debug("Pod has no container statuses yet")
		return nil, nil
	}

	podMeta := PodMetadata(pod)
	_, ownerKind, owned := FirstOwner(pod.OwnerReferences)
	if !owned {
		return BuildImageMetadata(podMeta, pod.Status.ContainerStatuses, r.cluster), nil
	}

	if ownerKind == types.KindJob && r.skipJobs {
		logger.Debug("Skipping pod owned by a Job")
		return nil, nil
	}

	parent, err := r.FindParent(ctx, podMeta)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		logger.Debug("Could not resolve pod owner")
		return nil, nil
	}

	return BuildImageMetadata(parent, pod.Status.ContainerStatuses, r.cluster), nil
}

// FindParent walks the owner chain of child up to MaxOwnerDepth reads and returns the
// topmost resolved owner. A missing owner or an exceeded depth yields nil.
func (r *Resolver) FindParent(ctx context.Context, child *types.KubeObjectMetadata) (*types.KubeObjectMetadata, error) {
	namespace := child.ObjectMeta.Namespace
	var parent *types.KubeObjectMetadata
	current := child

	for step := 0; ; step++ {
		ref, kind, ok := FirstOwner(current.OwnerRefs)
		if !ok {
			return parent, nil
		}

		if step == MaxOwnerDepth {
			r.logger.WithFields(logrus.Fields{
				"name":      child.ObjectMeta.Name,
				"namespace": namespace,
				"depth":     step,
			}).Warn("Owner chain exceeded maximum depth")
			return nil, nil
		}

		next, err := r.reader.Read(ctx, kind, ref.Name, namespace)
		if err != nil {
			if apierrors.IsNotFound(err) {
				r.logger.WithFields(logrus.Fields{
					"kind":      kind.String(),
					"name":      ref.Name,
					"namespace": namespace,
				}).Debug("Owner no longer exists")
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read %s %s/%s: %w", kind, namespace, ref.Name, err)
		}
		if next == nil {
			return parent, nil
		}

		parent = next
		current = next
	}
}

// BuildImageMetadata merges owner metadata with container statuses, one record per container
func BuildImageMetadata(meta *types.KubeObjectMetadata, statuses []corev1.ContainerStatus, cluster string) []types.Workload {
	if meta.PodSpec == nil {
		return nil
	}

	images := make(map[string]string, len(meta.PodSpec.Containers))
	for _, container := range meta.PodSpec.Containers {
		images[container.Name] = container.Image
	}
	podSpec := stripContainerSecrets(meta.PodSpec)

	name := meta.ObjectMeta.Name
	if name == "" {
		name = "unknown"
	}

	var workloads []types.Workload
	for _, status := range statuses {
		image, ok := images[status.Name]
		if !ok {
			continue
		}
		workloads = append(workloads, types.Workload{
			Type:            meta.Kind.String(),
			Name:            name,
			Namespace:       meta.ObjectMeta.Namespace,
			UID:             string(meta.ObjectMeta.UID),
			Labels:          meta.ObjectMeta.Labels,
			SpecLabels:      meta.SpecMeta.Labels,
			Annotations:     meta.ObjectMeta.Annotations,
			SpecAnnotations: meta.SpecMeta.Annotations,
			ContainerName:   status.Name,
			ImageName:       image,
			ImageID:         status.ImageID,
			Cluster:         cluster,
			Revision:        meta.Revision,
			PodSpec:         podSpec,
		})
	}
	return workloads
}

// stripContainerSecrets drops args, env and command, which may carry credentials
func stripContainerSecrets(spec *corev1.PodSpec) *corev1.PodSpec {
	stripped := spec.DeepCopy()
	for i := range stripped.Containers {
		stripped.Containers[i].Args = nil
		stripped.Containers[i].Env = nil
		stripped.Containers[i].Command = nil
	}
	for i := range stripped.InitContainers {
		stripped.InitContainers[i].Args = nil
		stripped.InitContainers[i].Env = nil
		stripped.InitContainers[i].Command = nil
	}
	return stripped
}

// IsPodReady reports whether the pod is running with at least one live container
func IsPodReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, status := range pod.Status.ContainerStatuses {
		if status.State.Running != nil || status.State.Waiting != nil {
			return true
		}
	}
	return false
}
