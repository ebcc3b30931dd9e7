// ABOUTME: Event routing from informers to the pod, workload, networking and namespace handlers.
// ABOUTME: Pods feed the scan queue; deletes purge dedup state, withdraw queued work and notify upstream.

package engine

import (
	"context"
	"fmt"

	"github.com/jfeddern/VulnMonitor/internal/cache"
	"github.com/jfeddern/VulnMonitor/internal/informer"
	"github.com/jfeddern/VulnMonitor/internal/kube"
	"github.com/jfeddern/VulnMonitor/internal/ownership"
	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// FalsyWorkloadName stands in for objects that arrive without a name
const FalsyWorkloadName = "falsy workload name"

func workloadName(name string) string {
	if name == "" {
		return FalsyWorkloadName
	}
	return name
}

// route is the informer handler. Errors raised while shutting down are dropped.
func (e *Engine) route(ctx context.Context, event informer.Event) error {
	err := e.dispatch(ctx, event)
	if err != nil && e.shutdownInProgress.Load() {
		return nil
	}
	return err
}

func (e *Engine) dispatch(ctx context.Context, event informer.Event) error {
	deleted := event.Verb == informer.Deleted

	switch event.Kind {
	case types.KindPod:
		if deleted {
			return e.handlePodDeleted(ctx, event.Object)
		}
		return e.handlePod(ctx, event.Object)

	case types.KindDeployment, types.KindReplicaSet, types.KindStatefulSet, types.KindDaemonSet,
		types.KindJob, types.KindCronJob, types.KindReplicationController,
		types.KindDeploymentConfig, types.KindArgoRollout:
		// The next pod event must see the new revision or the recreated UID
		e.owners.Forget(event.Kind, event.Object.GetName(), event.Object.GetNamespace())
		if deleted {
			return e.deleteWorkload(ctx, kube.NonWorkloadMetadata(event.Kind, event.Object))
		}
		return nil

	case types.KindService, types.KindIngress:
		if !e.config.NetworkingResourceScan {
			return nil
		}
		if deleted {
			return e.deleteWorkload(ctx, kube.NonWorkloadMetadata(event.Kind, event.Object))
		}
		return e.handleNetworkingResource(ctx, event.Kind, event.Object)

	case types.KindNamespace:
		if deleted {
			e.manager.UnwatchNamespace(event.Object.GetName())
			return nil
		}
		e.manager.WatchNamespace(event.Object.GetName())
		return nil
	}
	return fmt.Errorf("no route for kind %s", event.Kind)
}

func toPod(obj *unstructured.Unstructured) (*corev1.Pod, error) {
	pod := &corev1.Pod{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, pod); err != nil {
		return nil, fmt.Errorf("failed to convert pod %s: %w", workloadName(obj.GetName()), err)
	}
	return pod, nil
}

// handlePod reports the pod's workload and queues its unseen images for scanning
func (e *Engine) handlePod(ctx context.Context, obj *unstructured.Unstructured) error {
	pod, err := toPod(obj)
	if err != nil {
		return err
	}
	if !ownership.IsPodReady(pod) {
		return nil
	}

	podName := workloadName(pod.Name)
	logger := e.logger.WithFields(logrus.Fields{
		"operation": "handle_pod",
		"pod":       podName,
		"namespace": pod.Namespace,
	})

	workloads, err := e.resolver.BuildWorkloads(ctx, pod)
	if err != nil {
		return fmt.Errorf("failed to build workload metadata for pod %s: %w", podName, err)
	}
	if len(workloads) == 0 {
		logger.Warn("Could not process pod, the workload is possibly unsupported or deleted")
		return nil
	}

	// Every record carries the same owner, so the first one identifies the workload
	owner := workloads[0]
	workloadKey := cache.WorkloadKey(owner.Namespace, owner.Type, owner.UID)
	upstream := e.upstream()

	if e.state.ShouldSendWorkload(workloadKey, owner.Revision) {
		payload, err := upstream.Identity().WorkloadMetadataPayload(workloads)
		if err != nil {
			return fmt.Errorf("failed to build workload payload for pod %s: %w", podName, err)
		}
		upstream.SendWorkloadMetadata(ctx, payload)
	}

	var toScan []types.Workload
	for _, w := range workloads {
		if e.state.ShouldScanImage(workloadKey, w.ImageID, w.ImageName) {
			toScan = append(toScan, w)
		}
	}
	if len(toScan) == 0 {
		return nil
	}

	e.queue.Push(types.ScanTask{Key: owner.UID, Workloads: toScan})
	logger.WithFields(logrus.Fields{
		"workload": owner.Name,
		"type":     owner.Type,
		"images":   len(toScan),
	}).Debug("Queued workload images for scanning")
	return nil
}

func (e *Engine) handlePodDeleted(ctx context.Context, obj *unstructured.Unstructured) error {
	pod, err := toPod(obj)
	if err != nil {
		return err
	}
	return e.deleteWorkload(ctx, ownership.PodMetadata(pod))
}

// deleteWorkload purges dedup state, withdraws queued scans and deletes top-level objects upstream
func (e *Engine) deleteWorkload(ctx context.Context, meta *types.KubeObjectMetadata) error {
	uid := string(meta.ObjectMeta.UID)
	workloadKey := cache.WorkloadKey(meta.ObjectMeta.Namespace, meta.Kind.String(), uid)

	e.state.PurgeWorkload(workloadKey)
	removed := e.queue.Remove(uid)

	logger := e.logger.WithFields(logrus.Fields{
		"operation":     "delete_workload",
		"workload":      workloadName(meta.ObjectMeta.Name),
		"namespace":     meta.ObjectMeta.Namespace,
		"type":          meta.Kind.String(),
		"removed_tasks": removed,
	})

	if len(meta.OwnerRefs) > 0 {
		logger.Debug("Owned object deleted, leaving the upstream workload in place")
		return nil
	}

	upstream := e.upstream()
	locator := upstream.Identity().Locator(types.Workload{
		Type:      meta.Kind.String(),
		Name:      meta.ObjectMeta.Name,
		Namespace: meta.ObjectMeta.Namespace,
		Cluster:   e.config.ClusterName,
	})
	upstream.DeleteWorkload(ctx, locator)
	return nil
}

// handleNetworkingResource reports Services and Ingresses, whose resourceVersion is their revision
func (e *Engine) handleNetworkingResource(ctx context.Context, kind types.WorkloadKind, obj *unstructured.Unstructured) error {
	meta := kube.NonWorkloadMetadata(kind, obj)
	record := types.Workload{
		Type:            kind.String(),
		Name:            workloadName(meta.ObjectMeta.Name),
		Namespace:       meta.ObjectMeta.Namespace,
		UID:             string(meta.ObjectMeta.UID),
		Labels:          meta.ObjectMeta.Labels,
		SpecLabels:      meta.SpecMeta.Labels,
		Annotations:     meta.ObjectMeta.Annotations,
		SpecAnnotations: meta.SpecMeta.Annotations,
		Cluster:         e.config.ClusterName,
		Revision:        meta.Revision,
	}

	if !e.state.ShouldSendWorkload(cache.WorkloadKey(record.Namespace, record.Type, record.UID), record.Revision) {
		return nil
	}

	upstream := e.upstream()
	payload, err := upstream.Identity().WorkloadMetadataPayload([]types.Workload{record})
	if err != nil {
		return fmt.Errorf("failed to build %s payload for %s: %w", kind, record.Name, err)
	}
	upstream.SendWorkloadMetadata(ctx, payload)
	return nil
}

// processTask runs on a scan worker and rolls back the image entries of every failed image.
// A panicking collaborator rolls back the whole task before the worker recovers it.
func (e *Engine) processTask(ctx context.Context, task types.ScanTask) {
	failed := task.Workloads
	defer func() {
		for _, w := range failed {
			e.state.ForgetImages(cache.WorkloadKey(w.Namespace, w.Type, w.UID), w.ImageID)
		}
	}()

	undelivered, err := e.scanProcessor().Process(ctx, task, e.queue.Len())
	if err != nil {
		if !e.shutdownInProgress.Load() && ctx.Err() == nil {
			e.logger.WithError(err).WithField("task_key", task.Key).Error("Failed to process scan task")
		}
		return
	}
	failed = undelivered
}
