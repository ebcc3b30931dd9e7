// ABOUTME: Dynamic client access to every watched resource kind.
// ABOUTME: Provides list and watch functions per kind and probes optional kinds for support.

package kube

import (
	"context"
	"time"

	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
)

// ProbeTimeout bounds the one-off list used to detect optional kinds
const ProbeTimeout = 10 * time.Second

// WatchFunc opens a watch stream within namespace ("" for cluster scope)
type WatchFunc func(ctx context.Context, namespace string, opts metav1.ListOptions) (watch.Interface, error)

// Source provides list and watch access to a single resource kind
type Source struct {
	Kind  types.WorkloadKind
	List  ListFunc
	Watch WatchFunc
}

func resource(client dynamic.Interface, kind types.WorkloadKind, namespace string) dynamic.ResourceInterface {
	r := client.Resource(kind.GroupVersionResource())
	if namespace == "" || kind == types.KindNamespace {
		return r
	}
	return r.Namespace(namespace)
}

// NewDynamicSource builds a Source for kind whose list calls go through Retry
func NewDynamicSource(client dynamic.Interface, kind types.WorkloadKind) *Source {
	return &Source{
		Kind: kind,
		List: func(ctx context.Context, namespace string, opts metav1.ListOptions) (*unstructured.UnstructuredList, error) {
			return Retry(ctx, func(ctx context.Context) (*unstructured.UnstructuredList, error) {
				return resource(client, kind, namespace).List(ctx, opts)
			})
		},
		Watch: func(ctx context.Context, namespace string, opts metav1.ListOptions) (watch.Interface, error) {
			return Retry(ctx, func(ctx context.Context) (watch.Interface, error) {
				return resource(client, kind, namespace).Watch(ctx, opts)
			})
		},
	}
}

// IsSupported probes kinds that may be absent from the cluster. Absence is not an error.
func IsSupported(ctx context.Context, client dynamic.Interface, kind types.WorkloadKind, namespace string, logger *logrus.Logger) bool {
	if !kind.RequiresProbe() {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	_, err := Retry(probeCtx, func(ctx context.Context) (*unstructured.UnstructuredList, error) {
		return resource(client, kind, namespace).List(ctx, metav1.ListOptions{Limit: 1})
	})
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"kind":      kind.String(),
			"namespace": namespace,
		}).Debug("Resource kind not supported on this cluster, skipping")
		return false
	}
	return true
}

// NonWorkloadMetadata builds metadata for objects without a pod template, such as Services.
// The resourceVersion stands in for the revision.
func NonWorkloadMetadata(kind types.WorkloadKind, obj *unstructured.Unstructured) *types.KubeObjectMetadata {
	objectMeta := ObjectMeta(obj)
	return &types.KubeObjectMetadata{
		Kind:       kind,
		ObjectMeta: objectMeta,
		SpecMeta:   objectMeta,
		OwnerRefs:  obj.GetOwnerReferences(),
		Revision:   obj.GetResourceVersion(),
	}
}

// ObjectMeta copies the identity fields of obj into a typed ObjectMeta
func ObjectMeta(obj *unstructured.Unstructured) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:            obj.GetName(),
		Namespace:       obj.GetNamespace(),
		UID:             obj.GetUID(),
		Labels:          obj.GetLabels(),
		Annotations:     obj.GetAnnotations(),
		ResourceVersion: obj.GetResourceVersion(),
		Generation:      obj.GetGeneration(),
		OwnerReferences: obj.GetOwnerReferences(),
	}
}
