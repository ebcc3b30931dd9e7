// ABOUTME: Per-kind readers fetching owner objects from the Kubernetes API.
// ABOUTME: Reads go through the retry wrapper and a short lived read-through cache.

package ownership

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jfeddern/VulnMonitor/internal/kube"
	"github.com/jfeddern/VulnMonitor/internal/types"

	gcache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

const (
	readCacheSize = 500
	readCacheTTL  = time.Minute
)

// errUnsupportedKind is returned for kinds that never own pods
var errUnsupportedKind = errors.New("kind cannot own pods")

// Reader fetches owner objects and converts them to KubeObjectMetadata
type Reader struct {
	clientset kubernetes.Interface
	dynamic   dynamic.Interface
	cache     *gcache.Cache[string, *types.KubeObjectMetadata]
	logger    *logrus.Logger
}

func NewReader(clientset kubernetes.Interface, dynamicClient dynamic.Interface, logger *logrus.Logger) *Reader {
	return &Reader{
		clientset: clientset,
		dynamic:   dynamicClient,
		cache:     gcache.New(gcache.AsLRU[string, *types.KubeObjectMetadata](lru.WithCapacity(readCacheSize))),
		logger:    logger,
	}
}

// Read returns the metadata of the named object. A nil result without error means the
// object is missing fields needed to attribute images.
func (r *Reader) Read(ctx context.Context, kind types.WorkloadKind, name, namespace string) (*types.KubeObjectMetadata, error) {
	key := readKey(kind, name, namespace)
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}

	meta, err := r.fetch(ctx, kind, name, namespace)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		r.logger.WithFields(logrus.Fields{
			"kind":      kind.String(),
			"name":      name,
			"namespace": namespace,
		}).Warn("Owner object is missing its pod template, skipping")
		return nil, nil
	}

	r.cache.Set(key, meta, gcache.WithExpiration(readCacheTTL))
	return meta, nil
}

// Forget evicts the cached read of the named object so the next Read goes to the API
func (r *Reader) Forget(kind types.WorkloadKind, name, namespace string) {
	r.cache.Delete(readKey(kind, name, namespace))
}

func readKey(kind types.WorkloadKind, name, namespace string) string {
	return fmt.Sprintf("%s/%s/%s", kind, namespace, name)
}

func (r *Reader) fetch(ctx context.Context, kind types.WorkloadKind, name, namespace string) (*types.KubeObjectMetadata, error) {
	get := metav1.GetOptions{}

	switch kind {
	case types.KindDeployment:
		d, err := kube.Retry(ctx, func(ctx context.Context) (*appsv1.Deployment, error) {
			return r.clientset.AppsV1().Deployments(namespace).Get(ctx, name, get)
		})
		if err != nil {
			return nil, err
		}
		return fromTemplate(kind, d.ObjectMeta, &d.Spec.Template, observed(d.Status.ObservedGeneration)), nil

	case types.KindReplicaSet:
		rs, err := kube.Retry(ctx, func(ctx context.Context) (*appsv1.ReplicaSet, error) {
			return r.clientset.AppsV1().ReplicaSets(namespace).Get(ctx, name, get)
		})
		if err != nil {
			return nil, err
		}
		return fromTemplate(kind, rs.ObjectMeta, &rs.Spec.Template, observed(rs.Status.ObservedGeneration)), nil

	case types.KindStatefulSet:
		ss, err := kube.Retry(ctx, func(ctx context.Context) (*appsv1.StatefulSet, error) {
			return r.clientset.AppsV1().StatefulSets(namespace).Get(ctx, name, get)
		})
		if err != nil {
			return nil, err
		}
		return fromTemplate(kind, ss.ObjectMeta, &ss.Spec.Template, observed(ss.Status.ObservedGeneration)), nil

	case types.KindDaemonSet:
		ds, err := kube.Retry(ctx, func(ctx context.Context) (*appsv1.DaemonSet, error) {
			return r.clientset.AppsV1().DaemonSets(namespace).Get(ctx, name, get)
		})
		if err != nil {
			return nil, err
		}
		return fromTemplate(kind, ds.ObjectMeta, &ds.Spec.Template, observed(ds.Status.ObservedGeneration)), nil

	case types.KindJob:
		job, err := kube.Retry(ctx, func(ctx context.Context) (*batchv1.Job, error) {
			return r.clientset.BatchV1().Jobs(namespace).Get(ctx, name, get)
		})
		if err != nil {
			return nil, err
		}
		return fromTemplate(kind, job.ObjectMeta, &job.Spec.Template, ""), nil

	case types.KindCronJob:
		cronJob, err := kube.Retry(ctx, func(ctx context.Context) (*batchv1.CronJob, error) {
			return r.clientset.BatchV1().CronJobs(namespace).Get(ctx, name, get)
		})
		if err != nil {
			return nil, err
		}
		jobTemplate := cronJob.Spec.JobTemplate
		meta := fromTemplate(kind, cronJob.ObjectMeta, &jobTemplate.Spec.Template, "")
		if meta != nil {
			meta.SpecMeta = jobTemplate.ObjectMeta
		}
		return meta, nil

	case types.KindReplicationController:
		rc, err := kube.Retry(ctx, func(ctx context.Context) (*corev1.ReplicationController, error) {
			return r.clientset.CoreV1().ReplicationControllers(namespace).Get(ctx, name, get)
		})
		if err != nil {
			return nil, err
		}
		return fromTemplate(kind, rc.ObjectMeta, rc.Spec.Template, observed(rc.Status.ObservedGeneration)), nil

	case types.KindDeploymentConfig:
		var dc deploymentConfig
		if err := r.getUnstructured(ctx, kind, name, namespace, &dc); err != nil {
			return nil, err
		}
		return fromTemplate(kind, dc.ObjectMeta, dc.Spec.Template, observed(dc.Status.ObservedGeneration)), nil

	case types.KindArgoRollout:
		var rollout argoRollout
		if err := r.getUnstructured(ctx, kind, name, namespace, &rollout); err != nil {
			return nil, err
		}
		template := rollout.Spec.Template
		if ref := rollout.Spec.WorkloadRef; ref != nil && (template == nil || len(template.Spec.Containers) == 0) {
			if ref.Kind != types.KindDeployment.String() {
				return nil, nil
			}
			referenced, err := kube.Retry(ctx, func(ctx context.Context) (*appsv1.Deployment, error) {
				return r.clientset.AppsV1().Deployments(namespace).Get(ctx, ref.Name, get)
			})
			if err != nil {
				return nil, fmt.Errorf("failed to read rollout workload reference %s: %w", ref.Name, err)
			}
			template = &referenced.Spec.Template
		}
		return fromTemplate(kind, rollout.ObjectMeta, template, rollout.Status.ObservedGeneration), nil

	case types.KindPod, types.KindService, types.KindIngress, types.KindNamespace:
		return nil, fmt.Errorf("%w: %s", errUnsupportedKind, kind)
	}
	return nil, fmt.Errorf("%w: %s", errUnsupportedKind, kind)
}

func (r *Reader) getUnstructured(ctx context.Context, kind types.WorkloadKind, name, namespace string, into any) error {
	obj, err := kube.Retry(ctx, func(ctx context.Context) (*unstructured.Unstructured, error) {
		return r.dynamic.Resource(kind.GroupVersionResource()).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	})
	if err != nil {
		return err
	}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.UnstructuredContent(), into); err != nil {
		return fmt.Errorf("failed to convert %s %s/%s: %w", kind, namespace, name, err)
	}
	return nil
}

func observed(generation int64) string {
	return strconv.FormatInt(generation, 10)
}

// fromTemplate returns nil when the template carries no containers
func fromTemplate(kind types.WorkloadKind, objectMeta metav1.ObjectMeta, template *corev1.PodTemplateSpec, revision string) *types.KubeObjectMetadata {
	if template == nil || len(template.Spec.Containers) == 0 {
		return nil
	}
	podSpec := template.Spec
	return &types.KubeObjectMetadata{
		Kind:       kind,
		ObjectMeta: objectMeta,
		SpecMeta:   template.ObjectMeta,
		OwnerRefs:  objectMeta.OwnerReferences,
		PodSpec:    &podSpec,
		Revision:   revision,
	}
}
