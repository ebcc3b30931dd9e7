// ABOUTME: Enumerates the Kubernetes resource kinds the monitor watches or resolves as owners.
// ABOUTME: Every per-kind decision is an exhaustive switch over WorkloadKind.

package types

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

type WorkloadKind int

const (
	KindPod WorkloadKind = iota
	KindDeployment
	KindReplicaSet
	KindStatefulSet
	KindDaemonSet
	KindJob
	KindCronJob
	KindReplicationController
	KindDeploymentConfig
	KindArgoRollout
	KindService
	KindIngress
	KindNamespace
)

// AllKinds lists every kind in declaration order
var AllKinds = []WorkloadKind{
	KindPod,
	KindDeployment,
	KindReplicaSet,
	KindStatefulSet,
	KindDaemonSet,
	KindJob,
	KindCronJob,
	KindReplicationController,
	KindDeploymentConfig,
	KindArgoRollout,
	KindService,
	KindIngress,
	KindNamespace,
}

// String returns the Kubernetes kind name, which is also the upstream workload type
func (k WorkloadKind) String() string {
	switch k {
	case KindPod:
		return "Pod"
	case KindDeployment:
		return "Deployment"
	case KindReplicaSet:
		return "ReplicaSet"
	case KindStatefulSet:
		return "StatefulSet"
	case KindDaemonSet:
		return "DaemonSet"
	case KindJob:
		return "Job"
	case KindCronJob:
		return "CronJob"
	case KindReplicationController:
		return "ReplicationController"
	case KindDeploymentConfig:
		return "DeploymentConfig"
	case KindArgoRollout:
		return "Rollout"
	case KindService:
		return "Service"
	case KindIngress:
		return "Ingress"
	case KindNamespace:
		return "Namespace"
	}
	return fmt.Sprintf("WorkloadKind(%d)", int(k))
}

// GroupVersionResource returns the API endpoint for the kind
func (k WorkloadKind) GroupVersionResource() schema.GroupVersionResource {
	switch k {
	case KindPod:
		return schema.GroupVersionResource{Version: "v1", Resource: "pods"}
	case KindDeployment:
		return schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}
	case KindReplicaSet:
		return schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "replicasets"}
	case KindStatefulSet:
		return schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "statefulsets"}
	case KindDaemonSet:
		return schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "daemonsets"}
	case KindJob:
		return schema.GroupVersionResource{Group: "batch", Version: "v1", Resource: "jobs"}
	case KindCronJob:
		return schema.GroupVersionResource{Group: "batch", Version: "v1", Resource: "cronjobs"}
	case KindReplicationController:
		return schema.GroupVersionResource{Version: "v1", Resource: "replicationcontrollers"}
	case KindDeploymentConfig:
		return schema.GroupVersionResource{Group: "apps.openshift.io", Version: "v1", Resource: "deploymentconfigs"}
	case KindArgoRollout:
		return schema.GroupVersionResource{Group: "argoproj.io", Version: "v1alpha1", Resource: "rollouts"}
	case KindService:
		return schema.GroupVersionResource{Version: "v1", Resource: "services"}
	case KindIngress:
		return schema.GroupVersionResource{Group: "networking.k8s.io", Version: "v1", Resource: "ingresses"}
	case KindNamespace:
		return schema.GroupVersionResource{Version: "v1", Resource: "namespaces"}
	}
	return schema.GroupVersionResource{}
}

// IsOwnerKind reports whether the kind can appear as a resolvable owner of a pod
func (k WorkloadKind) IsOwnerKind() bool {
	switch k {
	case KindDeployment, KindReplicaSet, KindStatefulSet, KindDaemonSet, KindJob,
		KindCronJob, KindReplicationController, KindDeploymentConfig, KindArgoRollout:
		return true
	case KindPod, KindService, KindIngress, KindNamespace:
		return false
	}
	return false
}

// RequiresProbe reports whether the kind may be missing from a cluster and must be probed first
func (k WorkloadKind) RequiresProbe() bool {
	switch k {
	case KindCronJob, KindDeploymentConfig, KindArgoRollout:
		return true
	case KindPod, KindDeployment, KindReplicaSet, KindStatefulSet, KindDaemonSet, KindJob,
		KindReplicationController, KindService, KindIngress, KindNamespace:
		return false
	}
	return false
}

// ParseOwnerKind maps an ownerReference kind to a resolvable owner kind
func ParseOwnerKind(kind string) (WorkloadKind, bool) {
	for _, k := range AllKinds {
		if k.IsOwnerKind() && k.String() == kind {
			return k, true
		}
	}
	return 0, false
}
