// ABOUTME: Core data types shared across the monitor: workloads, locators, scan tasks and payloads.
// ABOUTME: Defines the structures exchanged between informers, the scan queue and the upstream API.

package types

import (
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// KubeObjectMetadata is the trimmed view of a Kubernetes object used for ownership resolution
type KubeObjectMetadata struct {
	Kind       WorkloadKind
	ObjectMeta metav1.ObjectMeta
	SpecMeta   metav1.ObjectMeta
	OwnerRefs  []metav1.OwnerReference
	PodSpec    *corev1.PodSpec
	Revision   string
}

// Workload is one running container attributed to its top-level owner
type Workload struct {
	Type            string            `json:"type"`
	Name            string            `json:"name"`
	Namespace       string            `json:"namespace"`
	UID             string            `json:"uid"`
	Labels          map[string]string `json:"labels,omitempty"`
	SpecLabels      map[string]string `json:"specLabels,omitempty"`
	Annotations     map[string]string `json:"annotations,omitempty"`
	SpecAnnotations map[string]string `json:"specAnnotations,omitempty"`
	ContainerName   string            `json:"containerName"`
	ImageName       string            `json:"imageName"`
	ImageID         string            `json:"imageId"`
	Cluster         string            `json:"cluster"`
	Revision        string            `json:"revision,omitempty"`
	PodSpec         *corev1.PodSpec   `json:"podSpec,omitempty"`
}

// WorkloadLocator is the externally visible identity of a workload
type WorkloadLocator struct {
	UserLocator string `json:"userLocator"`
	Cluster     string `json:"cluster"`
	Namespace   string `json:"namespace"`
	Type        string `json:"type"`
	Name        string `json:"name"`
}

// ScanTask is a unit of work on the scan dispatch queue
type ScanTask struct {
	Key        string
	Workloads  []Workload
	EnqueuedAt time.Time
}

// PullResult holds the digests reported by an image transfer
type PullResult struct {
	ManifestDigest string
	IndexDigest    string
}

// ScanResult is produced by the scanner plugin for one image
type ScanResult struct {
	Identity ScanIdentity `json:"identity"`
	Target   ScanTarget   `json:"target"`
	Facts    []Fact       `json:"facts"`
}

type ScanIdentity struct {
	Type string            `json:"type"`
	Args map[string]string `json:"args,omitempty"`
}

type ScanTarget struct {
	Image string `json:"image"`
}

// Fact is a typed piece of evidence, the dependency graph being the one the upstream requires
type Fact struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// DepGraphFactType is the fact type that carries the dependency graph
const DepGraphFactType = "depGraph"

// RepositoryType is the on-disk format an image is pulled into
type RepositoryType string

const (
	DockerArchive RepositoryType = "docker-archive"
	OCIArchive    RepositoryType = "oci-archive"
)
