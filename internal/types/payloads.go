// ABOUTME: Upstream payload structures for workload metadata, scan results and dependency graphs.
// ABOUTME: Field names follow the JSON contract of the ingestion API.

package types

import (
	corev1 "k8s.io/api/core/v1"
)

type WorkloadMetadata struct {
	Labels          map[string]string `json:"labels,omitempty"`
	SpecLabels      map[string]string `json:"specLabels,omitempty"`
	Annotations     map[string]string `json:"annotations,omitempty"`
	SpecAnnotations map[string]string `json:"specAnnotations,omitempty"`
	Revision        string            `json:"revision,omitempty"`
	PodSpec         *corev1.PodSpec   `json:"podSpec,omitempty"`
}

type WorkloadMetadataPayload struct {
	WorkloadLocator  WorkloadLocator  `json:"workloadLocator"`
	WorkloadMetadata WorkloadMetadata `json:"workloadMetadata"`
	AgentID          string           `json:"agentId"`
}

// ImageLocator addresses one image within a workload
type ImageLocator struct {
	WorkloadLocator
	ImageID         string `json:"imageId"`
	ImageWithDigest string `json:"imageWithDigest,omitempty"`
}

type PayloadMetadata struct {
	AgentID   string `json:"agentId"`
	Version   string `json:"version"`
	Namespace string `json:"namespace,omitempty"`
}

// Telemetry describes the timing of one scan task
type Telemetry struct {
	EnqueueDurationMs   int64 `json:"enqueueDurationMs"`
	QueueSize           int   `json:"queueSize"`
	ImagePullDurationMs int64 `json:"imagePullDurationMs"`
	ImageScanDurationMs int64 `json:"imageScanDurationMs"`
}

type ScanResultsPayload struct {
	AgentID      string          `json:"agentId"`
	ImageLocator ImageLocator    `json:"imageLocator"`
	ScanResults  []ScanResult    `json:"scanResults"`
	Telemetry    Telemetry       `json:"telemetry"`
	Metadata     PayloadMetadata `json:"metadata"`
}

type DependencyGraphPayload struct {
	AgentID         string          `json:"agentId"`
	ImageLocator    ImageLocator    `json:"imageLocator"`
	DependencyGraph string          `json:"dependencyGraph"`
	Metadata        PayloadMetadata `json:"metadata"`
}

type ClusterMetadataPayload struct {
	UserLocator string `json:"userLocator"`
	Cluster     string `json:"cluster"`
	AgentID     string `json:"agentId"`
	Version     string `json:"version"`
	Namespace   string `json:"namespace,omitempty"`
}
