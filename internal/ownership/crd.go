// ABOUTME: Minimal typed views of the OpenShift DeploymentConfig and Argo Rollout resources.
// ABOUTME: Only the fields needed for ownership and image attribution are decoded.

package ownership

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

type deploymentConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
	Spec              struct {
		Template *corev1.PodTemplateSpec `json:"template,omitempty"`
	} `json:"spec"`
	Status struct {
		ObservedGeneration int64 `json:"observedGeneration,omitempty"`
	} `json:"status"`
}

type argoRollout struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
	Spec              struct {
		Template    *corev1.PodTemplateSpec `json:"template,omitempty"`
		WorkloadRef *rolloutWorkloadRef     `json:"workloadRef,omitempty"`
	} `json:"spec"`
	Status struct {
		ObservedGeneration string `json:"observedGeneration,omitempty"`
	} `json:"status"`
}

// rolloutWorkloadRef points a Rollout at an existing workload's pod template
type rolloutWorkloadRef struct {
	APIVersion string `json:"apiVersion,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Name       string `json:"name,omitempty"`
}
