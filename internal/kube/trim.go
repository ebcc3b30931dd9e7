// ABOUTME: Trimming of listed objects down to identity and spec fields.
// ABOUTME: Keeps memory bounded when holding thousands of objects from cluster wide watches.

package kube

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

var keptTopLevelFields = []string{"apiVersion", "kind", "spec", "status"}

var keptMetadataFields = []string{
	"name",
	"namespace",
	"annotations",
	"labels",
	"ownerReferences",
	"uid",
	"resourceVersion",
	"generation",
}

// Trim returns a copy of obj holding only the fields needed downstream
func Trim(obj *unstructured.Unstructured) *unstructured.Unstructured {
	trimmed := map[string]any{}
	for _, field := range keptTopLevelFields {
		if value, ok := obj.Object[field]; ok {
			trimmed[field] = value
		}
	}

	if metadata, ok := obj.Object["metadata"].(map[string]any); ok {
		keptMetadata := map[string]any{}
		for _, field := range keptMetadataFields {
			if value, ok := metadata[field]; ok {
				keptMetadata[field] = value
			}
		}
		trimmed["metadata"] = keptMetadata
	}

	return &unstructured.Unstructured{Object: trimmed}
}
