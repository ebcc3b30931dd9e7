// ABOUTME: Unit tests for dynamic resource access and optional kind probing.
// ABOUTME: Uses the client-go dynamic fake with custom list kinds.

package kube

import (
	"context"
	"errors"
	"testing"

	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	ktesting "k8s.io/client-go/testing"
)

func listKinds() map[schema.GroupVersionResource]string {
	kinds := map[schema.GroupVersionResource]string{}
	for _, kind := range types.AllKinds {
		kinds[kind.GroupVersionResource()] = kind.String() + "List"
	}
	return kinds
}

func TestIsSupported(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	client := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), listKinds())
	client.PrependReactor("list", "rollouts", func(action ktesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("the server could not find the requested resource")
	})

	assert.True(t, IsSupported(context.Background(), client, types.KindDeployment, "default", logger), "built-in kinds are not probed")
	assert.True(t, IsSupported(context.Background(), client, types.KindDeploymentConfig, "default", logger))
	assert.False(t, IsSupported(context.Background(), client, types.KindArgoRollout, "default", logger))
}

func TestDynamicSourceList(t *testing.T) {
	deployment := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]any{
			"name":      "web",
			"namespace": "shop",
			"uid":       "web-uid",
		},
	}}
	client := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), listKinds(), deployment)
	source := NewDynamicSource(client, types.KindDeployment)

	result, err := ListAll(context.Background(), "shop", source.List)
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "web", result.Items[0].GetName())

	result, err = ListAll(context.Background(), "other", source.List)
	require.NoError(t, err)
	assert.Empty(t, result.Items)
}

func TestNonWorkloadMetadata(t *testing.T) {
	service := &unstructured.Unstructured{}
	service.SetName("frontend")
	service.SetNamespace("shop")
	service.SetUID("svc-uid")
	service.SetResourceVersion("5521")
	service.SetLabels(map[string]string{"app": "frontend"})
	service.SetOwnerReferences([]metav1.OwnerReference{})

	meta := NonWorkloadMetadata(types.KindService, service)
	assert.Equal(t, types.KindService, meta.Kind)
	assert.Equal(t, "5521", meta.Revision)
	assert.Equal(t, "frontend", meta.ObjectMeta.Name)
	assert.Equal(t, "frontend", meta.SpecMeta.Labels["app"])
	assert.Nil(t, meta.PodSpec)
}
