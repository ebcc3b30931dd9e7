// ABOUTME: Kubernetes client construction for in-cluster and local kubeconfig access.
// ABOUTME: Builds both the typed clientset and the dynamic client used by informers.

package kube

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Clients bundles the typed and dynamic Kubernetes clients
type Clients struct {
	Clientset kubernetes.Interface
	Dynamic   dynamic.Interface
}

// NewClients connects to the cluster the agent runs in, falling back to ~/.kube/config
func NewClients(logger *logrus.Logger) (*Clients, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		logger.Info("In-cluster config not available, trying kubeconfig")
		config, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	dynamicClient, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	logger.WithField("host", config.Host).Info("Successfully connected to Kubernetes cluster")
	return &Clients{
		Clientset: clientset,
		Dynamic:   dynamicClient,
	}, nil
}
