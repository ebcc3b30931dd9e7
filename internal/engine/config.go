// ABOUTME: Runtime configuration of the monitor assembled from flags and environment variables.
// ABOUTME: Holds upstream identity, watch scope, worker bounds, cache bounds and collaborator settings.

package engine

import (
	"fmt"
	"time"

	"github.com/jfeddern/VulnMonitor/internal/cache"
	"github.com/jfeddern/VulnMonitor/internal/types"
)

const (
	DefaultPort                    = 9090
	DefaultWorkersCount            = 5
	DefaultRequestQueueLength      = 10
	DefaultCacheMaxSize            = 10000
	DefaultCacheMaxAge             = 6 * time.Hour
	DefaultImageStorageRoot        = "/var/tmp"
	DefaultQueueLengthLogFrequency = 5 * time.Minute
	DefaultMaxRetryBackoff         = 10 * time.Second
	DefaultAgentDeploymentName     = "vulnmonitor"
	DefaultAgentNamespace          = "vulnmonitor"
)

// Config holds configuration for the monitor engine
type Config struct {
	IntegrationID          string
	ClusterName            string
	AgentID                string
	AgentDeploymentName    string
	AgentNamespace         string
	ServiceAccountAPIToken string
	IntegrationAPI         string
	Version                string

	// WatchNamespace restricts watching to a single namespace; empty watches the cluster
	WatchNamespace     string
	ExcludedNamespaces []string

	WorkersCount       int
	RequestQueueLength int
	Cache              cache.Config

	NetworkingResourceScan bool
	SkipJobs               bool

	ImageStorageRoot       string
	ImagePuller            string
	SkopeoCompressionLevel int
	SkopeoCertDir          string
	ScannerPath            string

	QueueLengthLogFrequency time.Duration
	MaxRetryBackoff         time.Duration

	Port     int
	MockMode bool // Enable mock collaborators for local testing
}

// DefaultConfig returns a configuration with every bound set
func DefaultConfig() *Config {
	return &Config{
		AgentDeploymentName: DefaultAgentDeploymentName,
		AgentNamespace:      DefaultAgentNamespace,
		Version:             "dev",
		WorkersCount:        DefaultWorkersCount,
		RequestQueueLength:  DefaultRequestQueueLength,
		Cache: cache.Config{
			WorkloadsMaxSize: DefaultCacheMaxSize,
			WorkloadsMaxAge:  DefaultCacheMaxAge,
			ImagesMaxSize:    DefaultCacheMaxSize,
			ImagesMaxAge:     DefaultCacheMaxAge,
		},
		ImageStorageRoot:        DefaultImageStorageRoot,
		QueueLengthLogFrequency: DefaultQueueLengthLogFrequency,
		MaxRetryBackoff:         DefaultMaxRetryBackoff,
		Port:                    DefaultPort,
	}
}

// Validate reports the first setting that prevents startup
func (c *Config) Validate() error {
	if c.IntegrationAPI == "" {
		return fmt.Errorf("INTEGRATION_API is required")
	}
	if c.ClusterName == "" {
		return fmt.Errorf("CLUSTER_NAME is required")
	}
	if c.AgentID == "" && (c.AgentDeploymentName == "" || c.AgentNamespace == "") {
		return fmt.Errorf("AGENT_ID or both AGENT_DEPLOYMENT_NAME and AGENT_NAMESPACE are required")
	}
	if c.WorkersCount <= 0 {
		return fmt.Errorf("WORKERS_COUNT must be positive, got %d", c.WorkersCount)
	}
	if c.RequestQueueLength <= 0 {
		return fmt.Errorf("REQUEST_QUEUE_LENGTH must be positive, got %d", c.RequestQueueLength)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if !c.MockMode && c.ScannerPath == "" {
		return fmt.Errorf("SCANNER_PATH is required (unless using mock mode)")
	}
	return nil
}

// WatchedKinds lists the kinds with a watch in every namespace
func (c *Config) WatchedKinds() []types.WorkloadKind {
	var kinds []types.WorkloadKind
	for _, kind := range types.AllKinds {
		switch kind {
		case types.KindNamespace:
			continue
		case types.KindJob:
			if c.SkipJobs {
				continue
			}
		case types.KindService, types.KindIngress:
			if !c.NetworkingResourceScan {
				continue
			}
		case types.KindPod, types.KindDeployment, types.KindReplicaSet, types.KindStatefulSet,
			types.KindDaemonSet, types.KindCronJob, types.KindReplicationController,
			types.KindDeploymentConfig, types.KindArgoRollout:
		}
		kinds = append(kinds, kind)
	}
	return kinds
}
