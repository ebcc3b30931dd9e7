// ABOUTME: Monitor engine wiring informers, dedup state, the scan queue and the upstream client.
// ABOUTME: Resolves the agent identity at startup and exposes a snapshot for the HTTP surface.

package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jfeddern/VulnMonitor/internal/cache"
	"github.com/jfeddern/VulnMonitor/internal/informer"
	"github.com/jfeddern/VulnMonitor/internal/kube"
	"github.com/jfeddern/VulnMonitor/internal/metrics"
	"github.com/jfeddern/VulnMonitor/internal/ownership"
	"github.com/jfeddern/VulnMonitor/internal/queue"
	"github.com/jfeddern/VulnMonitor/internal/scanner"
	"github.com/jfeddern/VulnMonitor/internal/transmitter"
	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// WorkloadResolver attributes a pod's containers to its top-level owner
type WorkloadResolver interface {
	BuildWorkloads(ctx context.Context, pod *corev1.Pod) ([]types.Workload, error)
}

// OwnerCache holds recent owner reads that go stale when the owner changes
type OwnerCache interface {
	Forget(kind types.WorkloadKind, name, namespace string)
}

// Engine routes cluster events into the scan pipeline
type Engine struct {
	config  *Config
	clients *kube.Clients
	puller  scanner.ImagePuller
	scanner scanner.ImageScanner
	metrics *metrics.Metrics
	logger  *logrus.Logger

	state    *cache.State
	owners   OwnerCache
	resolver WorkloadResolver
	queue    *queue.Queue
	manager  *informer.Manager

	// Built once the agent identity is known
	mu          sync.RWMutex
	transmitter *transmitter.Transmitter
	processor   *scanner.Processor

	shutdownInProgress atomic.Bool
}

// New creates a monitor engine. Nothing talks to the cluster or the upstream until Run.
func New(config *Config, clients *kube.Clients, puller scanner.ImagePuller, imageScanner scanner.ImageScanner, m *metrics.Metrics, logger *logrus.Logger) *Engine {
	e := &Engine{
		config:  config,
		clients: clients,
		puller:  puller,
		scanner: imageScanner,
		metrics: m,
		logger:  logger,
		state:   cache.NewState(config.Cache, logger),
	}

	reader := ownership.NewReader(clients.Clientset, clients.Dynamic, logger)
	e.owners = reader
	e.resolver = ownership.NewResolver(reader, config.ClusterName, config.SkipJobs, logger)
	e.queue = queue.New(config.WorkersCount, e.processTask, m, logger)
	e.manager = informer.NewManager(informer.ManagerConfig{
		WatchNamespace: config.WatchNamespace,
		Kinds:          config.WatchedKinds(),
		Exclusions:     informer.NewExclusions(config.ExcludedNamespaces),
	}, e.newSource, e.isSupported, e.route, logger)

	return e
}

func (e *Engine) newSource(kind types.WorkloadKind) *kube.Source {
	return kube.NewDynamicSource(e.clients.Dynamic, kind)
}

func (e *Engine) isSupported(ctx context.Context, kind types.WorkloadKind, namespace string) bool {
	return kube.IsSupported(ctx, e.clients.Dynamic, kind, namespace, e.logger)
}

// prepare resolves the agent identity and builds the upstream client and scan processor
func (e *Engine) prepare(ctx context.Context) error {
	agentID, err := e.resolveAgentID(ctx)
	if err != nil {
		return err
	}

	identity := e.identityFor(agentID)
	upstream := transmitter.New(transmitter.Config{
		BaseURL:     e.config.IntegrationAPI,
		Token:       e.config.ServiceAccountAPIToken,
		Concurrency: e.config.RequestQueueLength,
		Identity:    identity,
	}, e.metrics, e.logger)

	processor := scanner.NewProcessor(scanner.Config{
		StorageRoot: e.config.ImageStorageRoot,
		Identity:    identity,
	}, e.puller, e.scanner, upstream, e.metrics, e.logger)

	e.mu.Lock()
	e.transmitter = upstream
	e.processor = processor
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"agent_id": agentID,
		"cluster":  identity.Cluster,
		"version":  identity.Version,
	}).Info("Agent identity resolved")
	return nil
}

// resolveAgentID falls back to the UID of the agent's own Deployment
func (e *Engine) resolveAgentID(ctx context.Context) (string, error) {
	if e.config.AgentID != "" {
		return e.config.AgentID, nil
	}

	name, namespace := e.config.AgentDeploymentName, e.config.AgentNamespace
	uid, err := kube.RetryIndefinitely(ctx, e.config.MaxRetryBackoff, e.logger, func(ctx context.Context) (string, error) {
		deployment, err := e.clients.Clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return "", err
		}
		return string(deployment.UID), nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read agent deployment %s/%s: %w", namespace, name, err)
	}
	return uid, nil
}

func (e *Engine) identityFor(agentID string) transmitter.Identity {
	return transmitter.Identity{
		AgentID:     agentID,
		UserLocator: e.config.IntegrationID,
		Cluster:     e.config.ClusterName,
		Version:     e.config.Version,
		Namespace:   e.config.AgentNamespace,
	}
}

func (e *Engine) upstream() *transmitter.Transmitter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transmitter
}

func (e *Engine) scanProcessor() *scanner.Processor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.processor
}

// Identity returns the identity stamped on upstream payloads
func (e *Engine) Identity() transmitter.Identity {
	if upstream := e.upstream(); upstream != nil {
		return upstream.Identity()
	}
	return e.identityFor(e.config.AgentID)
}

// Snapshot implements metrics.SnapshotProvider
func (e *Engine) Snapshot() metrics.Snapshot {
	stats := e.state.Stats()
	return metrics.Snapshot{
		QueueDepth:        e.queue.Len(),
		WorkloadsCached:   stats.Workloads,
		ImagesCached:      stats.Images,
		WatchedNamespaces: e.manager.WatchedNamespaces(),
		ActiveWatches:     e.manager.ActiveWatches(),
	}
}

// ShuttingDown reports whether a supervised task has already failed
func (e *Engine) ShuttingDown() bool {
	return e.shutdownInProgress.Load()
}
