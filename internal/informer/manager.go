// ABOUTME: Owns the set of running informers, one watch set per namespace.
// ABOUTME: In cluster scope it follows namespace lifecycle events to add and remove watch sets.

package informer

import (
	"context"
	"sort"
	"sync"

	"github.com/jfeddern/VulnMonitor/internal/kube"
	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
)

// SourceFactory builds list/watch access for a kind
type SourceFactory func(kind types.WorkloadKind) *kube.Source

// SupportProbe reports whether an optional kind exists in the cluster
type SupportProbe func(ctx context.Context, kind types.WorkloadKind, namespace string) bool

type ManagerConfig struct {
	// WatchNamespace restricts the monitor to one namespace; empty means cluster scope
	WatchNamespace string
	// Kinds are watched in every namespace. Namespace itself is never part of this list.
	Kinds      []types.WorkloadKind
	Exclusions *Exclusions
}

type watchSet struct {
	cancel    context.CancelFunc
	informers []*Informer
}

type Manager struct {
	config    ManagerConfig
	newSource SourceFactory
	supported SupportProbe
	handler   Handler
	logger    *logrus.Logger

	mu        sync.Mutex
	ctx       context.Context
	wg        sync.WaitGroup
	watches   map[string]*watchSet
	namespace *Informer
}

func NewManager(config ManagerConfig, newSource SourceFactory, supported SupportProbe, handler Handler, logger *logrus.Logger) *Manager {
	if config.Exclusions == nil {
		config.Exclusions = NewExclusions(nil)
	}
	if supported == nil {
		supported = func(context.Context, types.WorkloadKind, string) bool { return true }
	}
	return &Manager{
		config:    config,
		newSource: newSource,
		supported: supported,
		handler:   handler,
		logger:    logger,
		watches:   make(map[string]*watchSet),
	}
}

// IsExcluded reports whether events from namespace are dropped
func (m *Manager) IsExcluded(namespace string) bool {
	if m.config.WatchNamespace != "" {
		return namespace != "" && namespace != m.config.WatchNamespace
	}
	return m.config.Exclusions.IsExcluded(namespace)
}

// Run starts the informers for the configured scope and blocks until the context is cancelled
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	if m.config.WatchNamespace != "" {
		m.logger.WithField("namespace", m.config.WatchNamespace).Info("Watching a single namespace")
		m.WatchNamespace(m.config.WatchNamespace)
	} else {
		m.logger.Info("Watching all namespaces")
		inf := New(m.newSource(types.KindNamespace), "", m.filtered, m.logger)

		m.mu.Lock()
		m.namespace = inf
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			_ = inf.Run(ctx)
		}()
	}

	<-ctx.Done()
	m.wg.Wait()
	return ctx.Err()
}

// filtered drops events from excluded namespaces before they reach the handler
func (m *Manager) filtered(ctx context.Context, event Event) error {
	namespace := event.Object.GetNamespace()
	if event.Kind == types.KindNamespace {
		namespace = event.Object.GetName()
	}
	if m.IsExcluded(namespace) {
		return nil
	}
	return m.handler(ctx, event)
}

// WatchNamespace starts the watch set for namespace. It reports false when the namespace
// is excluded, already watched, or the manager is not running.
func (m *Manager) WatchNamespace(namespace string) bool {
	if m.IsExcluded(namespace) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil || m.ctx.Err() != nil {
		return false
	}
	if _, ok := m.watches[namespace]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(m.ctx)
	set := &watchSet{cancel: cancel}
	m.watches[namespace] = set

	for _, kind := range m.config.Kinds {
		if kind == types.KindNamespace {
			continue
		}
		inf := New(m.newSource(kind), namespace, m.filtered, m.logger)
		set.informers = append(set.informers, inf)

		m.wg.Add(1)
		go func(kind types.WorkloadKind) {
			defer m.wg.Done()
			if !m.supported(ctx, kind, namespace) {
				return
			}
			_ = inf.Run(ctx)
		}(kind)
	}

	m.logger.WithFields(logrus.Fields{
		"operation": "watch_namespace",
		"namespace": namespace,
		"kinds":     len(set.informers),
	}).Info("Started watching namespace")
	return true
}

// UnwatchNamespace stops the watch set for namespace
func (m *Manager) UnwatchNamespace(namespace string) bool {
	m.mu.Lock()
	set, ok := m.watches[namespace]
	if ok {
		delete(m.watches, namespace)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	set.cancel()

	m.logger.WithFields(logrus.Fields{
		"operation": "unwatch_namespace",
		"namespace": namespace,
	}).Info("Stopped watching namespace")
	return true
}

// WatchedNamespaces returns the watched namespaces in sorted order
func (m *Manager) WatchedNamespaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	namespaces := make([]string, 0, len(m.watches))
	for ns := range m.watches {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	return namespaces
}

// ActiveWatches counts informers currently holding an open stream
func (m *Manager) ActiveWatches() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	if m.namespace != nil && m.namespace.State() == Watching {
		active++
	}
	for _, set := range m.watches {
		for _, inf := range set.informers {
			if inf.State() == Watching {
				active++
			}
		}
	}
	return active
}
