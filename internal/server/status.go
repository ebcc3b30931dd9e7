// ABOUTME: HTTP handler for the monitor status endpoint.
// ABOUTME: Reports watched namespaces, queue depth, dedup cache sizes and the agent identity as JSON.

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jfeddern/VulnMonitor/internal/metrics"
	"github.com/jfeddern/VulnMonitor/internal/transmitter"

	"github.com/sirupsen/logrus"
)

type StatusProvider interface {
	Snapshot() metrics.Snapshot
	Identity() transmitter.Identity
}

type StatusHandler struct {
	provider  StatusProvider
	startedAt time.Time
	logger    *logrus.Logger
}

type StatusResponse struct {
	Agent             AgentStatus `json:"agent"`
	WatchedNamespaces []string    `json:"watched_namespaces"`
	ActiveWatches     int         `json:"active_watches"`
	Queue             QueueStatus `json:"queue"`
	Cache             CacheStatus `json:"cache"`
	Uptime            string      `json:"uptime"`
}

type AgentStatus struct {
	AgentID       string `json:"agent_id"`
	IntegrationID string `json:"integration_id"`
	Cluster       string `json:"cluster"`
	Namespace     string `json:"namespace"`
	Version       string `json:"version"`
}

type QueueStatus struct {
	Depth int `json:"depth"`
}

type CacheStatus struct {
	Workloads int `json:"workloads"`
	Images    int `json:"images"`
}

func NewStatusHandler(provider StatusProvider, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{
		provider:  provider,
		startedAt: time.Now(),
		logger:    logger,
	}
}

func (s *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.WithField("endpoint", "/status")

	snapshot := s.provider.Snapshot()
	identity := s.provider.Identity()

	namespaces := snapshot.WatchedNamespaces
	if namespaces == nil {
		namespaces = []string{}
	}

	response := StatusResponse{
		Agent: AgentStatus{
			AgentID:       identity.AgentID,
			IntegrationID: identity.UserLocator,
			Cluster:       identity.Cluster,
			Namespace:     identity.Namespace,
			Version:       identity.Version,
		},
		WatchedNamespaces: namespaces,
		ActiveWatches:     snapshot.ActiveWatches,
		Queue:             QueueStatus{Depth: snapshot.QueueDepth},
		Cache: CacheStatus{
			Workloads: snapshot.WorkloadsCached,
			Images:    snapshot.ImagesCached,
		},
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}

	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	// Pretty print if requested
	if r.URL.Query().Get("pretty") != "" {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(response); err != nil {
		logger.WithError(err).Error("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	logger.WithFields(logrus.Fields{
		"watched_namespaces": len(namespaces),
		"queue_depth":        snapshot.QueueDepth,
	}).Debug("Served status response")
}

// CreateStatusHandler creates a standard HTTP handler
func CreateStatusHandler(provider StatusProvider, logger *logrus.Logger) http.HandlerFunc {
	handler := NewStatusHandler(provider, logger)
	return handler.ServeHTTP
}
