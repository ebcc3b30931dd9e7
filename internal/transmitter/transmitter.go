// ABOUTME: Bounded-concurrency client delivering workload metadata and scan results upstream.
// ABOUTME: Each call retries a fixed number of times on bad gateways and dropped connections.

package transmitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
)

const (
	APIVersion    = "2023-02-10"
	MaxAttempts   = 3
	RetryInterval = 2 * time.Second

	WorkloadPath        = "/api/v1/workload"
	ScanResultsPath     = "/api/v1/scan-results"
	DependencyGraphPath = "/api/v1/dependency-graph"
	ClusterPath         = "/api/v1/cluster"
)

// Identity is stamped on every upstream payload
type Identity struct {
	AgentID     string
	UserLocator string
	Cluster     string
	Version     string
	Namespace   string
}

type Config struct {
	BaseURL     string
	Token       string
	Concurrency int
	Identity    Identity
	Timeout     time.Duration
}

// RequestObserver records the outcome of each upstream call
type RequestObserver interface {
	IncUpstreamRequest(endpoint string, success bool)
}

type Transmitter struct {
	client   *http.Client
	config   Config
	slots    chan struct{}
	observer RequestObserver
	logger   *logrus.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(config Config, observer RequestObserver, logger *logrus.Logger) *Transmitter {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Transmitter{
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: http.DefaultTransport,
		},
		config:   config,
		slots:    make(chan struct{}, config.Concurrency),
		observer: observer,
		logger:   logger,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Identity returns the identity stamped on payloads
func (t *Transmitter) Identity() Identity {
	return t.config.Identity
}

// SendWorkloadMetadata posts the metadata of a workload
func (t *Transmitter) SendWorkloadMetadata(ctx context.Context, payload *types.WorkloadMetadataPayload) bool {
	logger := t.logger.WithFields(logrus.Fields{
		"operation": "send_workload_metadata",
		"workload":  payload.WorkloadLocator.Name,
		"namespace": payload.WorkloadLocator.Namespace,
		"type":      payload.WorkloadLocator.Type,
	})

	status, err := t.request(ctx, http.MethodPost, WorkloadPath, nil, payload)
	if !t.succeeded(WorkloadPath, status, err, logger) {
		return false
	}
	logger.Info("Workload metadata sent upstream")
	return true
}

// SendScanResults posts the payloads in order and stops at the first failed one.
// It returns how many payloads were accepted.
func (t *Transmitter) SendScanResults(ctx context.Context, payloads []types.ScanResultsPayload) int {
	for i := range payloads {
		payload := &payloads[i]
		logger := t.logger.WithFields(logrus.Fields{
			"operation": "send_scan_results",
			"workload":  payload.ImageLocator.Name,
			"namespace": payload.ImageLocator.Namespace,
			"image_id":  payload.ImageLocator.ImageID,
		})

		status, err := t.request(ctx, http.MethodPost, ScanResultsPath, nil, payload)
		if !t.succeeded(ScanResultsPath, status, err, logger) {
			return i
		}
		logger.Info("Scan results sent upstream")
	}
	return len(payloads)
}

// SendDependencyGraph posts legacy per-image dependency graphs. Failures are logged and dropped.
func (t *Transmitter) SendDependencyGraph(ctx context.Context, payloads ...types.DependencyGraphPayload) {
	for i := range payloads {
		payload := &payloads[i]
		logger := t.logger.WithFields(logrus.Fields{
			"operation": "send_dependency_graph",
			"workload":  payload.ImageLocator.Name,
			"namespace": payload.ImageLocator.Namespace,
			"image_id":  payload.ImageLocator.ImageID,
		})

		status, err := t.request(ctx, http.MethodPost, DependencyGraphPath, nil, payload)
		if t.succeeded(DependencyGraphPath, status, err, logger) {
			logger.Info("Dependency graph sent upstream")
		}
	}
}

// DeleteWorkload removes a workload upstream. An already absent workload counts as deleted.
func (t *Transmitter) DeleteWorkload(ctx context.Context, locator types.WorkloadLocator) bool {
	logger := t.logger.WithFields(logrus.Fields{
		"operation": "delete_workload",
		"workload":  locator.Name,
		"namespace": locator.Namespace,
		"type":      locator.Type,
	})

	query := url.Values{}
	query.Set("userLocator", locator.UserLocator)
	query.Set("cluster", locator.Cluster)
	query.Set("namespace", locator.Namespace)
	query.Set("type", locator.Type)
	query.Set("name", locator.Name)
	query.Set("agentId", t.config.Identity.AgentID)

	status, err := t.request(ctx, http.MethodDelete, WorkloadPath, query, nil)
	if err == nil && status == http.StatusNotFound {
		t.observe(WorkloadPath, true)
		logger.Debug("Workload already absent upstream")
		return true
	}
	if !t.succeeded(WorkloadPath, status, err, logger) {
		return false
	}
	logger.Info("Workload deleted upstream")
	return true
}

// SendClusterMetadata announces the agent and its cluster
func (t *Transmitter) SendClusterMetadata(ctx context.Context) bool {
	identity := t.config.Identity
	payload := &types.ClusterMetadataPayload{
		UserLocator: identity.UserLocator,
		Cluster:     identity.Cluster,
		AgentID:     identity.AgentID,
		Version:     identity.Version,
		Namespace:   identity.Namespace,
	}
	logger := t.logger.WithField("operation", "send_cluster_metadata")

	status, err := t.request(ctx, http.MethodPost, ClusterPath, nil, payload)
	if !t.succeeded(ClusterPath, status, err, logger) {
		return false
	}
	logger.Info("Cluster metadata sent upstream")
	return true
}

func (t *Transmitter) succeeded(endpoint string, status int, err error, logger *logrus.Entry) bool {
	if err != nil {
		t.observe(endpoint, false)
		logger.WithError(err).Error("Upstream request failed")
		return false
	}
	if !isSuccessStatus(status) {
		t.observe(endpoint, false)
		logger.WithField("status_code", status).Error("Upstream request was rejected")
		return false
	}
	t.observe(endpoint, true)
	return true
}

func (t *Transmitter) observe(endpoint string, success bool) {
	if t.observer != nil {
		t.observer.IncUpstreamRequest(endpoint, success)
	}
}

func isSuccessStatus(status int) bool {
	return status > 100 && status < 400
}

// request holds a concurrency slot for the whole retry loop of one call
func (t *Transmitter) request(ctx context.Context, method, path string, query url.Values, body any) (int, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode payload: %w", err)
		}
	}

	select {
	case t.slots <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-t.slots }()

	target, err := t.url(path, query)
	if err != nil {
		return 0, err
	}

	for attempt := 1; ; attempt++ {
		status, err := t.do(ctx, method, target, encoded)
		retry := (err != nil && isRetryableNetworkError(err)) || (err == nil && status == http.StatusBadGateway)
		if !retry || attempt == MaxAttempts {
			return status, err
		}

		t.logger.WithFields(logrus.Fields{
			"path":        path,
			"attempt":     attempt,
			"status_code": status,
		}).WithError(err).Warn("Transient upstream failure, retrying")

		if err := t.sleep(ctx, RetryInterval); err != nil {
			return 0, err
		}
	}
}

func (t *Transmitter) url(path string, query url.Values) (string, error) {
	target, err := url.Parse(t.config.BaseURL + path)
	if err != nil {
		return "", fmt.Errorf("failed to build upstream url: %w", err)
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("version", APIVersion)
	target.RawQuery = query.Encode()
	return target.String(), nil
}

func (t *Transmitter) do(ctx context.Context, method, target string, body []byte) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.config.Token != "" {
		req.Header.Set("Authorization", "token "+t.config.Token)
	}
	req.Header.Set("User-Agent", "vulnmonitor/"+t.config.Identity.Version)

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
