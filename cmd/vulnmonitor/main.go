// ABOUTME: Entry point for the VulnMonitor cluster agent.
// ABOUTME: Handles initialization, configuration parsing, and starts the engine and HTTP server.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jfeddern/VulnMonitor/internal/engine"
	"github.com/jfeddern/VulnMonitor/internal/kube"
	"github.com/jfeddern/VulnMonitor/internal/metrics"
	"github.com/jfeddern/VulnMonitor/internal/providers"
	"github.com/jfeddern/VulnMonitor/internal/server"

	"github.com/sirupsen/logrus"
)

// version is stamped at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Set up structured logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Set debug level if requested
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}

	config, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	monitor, err := NewMonitor(config, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create monitor")
	}

	if err := monitor.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Monitor stopped")
	}
}

// parseConfig reads flags from args, then lets environment variables override them
func parseConfig(args []string, getenv func(string) string) (*engine.Config, error) {
	config := engine.DefaultConfig()
	config.Version = version

	fs := flag.NewFlagSet("vulnmonitor", flag.ContinueOnError)
	fs.IntVar(&config.Port, "port", config.Port, "Port to expose metrics and status on")
	fs.StringVar(&config.IntegrationAPI, "integration-api", "", "Base URL of the upstream ingestion API")
	fs.StringVar(&config.ClusterName, "cluster-name", "", "Name the cluster is reported under")
	fs.StringVar(&config.WatchNamespace, "watch-namespace", "", "Watch a single namespace instead of the whole cluster")
	fs.IntVar(&config.WorkersCount, "workers", config.WorkersCount, "Number of concurrent scan workers")
	fs.StringVar(&config.ImagePuller, "image-puller", providers.PullerSkopeo, "Image puller: skopeo or registry")
	fs.StringVar(&config.ScannerPath, "scanner-path", "", "Path to the scanner plugin binary")
	fs.StringVar(&config.ImageStorageRoot, "image-storage-root", config.ImageStorageRoot, "Directory image archives are pulled into")
	fs.BoolVar(&config.MockMode, "mock", false, "Enable mock mode for local testing (no image pulls or scanner runs)")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	env := envReader{getenv: getenv}
	env.setString("INTEGRATION_ID", &config.IntegrationID)
	env.setString("CLUSTER_NAME", &config.ClusterName)
	env.setString("AGENT_ID", &config.AgentID)
	env.setString("AGENT_DEPLOYMENT_NAME", &config.AgentDeploymentName)
	env.setString("AGENT_NAMESPACE", &config.AgentNamespace)
	env.setString("SERVICE_ACCOUNT_API_TOKEN", &config.ServiceAccountAPIToken)
	env.setString("INTEGRATION_API", &config.IntegrationAPI)
	env.setString("WATCH_NAMESPACE", &config.WatchNamespace)
	env.setList("EXCLUDED_NAMESPACES", &config.ExcludedNamespaces)
	env.setInt("WORKERS_COUNT", &config.WorkersCount)
	env.setInt("REQUEST_QUEUE_LENGTH", &config.RequestQueueLength)
	env.setInt("WORKLOADS_SCANNED_CACHE_MAX_SIZE", &config.Cache.WorkloadsMaxSize)
	env.setDuration("WORKLOADS_SCANNED_CACHE_MAX_AGE", &config.Cache.WorkloadsMaxAge)
	env.setInt("IMAGES_SCANNED_CACHE_MAX_SIZE", &config.Cache.ImagesMaxSize)
	env.setDuration("IMAGES_SCANNED_CACHE_MAX_AGE", &config.Cache.ImagesMaxAge)
	env.setBool("NETWORKING_RESOURCE_SCAN", &config.NetworkingResourceScan)
	env.setBool("SKIP_K8S_JOBS", &config.SkipJobs)
	env.setString("IMAGE_STORAGE_ROOT", &config.ImageStorageRoot)
	env.setString("IMAGE_PULLER", &config.ImagePuller)
	env.setInt("SKOPEO_COMPRESSION_LEVEL", &config.SkopeoCompressionLevel)
	env.setString("SKOPEO_CERT_DIR", &config.SkopeoCertDir)
	env.setString("SCANNER_PATH", &config.ScannerPath)
	env.setDuration("QUEUE_LENGTH_LOG_FREQUENCY", &config.QueueLengthLogFrequency)
	env.setDuration("MAX_RETRY_BACKOFF_DURATION", &config.MaxRetryBackoff)
	env.setInt("PORT", &config.Port)
	env.setBool("MOCK_MODE", &config.MockMode)
	if env.err != nil {
		return nil, env.err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate configuration: %w", err)
	}
	return config, nil
}

// envReader applies set environment variables and keeps the first parse error
type envReader struct {
	getenv func(string) string
	err    error
}

func (r *envReader) lookup(key string) (string, bool) {
	value := strings.TrimSpace(r.getenv(key))
	return value, value != "" && r.err == nil
}

func (r *envReader) setString(key string, target *string) {
	if value, ok := r.lookup(key); ok {
		*target = value
	}
}

func (r *envReader) setList(key string, target *[]string) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*target = items
}

func (r *envReader) setInt(key string, target *int) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		r.err = fmt.Errorf("invalid %s environment variable %q: %w", key, value, err)
		return
	}
	*target = parsed
}

func (r *envReader) setBool(key string, target *bool) {
	if value, ok := r.lookup(key); ok {
		*target = value == "true" || value == "1"
	}
}

func (r *envReader) setDuration(key string, target *time.Duration) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		r.err = fmt.Errorf("invalid %s environment variable %q: %w", key, value, err)
		return
	}
	*target = parsed
}

type Monitor struct {
	config  *engine.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	engine  *engine.Engine
}

func NewMonitor(config *engine.Config, logger *logrus.Logger) (*Monitor, error) {
	logger.WithFields(logrus.Fields{
		"cluster":         config.ClusterName,
		"watch_namespace": config.WatchNamespace,
		"port":            config.Port,
		"workers":         config.WorkersCount,
		"image_puller":    config.ImagePuller,
		"mock":            config.MockMode,
		"version":         config.Version,
	}).Info("Initializing VulnMonitor")

	clients, err := kube.NewClients(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clients: %w", err)
	}

	// Create collaborators using factory
	providerConfig := &providers.ProviderConfig{
		Puller:                 config.ImagePuller,
		SkopeoCompressionLevel: config.SkopeoCompressionLevel,
		SkopeoCertDir:          config.SkopeoCertDir,
		ScannerPath:            config.ScannerPath,
		MockMode:               config.MockMode,
	}

	puller, err := providers.CreateImagePuller(providerConfig, providers.CreateCredentials(logger), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create image puller: %w", err)
	}

	imageScanner, err := providers.CreateScanner(providerConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create image scanner: %w", err)
	}

	m := metrics.New()
	return &Monitor{
		config:  config,
		logger:  logger,
		metrics: m,
		engine:  engine.New(config, clients, puller, imageScanner, m, logger),
	}, nil
}

// Start runs the engine and the HTTP server until ctx is cancelled or the engine fails
func (m *Monitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- m.engine.Run(ctx)
		cancel()
	}()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", m.config.Port),
		Handler:           m.routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		<-ctx.Done()
		m.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	m.logger.WithField("port", m.config.Port).Info("Starting HTTP server")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	return <-engineErr
}

func (m *Monitor) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.securityMiddleware(metrics.CreateMetricsHandler(m.metrics, m.engine, m.logger)))
	mux.HandleFunc("/status", m.securityMiddleware(server.CreateStatusHandler(m.engine, m.logger)))
	mux.HandleFunc("/health", m.securityMiddleware(m.healthHandler))
	return mux
}

func (m *Monitor) securityMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Security headers
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'none'; object-src 'none'; frame-ancestors 'none'")

		// Only allow specific HTTP methods
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		m.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"remote_ip":  r.RemoteAddr,
			"user_agent": r.UserAgent(),
		}).Debug("HTTP request received")

		next(w, r)
	}
}

func (m *Monitor) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok"}`)
}
