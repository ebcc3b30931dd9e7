// ABOUTME: Factory for creating image pullers, scanners and registry credential providers.
// ABOUTME: Centralizes collaborator selection from configuration, including the mock mode.

package providers

import (
	"fmt"

	"github.com/jfeddern/VulnMonitor/internal/providers/aws"
	"github.com/jfeddern/VulnMonitor/internal/providers/exec"
	"github.com/jfeddern/VulnMonitor/internal/providers/local"
	"github.com/jfeddern/VulnMonitor/internal/providers/mock"
	"github.com/jfeddern/VulnMonitor/internal/providers/registry"
	"github.com/sirupsen/logrus"
)

const (
	PullerSkopeo   = "skopeo"
	PullerRegistry = "registry"
)

// ProviderConfig holds configuration for creating providers
type ProviderConfig struct {
	Puller                 string
	SkopeoCompressionLevel int
	SkopeoCertDir          string
	ScannerPath            string
	MockMode               bool // Enable mock providers for local testing
}

// CreateCredentials chains ECR credentials in front of the local docker config
func CreateCredentials(logger *logrus.Logger) CredentialProvider {
	return ChainCredentials{
		aws.NewECRCredentials(logger),
		local.NewKeychainCredentials(logger),
	}
}

// CreateImagePuller creates an image puller based on configuration
func CreateImagePuller(config *ProviderConfig, credentials CredentialProvider, logger *logrus.Logger) (ImagePuller, error) {
	// Check for mock mode first
	if config.MockMode {
		logger.Info("Using mock image puller for testing")
		return mock.NewPuller(logger), nil
	}

	switch config.Puller {
	case PullerSkopeo, "":
		return exec.NewSkopeo(exec.SkopeoConfig{
			CompressionLevel: config.SkopeoCompressionLevel,
			CertDir:          config.SkopeoCertDir,
		}, credentials, exec.NewProcessRunner(logger), logger), nil
	case PullerRegistry:
		return registry.NewPuller(credentials, logger), nil
	default:
		return nil, fmt.Errorf("unsupported image puller: %s", config.Puller)
	}
}

// CreateScanner creates an image scanner based on configuration
func CreateScanner(config *ProviderConfig, logger *logrus.Logger) (Scanner, error) {
	if config.MockMode {
		logger.Info("Using mock image scanner for testing")
		return mock.NewScanner(logger), nil
	}

	if config.ScannerPath == "" {
		return nil, fmt.Errorf("no image scanner configured")
	}
	return exec.NewPlugin(config.ScannerPath, exec.NewProcessRunner(logger), logger), nil
}
