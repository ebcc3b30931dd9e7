// ABOUTME: Mock image puller and scanner for local development without registries or scanner binaries.
// ABOUTME: The puller writes an empty archive and the scanner returns a canned dependency graph.

package mock

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
)

// Puller implements ImagePuller by creating an empty file at the destination
type Puller struct {
	logger *logrus.Logger

	mu     sync.Mutex
	pulled []string
}

func NewPuller(logger *logrus.Logger) *Puller {
	return &Puller{logger: logger}
}

func (p *Puller) Name() string {
	return "mock"
}

func (p *Puller) Pull(ctx context.Context, ref, destination string, repoType types.RepositoryType) (types.PullResult, error) {
	if err := os.WriteFile(destination, nil, 0o600); err != nil {
		return types.PullResult{}, fmt.Errorf("failed to create mock archive: %w", err)
	}

	p.mu.Lock()
	p.pulled = append(p.pulled, ref)
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"operation": "mock_pull",
		"image":     ref,
	}).Debug("Mock image pulled")

	return types.PullResult{ManifestDigest: "sha256:mock"}, nil
}

// Pulled returns every reference pulled so far
func (p *Puller) Pulled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pulled...)
}

// Scanner implements Scanner with a fixed single-package dependency graph
type Scanner struct {
	logger *logrus.Logger
}

func NewScanner(logger *logrus.Logger) *Scanner {
	return &Scanner{logger: logger}
}

func (s *Scanner) Name() string {
	return "mock"
}

func (s *Scanner) Scan(ctx context.Context, archivePath, imageNameAndTag string) ([]types.ScanResult, error) {
	s.logger.WithFields(logrus.Fields{
		"operation": "mock_scan",
		"image":     imageNameAndTag,
	}).Debug("Mock image scanned")

	return []types.ScanResult{{
		Identity: types.ScanIdentity{Type: "deb", Args: map[string]string{"platform": "linux/amd64"}},
		Target:   types.ScanTarget{Image: "docker-image|" + imageNameAndTag},
		Facts: []types.Fact{{
			Type: types.DepGraphFactType,
			Data: map[string]any{
				"schemaVersion": "1.2.0",
				"pkgManager":    map[string]any{"name": "deb"},
				"pkgs": []any{
					map[string]any{"id": "docker-image|" + imageNameAndTag, "info": map[string]any{"name": "docker-image|" + imageNameAndTag}},
				},
				"graph": map[string]any{"rootNodeId": "root-node"},
			},
		}},
	}}, nil
}
