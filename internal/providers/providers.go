// ABOUTME: Contracts for the external collaborators of the scan pipeline.
// ABOUTME: Image transfer, image scanning and registry credential lookup are pluggable behind these interfaces.

package providers

import (
	"context"

	"github.com/jfeddern/VulnMonitor/internal/types"
)

// ImagePuller copies an image from its registry into a local archive
type ImagePuller interface {
	Name() string
	Pull(ctx context.Context, ref, destination string, repoType types.RepositoryType) (types.PullResult, error)
}

// Scanner turns an image archive into scan results
type Scanner interface {
	Name() string
	Scan(ctx context.Context, archivePath, imageNameAndTag string) ([]types.ScanResult, error)
}

// CredentialProvider returns "user:password" for an image, or "" when none applies
type CredentialProvider interface {
	Lookup(ctx context.Context, image string) (string, error)
}

// ChainCredentials asks each provider in turn and returns the first non-empty credentials
type ChainCredentials []CredentialProvider

func (c ChainCredentials) Lookup(ctx context.Context, image string) (string, error) {
	for _, provider := range c {
		creds, err := provider.Lookup(ctx, image)
		if err != nil {
			return "", err
		}
		if creds != "" {
			return creds, nil
		}
	}
	return "", nil
}
