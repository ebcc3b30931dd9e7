// ABOUTME: Native image transfer built on go-containerregistry.
// ABOUTME: Resolves multi-platform indexes to the linux/amd64 image and writes a docker archive.

package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/jfeddern/VulnMonitor/internal/types"
	"github.com/sirupsen/logrus"
)

// CredentialProvider returns "user:password" for an image, or "" for anonymous access
type CredentialProvider interface {
	Lookup(ctx context.Context, image string) (string, error)
}

// Puller implements ImagePuller without an external binary
type Puller struct {
	credentials CredentialProvider
	platform    v1.Platform
	options     []remote.Option
	logger      *logrus.Logger
}

func NewPuller(credentials CredentialProvider, logger *logrus.Logger, options ...remote.Option) *Puller {
	return &Puller{
		credentials: credentials,
		platform:    v1.Platform{OS: "linux", Architecture: "amd64"},
		options:     options,
		logger:      logger,
	}
}

func (p *Puller) Name() string {
	return "registry"
}

func (p *Puller) authenticator(ctx context.Context, image string) (authn.Authenticator, error) {
	if p.credentials == nil {
		return authn.Anonymous, nil
	}

	creds, err := p.credentials.Lookup(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("failed to look up registry credentials: %w", err)
	}
	username, password, ok := strings.Cut(creds, ":")
	if !ok {
		return authn.Anonymous, nil
	}
	return authn.FromConfig(authn.AuthConfig{Username: username, Password: password}), nil
}

func (p *Puller) Pull(ctx context.Context, image, destination string, repoType types.RepositoryType) (types.PullResult, error) {
	if repoType != types.DockerArchive {
		return types.PullResult{}, fmt.Errorf("registry puller only writes %s, got %q", types.DockerArchive, repoType)
	}

	logger := p.logger.WithFields(logrus.Fields{
		"operation":   "registry_pull",
		"image":       image,
		"destination": destination,
	})

	ref, err := name.ParseReference(image)
	if err != nil {
		return types.PullResult{}, fmt.Errorf("failed to parse image reference %q: %w", image, err)
	}

	auth, err := p.authenticator(ctx, image)
	if err != nil {
		return types.PullResult{}, err
	}

	options := append([]remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(auth),
		remote.WithPlatform(p.platform),
	}, p.options...)

	descriptor, err := remote.Get(ref, options...)
	if err != nil {
		return types.PullResult{}, fmt.Errorf("failed to fetch manifest: %w", err)
	}

	var result types.PullResult
	if descriptor.MediaType.IsIndex() {
		result.IndexDigest = descriptor.Digest.String()
	}

	img, err := descriptor.Image()
	if err != nil {
		return types.PullResult{}, fmt.Errorf("failed to resolve image: %w", err)
	}

	digest, err := img.Digest()
	if err != nil {
		return types.PullResult{}, fmt.Errorf("failed to compute manifest digest: %w", err)
	}
	result.ManifestDigest = digest.String()

	if err := tarball.WriteToFile(destination, ref, img); err != nil {
		return types.PullResult{}, fmt.Errorf("failed to write image archive: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"manifest_digest": result.ManifestDigest,
		"index_digest":    result.IndexDigest,
	}).Debug("Image pulled")
	return result, nil
}
