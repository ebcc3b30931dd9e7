// ABOUTME: Image transfer through the skopeo binary.
// ABOUTME: Copies a registry image into a local archive and reads back the manifest digest.

package exec

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
)

const DefaultCompressionLevel = 6

// CredentialProvider returns "user:password" for an image, or "" for anonymous access
type CredentialProvider interface {
	Lookup(ctx context.Context, image string) (string, error)
}

type SkopeoConfig struct {
	Binary           string
	CompressionLevel int
	CertDir          string
}

// Skopeo implements ImagePuller with `skopeo copy`
type Skopeo struct {
	config      SkopeoConfig
	credentials CredentialProvider
	runner      Runner
	logger      *logrus.Logger
}

func NewSkopeo(config SkopeoConfig, credentials CredentialProvider, runner Runner, logger *logrus.Logger) *Skopeo {
	if config.Binary == "" {
		config.Binary = "skopeo"
	}
	if config.CompressionLevel <= 0 {
		config.CompressionLevel = DefaultCompressionLevel
	}
	return &Skopeo{
		config:      config,
		credentials: credentials,
		runner:      runner,
		logger:      logger,
	}
}

func (s *Skopeo) Name() string {
	return "skopeo"
}

// prefixRepository renders a skopeo transport reference
func prefixRepository(target string, repoType types.RepositoryType) (string, error) {
	switch repoType {
	case types.DockerArchive, types.OCIArchive:
		return string(repoType) + ":" + target, nil
	default:
		return "", fmt.Errorf("unhandled skopeo repository type %q", repoType)
	}
}

// Args builds the skopeo command line for one copy
func (s *Skopeo) Args(ref, destination, digestFile, creds string, repoType types.RepositoryType) ([]Arg, error) {
	dest, err := prefixRepository(destination, repoType)
	if err != nil {
		return nil, err
	}

	args := Plain("copy", "--dest-compress-level", strconv.Itoa(s.config.CompressionLevel))
	if creds != "" {
		args = append(args, Secret("--src-creds", creds)...)
	}
	if s.config.CertDir != "" {
		args = append(args, Secret("--src-cert-dir", s.config.CertDir)...)
	}
	args = append(args, Plain("--digestfile", digestFile, "docker://"+ref, dest)...)
	return args, nil
}

func (s *Skopeo) Pull(ctx context.Context, ref, destination string, repoType types.RepositoryType) (types.PullResult, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"operation":   "skopeo_pull",
		"image":       ref,
		"destination": destination,
	})

	var creds string
	if s.credentials != nil {
		var err error
		creds, err = s.credentials.Lookup(ctx, ref)
		if err != nil {
			return types.PullResult{}, fmt.Errorf("failed to look up registry credentials: %w", err)
		}
	}

	digestFile := destination + ".digest"
	defer os.Remove(digestFile)

	args, err := s.Args(ref, destination, digestFile, creds, repoType)
	if err != nil {
		return types.PullResult{}, err
	}

	if _, err := s.runner.Run(ctx, s.config.Binary, args); err != nil {
		return types.PullResult{}, fmt.Errorf("failed to copy image: %w", err)
	}

	digest, err := os.ReadFile(digestFile)
	if err != nil {
		logger.WithError(err).Warn("Skopeo did not write a manifest digest")
		return types.PullResult{}, nil
	}

	logger.Debug("Image copied")
	return types.PullResult{ManifestDigest: strings.TrimSpace(string(digest))}, nil
}
