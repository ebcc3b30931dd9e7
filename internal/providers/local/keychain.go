// ABOUTME: Registry credentials from the local docker configuration.
// ABOUTME: Resolves the image registry against the default keychain and returns user:password.

package local

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/sirupsen/logrus"
)

// KeychainCredentials implements CredentialProvider on top of a go-containerregistry keychain
type KeychainCredentials struct {
	keychain authn.Keychain
	logger   *logrus.Logger
}

// NewKeychainCredentials uses the docker config found through DOCKER_CONFIG or ~/.docker
func NewKeychainCredentials(logger *logrus.Logger) *KeychainCredentials {
	return NewKeychainCredentialsFrom(authn.DefaultKeychain, logger)
}

func NewKeychainCredentialsFrom(keychain authn.Keychain, logger *logrus.Logger) *KeychainCredentials {
	return &KeychainCredentials{
		keychain: keychain,
		logger:   logger,
	}
}

func (k *KeychainCredentials) Lookup(ctx context.Context, image string) (string, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return "", fmt.Errorf("failed to parse image reference %q: %w", image, err)
	}

	authenticator, err := k.keychain.Resolve(ref.Context().Registry)
	if err != nil {
		return "", fmt.Errorf("failed to resolve credentials for %s: %w", ref.Context().RegistryStr(), err)
	}
	if authenticator == authn.Anonymous {
		return "", nil
	}

	config, err := authenticator.Authorization()
	if err != nil {
		return "", fmt.Errorf("failed to read credentials for %s: %w", ref.Context().RegistryStr(), err)
	}
	if config.Username == "" && config.Password == "" {
		return "", nil
	}

	k.logger.WithFields(logrus.Fields{
		"operation": "keychain_credentials",
		"registry":  ref.Context().RegistryStr(),
	}).Debug("Found registry credentials in docker config")

	return config.Username + ":" + config.Password, nil
}
