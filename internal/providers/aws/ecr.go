// ABOUTME: Amazon ECR registry credentials for pulling private images.
// ABOUTME: Resolves the registry region from the image host and exchanges an authorization token for user:password.

package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"
)

// <account>.dkr.ecr.<region>.amazonaws.com/<repository>
var ecrImagePattern = regexp.MustCompile(`(?i).dkr.ecr..*.amazonaws.com/`)

type ecrAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

type clientFactory func(ctx context.Context, region string) (ecrAPI, error)

// ECRCredentials implements CredentialProvider for Amazon ECR hosted images
type ECRCredentials struct {
	newClient clientFactory
	logger    *logrus.Logger

	mu      sync.Mutex
	clients map[string]ecrAPI
}

// NewECRCredentials creates a credential provider using the default AWS credential chain
func NewECRCredentials(logger *logrus.Logger) *ECRCredentials {
	return &ECRCredentials{
		newClient: func(ctx context.Context, region string) (ecrAPI, error) {
			return newECRClient(ctx, region, logger)
		},
		logger:  logger,
		clients: make(map[string]ecrAPI),
	}
}

func newECRClient(ctx context.Context, region string, logger *logrus.Logger) (ecrAPI, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Check if we need to assume a role based on AWS_IAM_ASSUME_ROLE_ARN environment variable
	if assumeRoleARN := os.Getenv("AWS_IAM_ASSUME_ROLE_ARN"); assumeRoleARN != "" {
		logger.WithFields(logrus.Fields{
			"role_arn": assumeRoleARN,
			"region":   region,
		}).Info("Assuming role from AWS_IAM_ASSUME_ROLE_ARN environment variable")

		stsClient := sts.NewFromConfig(cfg.Copy())
		cfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, assumeRoleARN))
	}

	return ecr.NewFromConfig(cfg), nil
}

// IsECRImage reports whether the image is hosted on ECR
func IsECRImage(image string) bool {
	return ecrImagePattern.MatchString(image)
}

// RegionFromImage extracts the region of an ECR image reference
// Expected format: account.dkr.ecr.region.amazonaws.com/repository:tag
func RegionFromImage(image string) (string, error) {
	registry, repository, _ := strings.Cut(image, "/")
	if repository == "" {
		return "", fmt.Errorf("ECR image full name missing repository: %s", image)
	}

	parts := strings.Split(registry, ".")
	if len(parts) != 6 || parts[1] != "dkr" || parts[2] != "ecr" || parts[4] != "amazonaws" {
		return "", fmt.Errorf("ECR image full name in unexpected format: %s", image)
	}
	return parts[3], nil
}

// Lookup returns "user:password" for ECR images and "" for everything else
func (e *ECRCredentials) Lookup(ctx context.Context, image string) (string, error) {
	if !IsECRImage(image) {
		return "", nil
	}

	region, err := RegionFromImage(image)
	if err != nil {
		e.logger.WithError(err).WithField("image", image).Error("Failed extracting ECR region from image name")
		return "", err
	}

	client, err := e.client(ctx, region)
	if err != nil {
		return "", err
	}

	output, err := client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get ECR authorization token: %w", err)
	}
	if len(output.AuthorizationData) == 0 {
		return "", fmt.Errorf("unexpected data format from ECR GetAuthorizationToken")
	}

	token := aws.ToString(output.AuthorizationData[0].AuthorizationToken)
	if token == "" {
		return "", fmt.Errorf("empty authorization token from ECR GetAuthorizationToken")
	}

	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("failed to decode ECR authorization token: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"operation": "ecr_credentials",
		"region":    region,
	}).Debug("Obtained ECR credentials")

	return string(decoded), nil
}

func (e *ECRCredentials) client(ctx context.Context, region string) (ecrAPI, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if client, ok := e.clients[region]; ok {
		return client, nil
	}

	client, err := e.newClient(ctx, region)
	if err != nil {
		return nil, err
	}
	e.clients[region] = client
	return client, nil
}
