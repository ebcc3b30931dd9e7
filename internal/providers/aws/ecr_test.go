// ABOUTME: Tests for ECR credential lookup.
// ABOUTME: Covers image detection, region parsing and token decoding against a stubbed ECR client.

package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubECR struct {
	output *ecr.GetAuthorizationTokenOutput
	err    error
	calls  int
}

func (s *stubECR) GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	s.calls++
	return s.output, s.err
}

func newTestCredentials(stub *stubECR, regions *[]string) *ECRCredentials {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	return &ECRCredentials{
		newClient: func(ctx context.Context, region string) (ecrAPI, error) {
			*regions = append(*regions, region)
			return stub, nil
		},
		logger:  logger,
		clients: make(map[string]ecrAPI),
	}
}

func tokenOutput(token string) *ecr.GetAuthorizationTokenOutput {
	return &ecr.GetAuthorizationTokenOutput{
		AuthorizationData: []ecrtypes.AuthorizationData{{AuthorizationToken: aws.String(token)}},
	}
}

func TestIsECRImage(t *testing.T) {
	tests := []struct {
		image    string
		expected bool
	}{
		{image: "123456789012.dkr.ecr.us-east-1.amazonaws.com/my-app:v1.0.0", expected: true},
		{image: "123456789012.DKR.ECR.eu-west-1.amazonaws.com/team/app@sha256:abc", expected: true},
		{image: "nginx:latest", expected: false},
		{image: "gcr.io/project/app:1", expected: false},
		{image: "", expected: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, IsECRImage(tt.image), tt.image)
	}
}

func TestRegionFromImage(t *testing.T) {
	tests := []struct {
		name        string
		image       string
		expected    string
		expectError bool
	}{
		{name: "tagged", image: "123456789012.dkr.ecr.us-east-1.amazonaws.com/my-app:v1.0.0", expected: "us-east-1"},
		{name: "nested repository", image: "123456789012.dkr.ecr.ap-southeast-2.amazonaws.com/org/team/app:latest", expected: "ap-southeast-2"},
		{name: "missing repository", image: "123456789012.dkr.ecr.us-east-1.amazonaws.com", expectError: true},
		{name: "china partition host", image: "123456789012.dkr.ecr.cn-north-1.amazonaws.com.cn/app:1", expectError: true},
		{name: "not ecr", image: "docker.io/library/nginx:1", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			region, err := RegionFromImage(tt.image)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, region)
		})
	}
}

func TestECRCredentials_Lookup(t *testing.T) {
	ctx := context.Background()
	image := "123456789012.dkr.ecr.us-east-1.amazonaws.com/my-app:v1.0.0"
	token := base64.StdEncoding.EncodeToString([]byte("AWS:secret-password"))

	t.Run("decodes token and caches the regional client", func(t *testing.T) {
		var regions []string
		stub := &stubECR{output: tokenOutput(token)}
		creds := newTestCredentials(stub, &regions)

		got, err := creds.Lookup(ctx, image)
		require.NoError(t, err)
		assert.Equal(t, "AWS:secret-password", got)

		_, err = creds.Lookup(ctx, image)
		require.NoError(t, err)
		assert.Equal(t, []string{"us-east-1"}, regions)
		assert.Equal(t, 2, stub.calls)
	})

	t.Run("non ECR images need no credentials", func(t *testing.T) {
		var regions []string
		stub := &stubECR{}
		creds := newTestCredentials(stub, &regions)

		got, err := creds.Lookup(ctx, "nginx:latest")
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Zero(t, stub.calls)
	})

	t.Run("api failure", func(t *testing.T) {
		var regions []string
		creds := newTestCredentials(&stubECR{err: errors.New("access denied")}, &regions)

		_, err := creds.Lookup(ctx, image)
		assert.ErrorContains(t, err, "access denied")
	})

	t.Run("empty authorization data", func(t *testing.T) {
		var regions []string
		creds := newTestCredentials(&stubECR{output: &ecr.GetAuthorizationTokenOutput{}}, &regions)

		_, err := creds.Lookup(ctx, image)
		assert.Error(t, err)
	})

	t.Run("empty token", func(t *testing.T) {
		var regions []string
		creds := newTestCredentials(&stubECR{output: tokenOutput("")}, &regions)

		_, err := creds.Lookup(ctx, image)
		assert.Error(t, err)
	})
}
