// ABOUTME: Image scanning through an external scanner binary.
// ABOUTME: The binary receives the archive path and prints a JSON plugin response on stdout.

package exec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
)

// PluginResponse is the document a scanner binary writes to stdout
type PluginResponse struct {
	ScanResults []types.ScanResult `json:"scanResults"`
}

// Plugin implements Scanner by running `<binary> scan docker-archive:<path> --image-name <image> --json`
type Plugin struct {
	binary string
	runner Runner
	logger *logrus.Logger
}

func NewPlugin(binary string, runner Runner, logger *logrus.Logger) *Plugin {
	return &Plugin{
		binary: binary,
		runner: runner,
		logger: logger,
	}
}

func (p *Plugin) Name() string {
	return "plugin"
}

func (p *Plugin) Scan(ctx context.Context, archivePath, imageNameAndTag string) ([]types.ScanResult, error) {
	logger := p.logger.WithFields(logrus.Fields{
		"operation": "plugin_scan",
		"image":     imageNameAndTag,
	})

	args := Plain("scan", "docker-archive:"+archivePath, "--image-name", imageNameAndTag, "--json")
	output, err := p.runner.Run(ctx, p.binary, args)
	if err != nil {
		return nil, fmt.Errorf("failed to scan image %s: %w", imageNameAndTag, err)
	}

	var response PluginResponse
	if err := json.Unmarshal(output, &response); err != nil {
		return nil, fmt.Errorf("failed to decode scanner output for %s: %w", imageNameAndTag, err)
	}
	if len(response.ScanResults) == 0 {
		return nil, fmt.Errorf("scanner returned no results for %s", imageNameAndTag)
	}

	logger.WithField("scan_results", len(response.ScanResults)).Debug("Image scanned")
	return response.ScanResults, nil
}
