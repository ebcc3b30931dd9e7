// ABOUTME: Builders turning workloads and scan results into upstream payloads.
// ABOUTME: Every payload carries the agent identity; image payloads carry the per-image telemetry.

package transmitter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jfeddern/VulnMonitor/internal/types"
)

// Locator returns the upstream identity of a workload
func (id Identity) Locator(w types.Workload) types.WorkloadLocator {
	return types.WorkloadLocator{
		UserLocator: id.UserLocator,
		Cluster:     w.Cluster,
		Namespace:   w.Namespace,
		Type:        w.Type,
		Name:        w.Name,
	}
}

func (id Identity) metadata() types.PayloadMetadata {
	return types.PayloadMetadata{
		AgentID:   id.AgentID,
		Version:   id.Version,
		Namespace: id.Namespace,
	}
}

// WorkloadMetadataPayload is built from the first container of a workload. Every
// container shares the same owner metadata.
func (id Identity) WorkloadMetadataPayload(workloads []types.Workload) (*types.WorkloadMetadataPayload, error) {
	if len(workloads) == 0 {
		return nil, fmt.Errorf("cannot build workload metadata from an empty workload list")
	}

	w := workloads[0]
	return &types.WorkloadMetadataPayload{
		WorkloadLocator: id.Locator(w),
		WorkloadMetadata: types.WorkloadMetadata{
			Labels:          w.Labels,
			SpecLabels:      w.SpecLabels,
			Annotations:     w.Annotations,
			SpecAnnotations: w.SpecAnnotations,
			Revision:        w.Revision,
			PodSpec:         w.PodSpec,
		},
		AgentID: id.AgentID,
	}, nil
}

// ImageWithDigest strips the transport prefix of a container status image id
func ImageWithDigest(imageID string) string {
	if i := strings.LastIndex(imageID, "/"); i >= 0 {
		imageID = imageID[i+1:]
	}
	return imageID
}

func (id Identity) imageLocator(w types.Workload) types.ImageLocator {
	return types.ImageLocator{
		WorkloadLocator: id.Locator(w),
		ImageID:         w.ImageName,
		ImageWithDigest: ImageWithDigest(w.ImageID),
	}
}

// ScanResultsPayloads builds one payload per workload container whose image was scanned
func (id Identity) ScanResultsPayloads(workloads []types.Workload, results map[string][]types.ScanResult, telemetry map[string]types.Telemetry) []types.ScanResultsPayload {
	var payloads []types.ScanResultsPayload
	for _, w := range workloads {
		scanResults, ok := results[w.ImageName]
		if !ok {
			continue
		}
		payloads = append(payloads, types.ScanResultsPayload{
			AgentID:      id.AgentID,
			ImageLocator: id.imageLocator(w),
			ScanResults:  scanResults,
			Telemetry:    telemetry[w.ImageName],
			Metadata:     id.metadata(),
		})
	}
	return payloads
}

// DependencyGraphPayloads builds the legacy payloads from the first dependency graph fact of each image
func (id Identity) DependencyGraphPayloads(workloads []types.Workload, results map[string][]types.ScanResult) ([]types.DependencyGraphPayload, error) {
	var payloads []types.DependencyGraphPayload
	for _, w := range workloads {
		scanResults, ok := results[w.ImageName]
		if !ok {
			continue
		}

		graph, found := firstDependencyGraph(scanResults)
		if !found {
			continue
		}

		encoded, err := json.Marshal(graph)
		if err != nil {
			return nil, fmt.Errorf("failed to encode dependency graph for %s: %w", w.ImageName, err)
		}

		payloads = append(payloads, types.DependencyGraphPayload{
			AgentID:         id.AgentID,
			ImageLocator:    id.imageLocator(w),
			DependencyGraph: string(encoded),
			Metadata:        id.metadata(),
		})
	}
	return payloads, nil
}

func firstDependencyGraph(results []types.ScanResult) (any, bool) {
	for _, result := range results {
		for _, fact := range result.Facts {
			if fact.Type == types.DepGraphFactType {
				return fact.Data, true
			}
		}
	}
	return nil, false
}
