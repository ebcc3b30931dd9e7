// ABOUTME: Processes scan tasks: pulls each unique image, scans it and delivers the results upstream.
// ABOUTME: Falls back to legacy dependency graph payloads when scan results are rejected.

package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jfeddern/VulnMonitor/internal/transmitter"
	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
)

const (
	PullAttempts      = 10
	PullRetryInterval = 200 * time.Millisecond
)

const (
	OutcomeSuccess    = "success"
	OutcomeFallback   = "fallback"
	OutcomePullFailed = "pull_failed"
	OutcomeScanFailed = "scan_failed"
)

var nonWordCharacters = regexp.MustCompile(`\W`)

type ImagePuller interface {
	Pull(ctx context.Context, ref, destination string, repoType types.RepositoryType) (types.PullResult, error)
}

type ImageScanner interface {
	Scan(ctx context.Context, archivePath, imageNameAndTag string) ([]types.ScanResult, error)
}

type Sender interface {
	SendScanResults(ctx context.Context, payloads []types.ScanResultsPayload) int
	SendDependencyGraph(ctx context.Context, payloads ...types.DependencyGraphPayload)
}

type ScanObserver interface {
	IncScan(outcome string)
}

type Config struct {
	StorageRoot string
	Identity    transmitter.Identity
}

type Processor struct {
	config   Config
	puller   ImagePuller
	scanner  ImageScanner
	sender   Sender
	observer ScanObserver
	logger   *logrus.Logger

	sequence atomic.Uint64
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewProcessor(config Config, puller ImagePuller, scanner ImageScanner, sender Sender, observer ScanObserver, logger *logrus.Logger) *Processor {
	if config.StorageRoot == "" {
		config.StorageRoot = os.TempDir()
	}
	return &Processor{
		config:   config,
		puller:   puller,
		scanner:  scanner,
		sender:   sender,
		observer: observer,
		logger:   logger,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type pulledImage struct {
	workload    types.Workload
	archivePath string
	telemetry   types.Telemetry
}

// Destination returns a unique archive path for an image
func (p *Processor) Destination(image string) string {
	normalised := nonWordCharacters.ReplaceAllString(image, "_")
	unique := fmt.Sprintf("%d_%d", time.Now().UnixNano(), p.sequence.Add(1))
	return filepath.Join(p.config.StorageRoot, normalised+"_"+unique+".tar")
}

// PullReference prefers the immutable digest reported by the runtime over the mutable tag
func PullReference(w types.Workload) string {
	id := w.ImageID
	if i := strings.Index(id, "://"); i >= 0 {
		id = id[i+3:]
	}
	if at := strings.Index(id, "@sha256:"); at > 0 {
		return id
	}
	return w.ImageName
}

// uniqueImages keeps the first container of every distinct image name
func uniqueImages(workloads []types.Workload) []types.Workload {
	seen := make(map[string]bool, len(workloads))
	var unique []types.Workload
	for _, w := range workloads {
		if seen[w.ImageName] {
			continue
		}
		seen[w.ImageName] = true
		unique = append(unique, w)
	}
	return unique
}

// Process runs one task and returns the containers whose image could not be delivered
func (p *Processor) Process(ctx context.Context, task types.ScanTask, queueSize int) ([]types.Workload, error) {
	if len(task.Workloads) == 0 {
		return nil, nil
	}

	workloadName := task.Workloads[0].Name
	logger := p.logger.WithFields(logrus.Fields{
		"operation": "process_scan_task",
		"workload":  workloadName,
		"namespace": task.Workloads[0].Namespace,
		"task_key":  task.Key,
	})

	enqueueDuration := time.Since(task.EnqueuedAt).Milliseconds()
	if task.EnqueuedAt.IsZero() {
		enqueueDuration = 0
	}

	images := uniqueImages(task.Workloads)
	var pulled []pulledImage
	defer func() {
		p.removeArchives(pulled, logger)
	}()

	failedImages := make(map[string]bool)
	for _, w := range images {
		if err := ctx.Err(); err != nil {
			return task.Workloads, err
		}

		image := pulledImage{
			workload:    w,
			archivePath: p.Destination(w.ImageName),
			telemetry: types.Telemetry{
				EnqueueDurationMs: enqueueDuration,
				QueueSize:         queueSize,
			},
		}

		started := time.Now()
		if err := p.pullWithRetry(ctx, PullReference(w), image.archivePath); err != nil {
			logger.WithError(err).WithField("image", w.ImageName).Error("Failed to pull image")
			p.observe(OutcomePullFailed)
			failedImages[w.ImageName] = true
			continue
		}
		image.telemetry.ImagePullDurationMs = time.Since(started).Milliseconds()
		pulled = append(pulled, image)
	}

	results := make(map[string][]types.ScanResult, len(pulled))
	telemetry := make(map[string]types.Telemetry, len(pulled))
	for _, image := range pulled {
		name := image.workload.ImageName

		started := time.Now()
		scanResults, err := p.scanner.Scan(ctx, image.archivePath, name)
		if err != nil {
			logger.WithError(err).WithField("image", name).Error("Failed to scan image")
			p.observe(OutcomeScanFailed)
			failedImages[name] = true
			continue
		}

		image.telemetry.ImageScanDurationMs = time.Since(started).Milliseconds()
		results[name] = scanResults
		telemetry[name] = image.telemetry
	}

	if len(results) > 0 {
		if err := p.deliver(ctx, task.Workloads, results, telemetry, logger); err != nil {
			return task.Workloads, err
		}
	}

	var failed []types.Workload
	for _, w := range task.Workloads {
		if failedImages[w.ImageName] {
			failed = append(failed, w)
		}
	}

	logger.WithFields(logrus.Fields{
		"images":        len(images),
		"scanned":       len(results),
		"failed_images": len(failedImages),
	}).Info("Scan task processed")
	return failed, nil
}

// deliver sends scan results and falls back to dependency graphs for the images whose
// payload was rejected or never sent after the rejection
func (p *Processor) deliver(ctx context.Context, workloads []types.Workload, results map[string][]types.ScanResult, telemetry map[string]types.Telemetry, logger *logrus.Entry) error {
	identity := p.config.Identity

	// One payload per scanned container, in the same order
	var scanned []types.Workload
	for _, w := range workloads {
		if _, ok := results[w.ImageName]; ok {
			scanned = append(scanned, w)
		}
	}

	payloads := identity.ScanResultsPayloads(scanned, results, telemetry)
	sent := p.sender.SendScanResults(ctx, payloads)
	rejected := scanned[sent:]
	if len(rejected) == 0 {
		for range results {
			p.observe(OutcomeSuccess)
		}
		return nil
	}

	logger.WithFields(logrus.Fields{
		"accepted": sent,
		"rejected": len(rejected),
	}).Warn("Scan results were not accepted, falling back to dependency graphs")

	graphs, err := identity.DependencyGraphPayloads(rejected, results)
	if err != nil {
		return fmt.Errorf("failed to build dependency graph payloads: %w", err)
	}
	p.sender.SendDependencyGraph(ctx, graphs...)

	fallback := make(map[string]bool, len(rejected))
	for _, w := range rejected {
		fallback[w.ImageName] = true
	}
	for image := range results {
		if fallback[image] {
			p.observe(OutcomeFallback)
		} else {
			p.observe(OutcomeSuccess)
		}
	}
	return nil
}

func (p *Processor) pullWithRetry(ctx context.Context, ref, destination string) error {
	var lastErr error
	for attempt := 1; attempt <= PullAttempts; attempt++ {
		_, err := p.puller.Pull(ctx, ref, destination, types.DockerArchive)
		if err == nil {
			return nil
		}
		lastErr = err

		if rmErr := os.Remove(destination); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			p.logger.WithError(rmErr).WithField("destination", destination).Warn("Could not clean up partial image archive")
		}

		if attempt == PullAttempts {
			break
		}
		if err := p.sleep(ctx, PullRetryInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("failed to pull %s after %d attempts: %w", ref, PullAttempts, lastErr)
}

func (p *Processor) removeArchives(images []pulledImage, logger *logrus.Entry) {
	for _, image := range images {
		if err := os.Remove(image.archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WithError(err).WithField("image", image.workload.ImageName).Warn("Failed to delete pulled image")
		}
	}
}

func (p *Processor) observe(outcome string) {
	if p.observer != nil {
		p.observer.IncScan(outcome)
	}
}
