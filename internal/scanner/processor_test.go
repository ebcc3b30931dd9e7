// ABOUTME: Tests for scan task processing.
// ABOUTME: Covers pull retries, partial failures, the dependency graph fallback and archive cleanup.

package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jfeddern/VulnMonitor/internal/transmitter"
	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePuller struct {
	mu sync.Mutex
	// failures per reference before a pull succeeds; negative fails forever
	failures     map[string]int
	calls        map[string]int
	destinations []string
}

func (f *fakePuller) Pull(ctx context.Context, ref, destination string, repoType types.RepositoryType) (types.PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[ref]++
	f.destinations = append(f.destinations, destination)

	// Every attempt leaves a partial archive behind
	if err := os.WriteFile(destination, []byte("partial"), 0o600); err != nil {
		return types.PullResult{}, err
	}

	remaining, ok := f.failures[ref]
	if ok && (remaining < 0 || f.calls[ref] <= remaining) {
		return types.PullResult{}, errors.New("registry unavailable")
	}
	return types.PullResult{ManifestDigest: "sha256:abc"}, nil
}

type fakeScanner struct {
	fail map[string]bool
}

func (f *fakeScanner) Scan(ctx context.Context, archivePath, image string) ([]types.ScanResult, error) {
	if _, err := os.Stat(archivePath); err != nil {
		return nil, err
	}
	if f.fail[image] {
		return nil, errors.New("unsupported image")
	}
	return []types.ScanResult{{
		Target: types.ScanTarget{Image: "docker-image|" + image},
		Facts:  []types.Fact{{Type: types.DepGraphFactType, Data: map[string]any{"image": image}}},
	}}, nil
}

type fakeSender struct {
	accept      bool
	acceptFirst int // payloads accepted before the first rejection when accept is false
	scanResults []types.ScanResultsPayload
	graphs      []types.DependencyGraphPayload
}

func (f *fakeSender) SendScanResults(ctx context.Context, payloads []types.ScanResultsPayload) int {
	f.scanResults = append(f.scanResults, payloads...)
	if f.accept || f.acceptFirst > len(payloads) {
		return len(payloads)
	}
	return f.acceptFirst
}

func (f *fakeSender) SendDependencyGraph(ctx context.Context, payloads ...types.DependencyGraphPayload) {
	f.graphs = append(f.graphs, payloads...)
}

type countingObserver map[string]int

func (c countingObserver) IncScan(outcome string) {
	c[outcome]++
}

func newTestProcessor(t *testing.T, puller *fakePuller, scanner *fakeScanner, sender *fakeSender, observer ScanObserver) (*Processor, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	root := t.TempDir()
	p := NewProcessor(Config{
		StorageRoot: root,
		Identity:    transmitter.Identity{AgentID: "agent-1", UserLocator: "integration-1"},
	}, puller, scanner, sender, observer, logger)
	p.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p, root
}

func testTask() types.ScanTask {
	return types.ScanTask{
		Key:        "uid-1",
		EnqueuedAt: time.Now().Add(-time.Second),
		Workloads: []types.Workload{
			{Type: "Deployment", Name: "web", Namespace: "shop", UID: "uid-1", ContainerName: "app", ImageName: "nginx:1.27", ImageID: "docker-pullable://nginx@sha256:aaa"},
			{Type: "Deployment", Name: "web", Namespace: "shop", UID: "uid-1", ContainerName: "sidecar", ImageName: "envoy:1.30", ImageID: "sha256:bbb"},
			{Type: "Deployment", Name: "web", Namespace: "shop", UID: "uid-1", ContainerName: "init", ImageName: "nginx:1.27", ImageID: "docker-pullable://nginx@sha256:aaa"},
		},
	}
}

func archivesLeft(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestProcessor_Success(t *testing.T) {
	puller := &fakePuller{}
	sender := &fakeSender{accept: true}
	observer := countingObserver{}
	p, root := newTestProcessor(t, puller, &fakeScanner{}, sender, observer)

	failed, err := p.Process(context.Background(), testTask(), 4)
	require.NoError(t, err)

	assert.Empty(t, failed)
	assert.Equal(t, map[string]int{"nginx@sha256:aaa": 1, "envoy:1.30": 1}, puller.calls)
	assert.Len(t, sender.scanResults, 3)
	assert.Empty(t, sender.graphs)
	assert.Equal(t, 4, sender.scanResults[0].Telemetry.QueueSize)
	assert.GreaterOrEqual(t, sender.scanResults[0].Telemetry.EnqueueDurationMs, int64(1000))
	assert.Equal(t, 2, observer[OutcomeSuccess])
	assert.Empty(t, archivesLeft(t, root))
}

func TestProcessor_PullRetries(t *testing.T) {
	tests := []struct {
		name        string
		failures    int
		wantCalls   int
		wantFailed  int
		wantScanned int
	}{
		{name: "recovers before the ceiling", failures: 9, wantCalls: 10, wantFailed: 0, wantScanned: 3},
		{name: "gives up after ten attempts", failures: -1, wantCalls: 10, wantFailed: 1, wantScanned: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			puller := &fakePuller{failures: map[string]int{"envoy:1.30": tt.failures}}
			sender := &fakeSender{accept: true}
			p, root := newTestProcessor(t, puller, &fakeScanner{}, sender, nil)

			failed, err := p.Process(context.Background(), testTask(), 0)
			require.NoError(t, err)

			assert.Equal(t, tt.wantCalls, puller.calls["envoy:1.30"])
			assert.Len(t, failed, tt.wantFailed)
			assert.Len(t, sender.scanResults, tt.wantScanned)
			assert.Empty(t, archivesLeft(t, root), "partial and pulled archives must be removed")
		})
	}
}

func TestProcessor_ScanFailureIsReported(t *testing.T) {
	sender := &fakeSender{accept: true}
	observer := countingObserver{}
	p, _ := newTestProcessor(t, &fakePuller{}, &fakeScanner{fail: map[string]bool{"nginx:1.27": true}}, sender, observer)

	failed, err := p.Process(context.Background(), testTask(), 0)
	require.NoError(t, err)

	require.Len(t, failed, 2)
	for _, w := range failed {
		assert.Equal(t, "nginx:1.27", w.ImageName)
	}
	require.Len(t, sender.scanResults, 1)
	assert.Equal(t, "envoy:1.30", sender.scanResults[0].ImageLocator.ImageID)
	assert.Equal(t, 1, observer[OutcomeScanFailed])
}

func TestProcessor_FallsBackToDependencyGraphs(t *testing.T) {
	sender := &fakeSender{accept: false}
	observer := countingObserver{}
	p, _ := newTestProcessor(t, &fakePuller{}, &fakeScanner{}, sender, observer)

	failed, err := p.Process(context.Background(), testTask(), 0)
	require.NoError(t, err)

	assert.Empty(t, failed)
	assert.Len(t, sender.graphs, 3)
	assert.Equal(t, `{"image":"nginx:1.27"}`, sender.graphs[0].DependencyGraph)
	assert.Equal(t, 2, observer[OutcomeFallback])
}

func TestProcessor_FallsBackOnlyForRejectedPayloads(t *testing.T) {
	sender := &fakeSender{acceptFirst: 2}
	observer := countingObserver{}
	p, _ := newTestProcessor(t, &fakePuller{}, &fakeScanner{}, sender, observer)

	failed, err := p.Process(context.Background(), testTask(), 0)
	require.NoError(t, err)

	assert.Empty(t, failed)
	require.Len(t, sender.graphs, 1, "accepted payloads get no dependency graph")
	assert.Equal(t, "nginx:1.27", sender.graphs[0].ImageLocator.ImageID)
	assert.Equal(t, 1, observer[OutcomeFallback])
	assert.Equal(t, 1, observer[OutcomeSuccess])
}

func TestProcessor_CancelledTaskFailsEverything(t *testing.T) {
	p, _ := newTestProcessor(t, &fakePuller{}, &fakeScanner{}, &fakeSender{accept: true}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	failed, err := p.Process(ctx, testTask(), 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, failed, 3)
}

func TestProcessor_Destination(t *testing.T) {
	p, root := newTestProcessor(t, &fakePuller{}, &fakeScanner{}, &fakeSender{}, nil)

	first := p.Destination("registry.example.com/team/app:1.0")
	second := p.Destination("registry.example.com/team/app:1.0")

	assert.NotEqual(t, first, second)
	assert.Equal(t, root, filepath.Dir(first))
	assert.True(t, strings.HasPrefix(filepath.Base(first), "registry_example_com_team_app_1_0_"))
	assert.True(t, strings.HasSuffix(first, ".tar"))
}

func TestPullReference(t *testing.T) {
	tests := []struct {
		name     string
		workload types.Workload
		expected string
	}{
		{name: "docker pullable digest", workload: types.Workload{ImageName: "nginx:1.27", ImageID: "docker-pullable://nginx@sha256:aaa"}, expected: "nginx@sha256:aaa"},
		{name: "containerd digest", workload: types.Workload{ImageName: "nginx:1.27", ImageID: "docker.io/library/nginx@sha256:aaa"}, expected: "docker.io/library/nginx@sha256:aaa"},
		{name: "bare image id", workload: types.Workload{ImageName: "envoy:1.30", ImageID: "sha256:bbb"}, expected: "envoy:1.30"},
		{name: "no image id", workload: types.Workload{ImageName: "envoy:1.30"}, expected: "envoy:1.30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PullReference(tt.workload))
		})
	}
}
