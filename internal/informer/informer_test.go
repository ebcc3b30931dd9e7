// ABOUTME: Tests for the informer state machine against fake list and watch streams.
// ABOUTME: Covers initial list, bookmarks, reopen after close, relist on expiry and terminal errors.

package informer

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jfeddern/VulnMonitor/internal/kube"
	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
)

type fakeSource struct {
	mu        sync.Mutex
	lists     []*unstructured.UnstructuredList
	listCalls int
	watchErrs []error
	watchOpts []metav1.ListOptions
	watchers  chan *watch.FakeWatcher
}

func newFakeSource(lists ...*unstructured.UnstructuredList) *fakeSource {
	return &fakeSource{
		lists:    lists,
		watchers: make(chan *watch.FakeWatcher, 16),
	}
}

func (f *fakeSource) source(kind types.WorkloadKind) *kube.Source {
	return &kube.Source{Kind: kind, List: f.list, Watch: f.watch}
}

func (f *fakeSource) list(ctx context.Context, namespace string, opts metav1.ListOptions) (*unstructured.UnstructuredList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.listCalls
	if idx >= len(f.lists) {
		idx = len(f.lists) - 1
	}
	f.listCalls++
	if idx < 0 {
		return &unstructured.UnstructuredList{}, nil
	}
	return f.lists[idx].DeepCopy(), nil
}

func (f *fakeSource) watch(ctx context.Context, namespace string, opts metav1.ListOptions) (watch.Interface, error) {
	f.mu.Lock()
	f.watchOpts = append(f.watchOpts, opts)
	if len(f.watchErrs) > 0 {
		err := f.watchErrs[0]
		f.watchErrs = f.watchErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	fw := watch.NewFake()
	select {
	case f.watchers <- fw:
	default:
	}
	return fw, nil
}

func (f *fakeSource) lastWatchVersion() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchOpts[len(f.watchOpts)-1].ResourceVersion
}

func (f *fakeSource) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func object(name, uid, rv string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]interface{}{
			"name":            name,
			"namespace":       "shop",
			"uid":             uid,
			"resourceVersion": rv,
		},
	}}
	return obj
}

func list(rv string, objs ...*unstructured.Unstructured) *unstructured.UnstructuredList {
	l := &unstructured.UnstructuredList{Object: map[string]interface{}{}}
	l.SetResourceVersion(rv)
	for _, o := range objs {
		l.Items = append(l.Items, *o)
	}
	return l
}

type recorded struct {
	verb Verb
	name string
}

func recorder() (Handler, chan recorded) {
	events := make(chan recorded, 64)
	return func(ctx context.Context, event Event) error {
		events <- recorded{verb: event.Verb, name: event.Object.GetName()}
		return nil
	}, events
}

func expectEvents(t *testing.T, events chan recorded, want ...recorded) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-events:
			assert.Equal(t, w, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %v", w)
		}
	}
}

func nextWatcher(t *testing.T, src *fakeSource) *watch.FakeWatcher {
	t.Helper()
	select {
	case fw := <-src.watchers:
		return fw
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch stream")
		return nil
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func startInformer(t *testing.T, inf *Informer) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inf.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestInformer_ListWatchRelist(t *testing.T) {
	src := newFakeSource(
		list("10", object("a", "uid-a", "8"), object("b", "uid-b", "9")),
		list("20", object("a", "uid-a", "18")),
	)
	handler, events := recorder()
	inf := New(src.source(types.KindPod), "shop", handler, testLogger())
	cancel, done := startInformer(t, inf)

	expectEvents(t, events, recorded{Added, "a"}, recorded{Added, "b"})

	fw := nextWatcher(t, src)
	assert.Equal(t, "10", src.lastWatchVersion())
	assert.Equal(t, Watching, inf.State())

	fw.Modify(object("a", "uid-a", "11"))
	expectEvents(t, events, recorded{Modified, "a"})

	fw.Action(watch.Bookmark, object("", "", "15"))
	fw.Stop()

	// A closed stream reopens from the bookmarked version
	fw = nextWatcher(t, src)
	assert.Equal(t, "15", src.lastWatchVersion())

	fw.Add(object("c", "uid-c", "16"))
	expectEvents(t, events, recorded{Added, "c"})

	fw.Error(&metav1.Status{Status: metav1.StatusFailure, Code: 410, Reason: metav1.StatusReasonExpired})

	// Relist replays current state and synthesizes deletes for vanished objects
	got := make(map[recorded]bool)
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			got[ev] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for relist events")
		}
	}
	assert.Equal(t, map[recorded]bool{
		{Added, "a"}:   true,
		{Deleted, "b"}: true,
		{Deleted, "c"}: true,
	}, got)

	nextWatcher(t, src)
	assert.Equal(t, "20", src.lastWatchVersion())
	assert.Equal(t, 2, src.listCount())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("informer did not stop")
	}
}

func TestInformer_DeletedEventsForwarded(t *testing.T) {
	src := newFakeSource(list("1", object("a", "uid-a", "1")))
	handler, events := recorder()
	inf := New(src.source(types.KindPod), "shop", handler, testLogger())
	startInformer(t, inf)

	expectEvents(t, events, recorded{Added, "a"})
	fw := nextWatcher(t, src)
	fw.Delete(object("a", "uid-a", "2"))
	expectEvents(t, events, recorded{Deleted, "a"})
}

func TestInformer_RestartsOnRetryableErrors(t *testing.T) {
	src := newFakeSource(list("5", object("a", "uid-a", "5")))
	src.watchErrs = []error{syscall.ECONNREFUSED}
	handler, events := recorder()
	inf := New(src.source(types.KindPod), "shop", handler, testLogger())
	inf.restartDelay = time.Millisecond
	startInformer(t, inf)

	// First list, failed watch, restart, second list
	expectEvents(t, events, recorded{Added, "a"}, recorded{Added, "a"})
	nextWatcher(t, src)
	assert.Equal(t, 2, src.listCount())
}

func TestInformer_StreamErrorRestarts(t *testing.T) {
	src := newFakeSource(list("5"))
	handler, _ := recorder()
	inf := New(src.source(types.KindPod), "shop", handler, testLogger())
	inf.restartDelay = time.Millisecond
	startInformer(t, inf)

	fw := nextWatcher(t, src)
	fw.Error(&metav1.Status{Status: metav1.StatusFailure, Code: 500, Reason: metav1.StatusReasonInternalError})

	nextWatcher(t, src)
	assert.Equal(t, 2, src.listCount())
}

func TestInformer_StopsOnTerminalError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "forbidden", err: apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "", errors.New("rbac denied"))},
		{name: "not found", err: apierrors.NewNotFound(schema.GroupResource{Resource: "rollouts"}, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource(list("1"))
			src.watchErrs = []error{tt.err}
			handler, _ := recorder()
			inf := New(src.source(types.KindPod), "shop", handler, testLogger())
			_, done := startInformer(t, inf)

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("informer did not stop")
			}
			assert.Equal(t, Stopped, inf.State())
		})
	}
}

func TestInformer_HandlerFailuresDoNotStopWatch(t *testing.T) {
	src := newFakeSource(list("1", object("boom", "uid-1", "1"), object("fail", "uid-2", "1"), object("ok", "uid-3", "1")))
	seen := make(chan string, 8)
	handler := func(ctx context.Context, event Event) error {
		switch event.Object.GetName() {
		case "boom":
			panic("handler exploded")
		case "fail":
			return errors.New("falsy workload name")
		}
		seen <- event.Object.GetName()
		return nil
	}
	inf := New(src.source(types.KindPod), "shop", handler, testLogger())
	startInformer(t, inf)

	select {
	case name := <-seen:
		assert.Equal(t, "ok", name)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not receive the event after failures")
	}
	nextWatcher(t, src)
	assert.Equal(t, Watching, inf.State())
}

func TestInformer_PartialListWatchesFromCurrentState(t *testing.T) {
	pages := 0
	src := newFakeSource()
	source := src.source(types.KindPod)
	source.List = func(ctx context.Context, namespace string, opts metav1.ListOptions) (*unstructured.UnstructuredList, error) {
		pages++
		if pages == 1 {
			l := list("30", object("a", "uid-a", "30"))
			l.SetContinue("token")
			return l, nil
		}
		return nil, apierrors.NewResourceExpired("continue token expired")
	}
	handler, events := recorder()
	inf := New(source, "shop", handler, testLogger())
	startInformer(t, inf)

	expectEvents(t, events, recorded{Added, "a"})
	nextWatcher(t, src)
	assert.Equal(t, "", src.lastWatchVersion())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "watching", Watching.String())
	assert.Equal(t, "restarting", Restarting.String())
	assert.Equal(t, "stopped", Stopped.String())
	require.Equal(t, "state(9)", State(9).String())
}
