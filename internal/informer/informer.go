// ABOUTME: List-then-watch runtime for one resource kind within one scope.
// ABOUTME: An explicit state machine relists on expiry, reopens closed streams and stops on unrecoverable errors.

package informer

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfeddern/VulnMonitor/internal/kube"
	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
)

const (
	DefaultRestartDelay = time.Second
	eventBuffer         = 128
)

type Verb string

const (
	Added    Verb = "ADDED"
	Modified Verb = "MODIFIED"
	Deleted  Verb = "DELETED"
)

// Event is one change delivered to the handler, in stream order
type Event struct {
	Verb   Verb
	Kind   types.WorkloadKind
	Object *unstructured.Unstructured
}

// Handler consumes events. A returned error is logged and never stops the watch.
type Handler func(ctx context.Context, event Event) error

type State int32

const (
	Starting State = iota
	Watching
	Restarting
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Watching:
		return "watching"
	case Restarting:
		return "restarting"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Informer struct {
	source    *kube.Source
	namespace string
	handler   Handler
	logger    *logrus.Entry

	restartDelay time.Duration
	state        atomic.Int32

	// Owned by the state machine goroutine
	resourceVersion string
	known           map[k8stypes.UID]*unstructured.Unstructured
	events          chan Event
}

func New(source *kube.Source, namespace string, handler Handler, logger *logrus.Logger) *Informer {
	inf := &Informer{
		source:    source,
		namespace: namespace,
		handler:   handler,
		logger: logger.WithFields(logrus.Fields{
			"kind":      source.Kind.String(),
			"namespace": namespace,
		}),
		restartDelay: DefaultRestartDelay,
		known:        make(map[k8stypes.UID]*unstructured.Unstructured),
	}
	inf.state.Store(int32(Starting))
	return inf
}

func (i *Informer) State() State {
	return State(i.state.Load())
}

func (i *Informer) setState(s State) {
	if previous := State(i.state.Swap(int32(s))); previous != s {
		i.logger.WithFields(logrus.Fields{
			"from": previous.String(),
			"to":   s.String(),
		}).Debug("Informer state changed")
	}
}

// Run drives the state machine until the context is cancelled or the watch stops
func (i *Informer) Run(ctx context.Context) error {
	i.events = make(chan Event, eventBuffer)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		i.dispatch(ctx)
	}()

	err := i.loop(ctx)
	close(i.events)
	wg.Wait()
	return err
}

func (i *Informer) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch i.State() {
		case Starting:
			i.setState(i.start(ctx))
		case Watching:
			i.setState(i.watch(ctx))
		case Restarting:
			timer := time.NewTimer(i.restartDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			i.setState(Starting)
		case Stopped:
			return nil
		}
	}
}

// failure picks the next state for an error raised while listing or opening a stream
func (i *Informer) failure(ctx context.Context, err error, message string) State {
	if ctx.Err() != nil {
		return Stopped
	}
	if kube.IsRetryableWatchError(err) || apierrors.IsTooManyRequests(err) {
		i.logger.WithError(err).Warn(message + ", restarting")
		return Restarting
	}
	i.logger.WithError(err).Error(message + ", stopping watch")
	return Stopped
}

func (i *Informer) start(ctx context.Context) State {
	result, err := kube.ListAll(ctx, i.namespace, i.source.List)
	if err != nil {
		return i.failure(ctx, err, "Failed to list resources")
	}

	seen := make(map[k8stypes.UID]bool, len(result.Items))
	for idx := range result.Items {
		obj := &result.Items[idx]
		seen[obj.GetUID()] = true
		i.known[obj.GetUID()] = obj
		if !i.emit(ctx, Event{Verb: Added, Kind: i.source.Kind, Object: obj}) {
			return Stopped
		}
	}

	// A partial list cannot prove absence
	if !result.Partial {
		for uid, obj := range i.known {
			if seen[uid] {
				continue
			}
			delete(i.known, uid)
			if !i.emit(ctx, Event{Verb: Deleted, Kind: i.source.Kind, Object: obj}) {
				return Stopped
			}
		}
		i.resourceVersion = result.ResourceVersion
	} else {
		// Watching from an unset version replays current state as ADDED events
		i.resourceVersion = ""
	}

	i.logger.WithFields(logrus.Fields{
		"items":            len(result.Items),
		"partial":          result.Partial,
		"resource_version": i.resourceVersion,
	}).Debug("Listed resources")
	return Watching
}

func (i *Informer) watch(ctx context.Context) State {
	stream, err := i.source.Watch(ctx, i.namespace, metav1.ListOptions{
		ResourceVersion:     i.resourceVersion,
		AllowWatchBookmarks: true,
	})
	if err != nil {
		if isGone(err) {
			return Starting
		}
		return i.failure(ctx, err, "Failed to open watch stream")
	}
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return Stopped
		case event, ok := <-stream.ResultChan():
			if !ok {
				i.logger.Debug("Watch stream closed, reopening")
				return Watching
			}
			if next, done := i.handleWatchEvent(ctx, event); done {
				return next
			}
		}
	}
}

// handleWatchEvent returns done when the stream must be abandoned for the next state
func (i *Informer) handleWatchEvent(ctx context.Context, event watch.Event) (State, bool) {
	switch event.Type {
	case watch.Added, watch.Modified, watch.Deleted:
		obj, ok := event.Object.(*unstructured.Unstructured)
		if !ok {
			i.logger.WithField("object_type", fmt.Sprintf("%T", event.Object)).Warn("Ignoring unexpected watch object")
			return Watching, false
		}
		obj = kube.Trim(obj)
		if rv := obj.GetResourceVersion(); rv != "" {
			i.resourceVersion = rv
		}

		verb := Verb(event.Type)
		if verb == Deleted {
			delete(i.known, obj.GetUID())
		} else {
			i.known[obj.GetUID()] = obj
		}
		if !i.emit(ctx, Event{Verb: verb, Kind: i.source.Kind, Object: obj}) {
			return Stopped, true
		}
		return Watching, false

	case watch.Bookmark:
		if obj, ok := event.Object.(metav1.Object); ok {
			if rv := obj.GetResourceVersion(); rv != "" {
				i.resourceVersion = rv
			}
		}
		return Watching, false

	case watch.Error:
		err := apierrors.FromObject(event.Object)
		if isGone(err) {
			i.logger.Debug("Watch resource version expired, relisting")
			return Starting, true
		}
		i.logger.WithError(err).Warn("Watch stream failed, restarting")
		return Restarting, true

	default:
		return Watching, false
	}
}

func isGone(err error) bool {
	return apierrors.IsGone(err) || apierrors.IsResourceExpired(err) || kube.StatusCode(err) == http.StatusGone
}

func (i *Informer) emit(ctx context.Context, event Event) bool {
	select {
	case i.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (i *Informer) dispatch(ctx context.Context) {
	for event := range i.events {
		if ctx.Err() != nil {
			continue
		}
		i.handle(ctx, event)
	}
}

func (i *Informer) handle(ctx context.Context, event Event) {
	logger := i.logger.WithFields(logrus.Fields{
		"verb": string(event.Verb),
		"name": event.Object.GetName(),
	})

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", fmt.Sprint(r)).Error("Event handler panicked")
		}
	}()

	if err := i.handler(ctx, event); err != nil {
		logger.WithError(err).Error("Event handler failed")
	}
}
