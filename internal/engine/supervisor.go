// ABOUTME: Startup sequence and supervision of the long-lived engine tasks.
// ABOUTME: Any task failure or panic cancels the group; the first failure alone is logged.

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Run resolves the agent identity, announces the cluster and supervises the informers,
// the scan workers and the queue length logger. It returns nil when ctx is cancelled
// and the first task failure otherwise.
func (e *Engine) Run(ctx context.Context) error {
	logger := e.logger.WithField("component", "monitor_engine")

	if err := e.prepare(ctx); err != nil {
		return fmt.Errorf("failed to prepare engine: %w", err)
	}
	e.upstream().SendClusterMetadata(ctx)

	g, gctx := errgroup.WithContext(ctx)
	e.supervise(g, gctx, "informers", e.manager.Run)
	e.supervise(g, gctx, "scan_queue", e.queue.Run)
	e.supervise(g, gctx, "queue_length_logger", func(ctx context.Context) error {
		return e.queue.LogLength(ctx, e.config.QueueLengthLogFrequency)
	})

	logger.WithFields(logrus.Fields{
		"workers":         e.config.WorkersCount,
		"watch_namespace": e.config.WatchNamespace,
	}).Info("Monitor engine started")

	err := g.Wait()
	if ctx.Err() != nil {
		logger.Info("Monitor engine stopping")
		return nil
	}
	return err
}

// supervise runs task in the group, turning a panic into an error
func (e *Engine) supervise(g *errgroup.Group, ctx context.Context, name string, task func(context.Context) error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", name, r)
			}
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			if e.shutdownInProgress.CompareAndSwap(false, true) {
				e.logger.WithError(err).WithField("task", name).Error("Supervised task failed, shutting down")
			}
		}()
		return task(ctx)
	})
}
