// ABOUTME: FIFO scan dispatch queue consumed by a fixed pool of workers.
// ABOUTME: Pending tasks can be withdrawn by key; a panicking task never takes its worker down.

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jfeddern/VulnMonitor/internal/types"

	"github.com/sirupsen/logrus"
)

const DefaultLengthLogFrequency = 5 * time.Minute

// Processor handles one task on a worker goroutine
type Processor func(ctx context.Context, task types.ScanTask)

type Observer interface {
	SetQueueDepth(depth int)
	ObserveQueueWait(seconds float64)
}

type Queue struct {
	workers   int
	processor Processor
	observer  Observer
	logger    *logrus.Logger

	mu     sync.Mutex
	tasks  []types.ScanTask
	signal chan struct{}
}

func New(workers int, processor Processor, observer Observer, logger *logrus.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		workers:   workers,
		processor: processor,
		observer:  observer,
		logger:    logger,
		signal:    make(chan struct{}, 1),
	}
}

// Push appends a task and wakes an idle worker
func (q *Queue) Push(task types.ScanTask) {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	depth := len(q.tasks)
	q.mu.Unlock()

	q.setDepth(depth)
	q.wake()
}

// Remove drops every pending task with the given key and reports how many were dropped
func (q *Queue) Remove(key string) int {
	q.mu.Lock()
	kept := q.tasks[:0]
	removed := 0
	for _, task := range q.tasks {
		if task.Key == key {
			removed++
			continue
		}
		kept = append(kept, task)
	}
	// Release references held past the new end
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = types.ScanTask{}
	}
	q.tasks = kept
	depth := len(q.tasks)
	q.mu.Unlock()

	if removed > 0 {
		q.setDepth(depth)
	}
	return removed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (types.ScanTask, bool) {
	q.mu.Lock()
	if len(q.tasks) == 0 {
		q.mu.Unlock()
		return types.ScanTask{}, false
	}
	task := q.tasks[0]
	q.tasks[0] = types.ScanTask{}
	q.tasks = q.tasks[1:]
	depth := len(q.tasks)
	q.mu.Unlock()

	q.setDepth(depth)
	if depth > 0 {
		// Pass the wakeup on so other idle workers pick up the rest
		q.wake()
	}
	return task, true
}

func (q *Queue) setDepth(depth int) {
	if q.observer != nil {
		q.observer.SetQueueDepth(depth)
	}
}

// Run starts the workers and blocks until the context is cancelled and every worker has returned
func (q *Queue) Run(ctx context.Context) error {
	q.logger.WithField("workers", q.workers).Info("Starting scan queue workers")

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.work(ctx, id)
		}(i)
	}
	wg.Wait()

	q.logger.Info("Scan queue workers stopped")
	return ctx.Err()
}

func (q *Queue) work(ctx context.Context, id int) {
	for {
		task, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.signal:
				continue
			}
		}

		if ctx.Err() != nil {
			return
		}

		if q.observer != nil {
			q.observer.ObserveQueueWait(time.Since(task.EnqueuedAt).Seconds())
		}
		q.process(ctx, id, task)
	}
}

func (q *Queue) process(ctx context.Context, id int, task types.ScanTask) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithFields(logrus.Fields{
				"worker":   id,
				"task_key": task.Key,
				"panic":    fmt.Sprint(r),
			}).Error("Scan task panicked")
		}
	}()

	q.processor(ctx, task)
}

// LogLength reports the queue depth every frequency until the context is cancelled
func (q *Queue) LogLength(ctx context.Context, frequency time.Duration) error {
	if frequency <= 0 {
		frequency = DefaultLengthLogFrequency
	}

	ticker := time.NewTicker(frequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.logger.WithField("queue_length", q.Len()).Info("Scan queue length")
		}
	}
}
