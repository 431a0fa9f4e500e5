package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/austindbirch/signal_hook/internal/delivery"
	"github.com/austindbirch/signal_hook/internal/logging"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("queue closed")

// LocalQueue runs tasks in-process on a bounded number of goroutines. It is
// used when no broker is configured; a task lost on restart is recovered by
// the sweep.
type LocalQueue struct {
	handle func(context.Context, delivery.Task) error
	sem    *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewLocalQueue(handle func(context.Context, delivery.Task) error, concurrency int) *LocalQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &LocalQueue{handle: handle, sem: semaphore.NewWeighted(int64(concurrency))}
}

// Enqueue returns immediately. The task runs detached from ctx cancellation
// but keeps its values.
func (q *LocalQueue) Enqueue(ctx context.Context, task delivery.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.wg.Add(1)
	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer q.wg.Done()
		if err := q.sem.Acquire(taskCtx, 1); err != nil {
			return
		}
		defer q.sem.Release(1)
		if err := q.handle(taskCtx, task); err != nil {
			logging.WithContext(taskCtx).WithDelivery(task.DeliveryID).WithError(err).Error("local task failed")
		}
	}()
	return nil
}

// Close stops accepting tasks and waits for the running ones.
func (q *LocalQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
