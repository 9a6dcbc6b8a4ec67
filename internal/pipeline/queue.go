package pipeline

import (
	"context"
	"sync"
)

// taskQueue runs functions strictly one at a time in enqueue order. It is the
// total-order gate for all outbound audio: sentence synthesis, filler
// phrases, and pre-transfer messages all flow through it so playback order
// matches production order by construction.
//
// Reset drops every pending task and cancels the running one atomically, so
// sentences enqueued before an interrupt can never play after it.
type taskQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	tasks         []func(ctx context.Context)
	cancelCurrent context.CancelFunc
	closed        bool
}

// newTaskQueue starts the queue's worker goroutine. Tasks receive contexts
// derived from parent.
func newTaskQueue(parent context.Context) *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	go q.run(parent)
	return q
}

// Push enqueues a task. Pushes after Close are dropped.
func (q *taskQueue) Push(task func(ctx context.Context)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
}

// Reset atomically drops all pending tasks and cancels the in-flight one.
func (q *taskQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = nil
	if q.cancelCurrent != nil {
		q.cancelCurrent()
	}
}

// Close stops the worker after cancelling any in-flight task. Idempotent.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.tasks = nil
	if q.cancelCurrent != nil {
		q.cancelCurrent()
	}
	q.cond.Broadcast()
}

func (q *taskQueue) run(parent context.Context) {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		ctx, cancel := context.WithCancel(parent)
		q.cancelCurrent = cancel
		q.mu.Unlock()

		task(ctx)

		cancel()
		q.mu.Lock()
		q.cancelCurrent = nil
		q.mu.Unlock()
	}
}
