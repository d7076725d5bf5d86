package perfwatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Task is a unit of deferred work
type Task func()

// Queue is a cooperative task queue. Tasks run strictly one at a time in
// FIFO order, either on the worker goroutine started by Start or on the
// goroutine calling Drain. Tasks must not call Drain or Stop themselves.
type Queue struct {
	mu    sync.Mutex
	tasks []Task
	wake  chan struct{}

	// held while a task is popped and executed
	runMu sync.Mutex

	logger *zap.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewQueue creates an idle queue. Call Start for background execution or
// Drain to run pending tasks on the current goroutine.
func NewQueue(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Defer appends a task to the queue
func (q *Queue) Defer(t Task) {
	if t == nil {
		return
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of tasks waiting to run
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Drain runs queued tasks on the calling goroutine until the queue is empty,
// including tasks queued while draining. It returns the number of tasks run.
func (q *Queue) Drain() int {
	n := 0
	for q.runOne() {
		n++
	}
	return n
}

// Start launches the worker goroutine. Calling Start on a running queue is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.running = true

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			for q.runOne() {
			}
			select {
			case <-q.wake:
			case <-ctx.Done():
				// flush what is left so pending deliveries complete
				for q.runOne() {
				}
				return
			}
		}
	}()
}

// Stop stops the worker after running the tasks still queued
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
}

// Running reports whether the worker goroutine is active
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) runOne() bool {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	q.mu.Lock()
	if len(q.tasks) == 0 {
		q.mu.Unlock()
		return false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.mu.Unlock()

	q.run(t)
	return true
}

func (q *Queue) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("deferred task panicked", zap.Any("panic", r))
		}
	}()
	t()
}
