package background

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrQueueFull is returned by Submit when every buffer slot is taken.
var ErrQueueFull = errors.New("task queue full")

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("task queue closed")

// taskTimeout bounds a single attempt of a task.
const taskTimeout = 10 * time.Second

// Task is one unit of deferred work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue is a bounded in-process work queue with a fixed worker pool.
// Failed tasks are retried with exponential backoff, then logged and counted.
type Queue struct {
	ch         chan Task
	maxRetries uint64

	mu     sync.RWMutex // guards closed against concurrent Submit/Close
	closed bool

	wg     sync.WaitGroup
	failed atomic.Uint64
}

// NewQueue starts workers goroutines draining a buffer of size slots.
func NewQueue(workers, size int, maxRetries uint64) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1
	}
	q := &Queue{
		ch:         make(chan Task, size),
		maxRetries: maxRetries,
	}
	for range workers {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Submit enqueues t without blocking.
func (q *Queue) Submit(t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks, runs everything already queued, and waits for the workers.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}

// Failed reports how many tasks exhausted their retries.
func (q *Queue) Failed() uint64 {
	return q.failed.Load()
}

func (q *Queue) work() {
	defer q.wg.Done()
	for t := range q.ch {
		q.run(t)
	}
}

func (q *Queue) run(t Task) {
	backoff := retry.WithMaxRetries(q.maxRetries, retry.NewExponential(50*time.Millisecond))
	attempt := 0
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		attempt++
		ctx, cancel := context.WithTimeout(ctx, taskTimeout)
		defer cancel()
		if err := runSafely(ctx, t); err != nil {
			slog.Debug("task attempt failed", "task", t.Name, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		q.failed.Add(1)
		slog.Error("task failed", "task", t.Name, "attempts", attempt, "error", err)
	}
}

// runSafely converts a panicking task into an error so one bad task cannot kill a worker.
func runSafely(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("task panicked")
			slog.Error("task panicked", "task", t.Name, "panic", r)
		}
	}()
	return t.Run(ctx)
}

// Inline runs each task synchronously in the caller's goroutine, once.
// Used in tests and as a fallback runner.
type Inline struct{}

func (Inline) Submit(t Task) error {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()
	return runSafely(ctx, t)
}
