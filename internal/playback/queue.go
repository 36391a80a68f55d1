package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/avatarlink/internal/observe"
)

// Task is one unit of playback work. It must return once its audio has
// finished, failed or been stopped.
type Task func(ctx context.Context) error

// QueueOption configures a [TaskQueue].
type QueueOption func(*TaskQueue)

// WithQueueMetrics records task outcomes and queue depth on m.
func WithQueueMetrics(m *observe.Metrics) QueueOption {
	return func(q *TaskQueue) { q.metrics = m }
}

// TaskQueue runs tasks one at a time in arrival order on a dispatch
// goroutine. A task always settles, even when it fails or panics, before the
// next one starts. All methods are safe for concurrent use.
type TaskQueue struct {
	metrics *observe.Metrics

	mu      sync.Mutex
	pending []Task
	running bool
	waiters []chan struct{}
	closed  bool

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTaskQueue starts a queue. Call [TaskQueue.Close] to stop it.
func NewTaskQueue(opts ...QueueOption) *TaskQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &TaskQueue{
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// Add appends t to the queue.
func (q *TaskQueue) Add(t Task) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, t)
	q.mu.Unlock()
	q.addDepth(1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Clear drops every task that has not started. The running task is left
// alone; stop its audio through the [Registry] to end it early.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	n := len(q.pending)
	q.pending = nil
	idle := !q.running
	var waiters []chan struct{}
	if idle {
		waiters = q.takeWaitersLocked()
	}
	q.mu.Unlock()

	q.addDepth(-int64(n))
	for _, w := range waiters {
		close(w)
	}
}

// HasTask reports whether a task is pending or running.
func (q *TaskQueue) HasTask() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running || len(q.pending) > 0
}

// WaitForCompletion blocks until the queue is empty and idle or ctx ends.
func (q *TaskQueue) WaitForCompletion(ctx context.Context) error {
	q.mu.Lock()
	if !q.running && len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops pending tasks, cancels the running one and stops the
// dispatcher. It is idempotent.
func (q *TaskQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	n := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.addDepth(-int64(n))
	q.cancel()
	<-q.done

	q.mu.Lock()
	waiters := q.takeWaitersLocked()
	q.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	return nil
}

func (q *TaskQueue) dispatch() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.notify:
		}

		for {
			q.mu.Lock()
			if len(q.pending) == 0 || q.closed {
				q.running = false
				waiters := q.takeWaitersLocked()
				q.mu.Unlock()
				for _, w := range waiters {
					close(w)
				}
				break
			}
			t := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.running = true
			q.mu.Unlock()
			q.addDepth(-1)

			q.run(t)
		}
	}
}

// run executes t and converts panics into errors so the queue keeps going.
func (q *TaskQueue) run(t Task) {
	status := "ok"
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				status = "panic"
				err = fmt.Errorf("playback: task panicked: %v", r)
			}
		}()
		return t(q.ctx)
	}()
	if err != nil {
		if status == "ok" {
			status = "error"
		}
		slog.Warn("playback: task failed", "err", err)
	}
	if q.metrics != nil {
		q.metrics.RecordPlaybackTask(context.Background(), status)
	}
}

func (q *TaskQueue) takeWaitersLocked() []chan struct{} {
	w := q.waiters
	q.waiters = nil
	return w
}

func (q *TaskQueue) addDepth(n int64) {
	if q.metrics != nil && n != 0 {
		q.metrics.QueueDepth.Add(context.Background(), n)
	}
}
