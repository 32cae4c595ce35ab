// Package dispatch provides the serialized task loop that owns all
// synchronization state of one mail-store connection.
//
// A Loop runs two goroutines. The task goroutine executes enqueued tasks
// and operation continuations strictly in submission order, one at a
// time. The I/O goroutine executes mail-store operations, also in order,
// and posts each result back onto the task queue. State touched only from
// tasks therefore needs no locking.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned when work is submitted to a loop that is not
// running anymore.
var ErrStopped = errors.New("dispatch loop stopped")

// Task is a unit of work executed on the task goroutine. ctx is the
// loop's context.
type Task func(ctx context.Context)

// defaultOperationTimeout bounds a single mail-store operation.
const defaultOperationTimeout = 60 * time.Second

// queue is an unbounded FIFO with a wake-up signal.
type queue struct {
	items  []Task
	signal chan struct{}
}

func newQueue() queue {
	return queue{signal: make(chan struct{}, 1)}
}

// Loop is a serialized task queue paired with a serialized operation
// queue. The zero value is not usable; call New.
type Loop struct {
	log              zerolog.Logger
	operationTimeout time.Duration

	mu      sync.Mutex
	tasks   queue
	ops     queue
	started bool
	stopped bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithOperationTimeout overrides the per-operation timeout.
func WithOperationTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.operationTimeout = d
		}
	}
}

// New creates a loop. It does nothing until Run is called.
func New(log zerolog.Logger, opts ...Option) *Loop {
	l := &Loop{
		log:              log.With().Str("component", "dispatch").Logger(),
		operationTimeout: defaultOperationTimeout,
		tasks:            newQueue(),
		ops:              newQueue(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run processes tasks and operations until ctx is cancelled. Work still
// queued at that point is dropped. Run may only be called once.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errors.New("dispatch loop already started")
	}
	l.started = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.tasks.items = nil
		l.ops.items = nil
		l.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.drain(gctx, &l.tasks, l.runTask)
		return nil
	})
	g.Go(func() error {
		l.drain(gctx, &l.ops, l.runOperation)
		return nil
	})
	return g.Wait()
}

// Enqueue appends task to the run queue. Tasks execute in submission
// order; a task must never block waiting for another task.
func (l *Loop) Enqueue(task Task) error {
	return l.push(&l.tasks, task)
}

// Do enqueues fn and waits until it has run. It must not be called from
// a task, which would deadlock the loop.
func (l *Loop) Do(ctx context.Context, fn Task) error {
	done := make(chan struct{})
	err := l.Enqueue(func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	})
	if err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit hands op to the I/O goroutine. When op returns, exactly one of
// onComplete or onFailure is enqueued as a task. onFailure receives
// whatever partial result op produced. Failures are not retried.
//
// A panic in op or onComplete is converted into a call of onFailure.
func Submit[T any](
	l *Loop,
	op func(ctx context.Context) (T, error),
	onComplete func(ctx context.Context, result T),
	onFailure func(ctx context.Context, partial T, err error),
) error {
	return l.push(&l.ops, func(ctx context.Context) {
		opCtx, cancel := context.WithTimeout(ctx, l.operationTimeout)
		result, opErr := callOperation(opCtx, op)
		cancel()

		err := l.Enqueue(func(ctx context.Context) {
			if opErr != nil {
				onFailure(ctx, result, opErr)
				return
			}
			if perr := callCompletion(ctx, onComplete, result); perr != nil {
				l.log.Error().Err(perr).Msg("Completion callback panicked")
				onFailure(ctx, result, perr)
			}
		})
		if err != nil {
			l.log.Debug().Err(err).Msg("Dropping operation result")
		}
	})
}

// push appends to q unless the loop has stopped.
func (l *Loop) push(q *queue, task Task) error {
	if task == nil {
		return errors.New("nil task")
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	q.items = append(q.items, task)
	l.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// pop removes the head of q.
func (l *Loop) pop(q *queue) (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	task := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return task, true
}

// drain runs items of q one at a time until ctx is done.
func (l *Loop) drain(ctx context.Context, q *queue, run func(context.Context, Task)) {
	for {
		if ctx.Err() != nil {
			return
		}
		if task, ok := l.pop(q); ok {
			run(ctx, task)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
	}
}

// runTask executes a task, containing any panic.
func (l *Loop) runTask(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("Task panicked")
		}
	}()
	task(ctx)
}

// runOperation executes an operation wrapper on the I/O goroutine.
func (l *Loop) runOperation(ctx context.Context, task Task) {
	task(ctx)
}

func callOperation[T any](ctx context.Context, op func(context.Context) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

func callCompletion[T any](ctx context.Context, fn func(context.Context, T), result T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("completion panicked: %v", r)
		}
	}()
	fn(ctx, result)
	return nil
}
