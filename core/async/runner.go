package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// DefaultTimeout is the default per-operation time budget.
const DefaultTimeout = 5000 * time.Millisecond

// ErrNotCancellable is returned when cancelling an operation that a worker
// has already picked up.
var ErrNotCancellable = errors.New("async: operation already started")

// errStopped completes operations still queued when the runner stops.
var errStopped = fmt.Errorf("%w: runner stopped", storetype.ErrAsyncFailure)

// Runner executes queued operations on a fixed set of workers.
type Runner struct {
	pool    *Pool
	queue   *Queue
	workers int
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	wake chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMaxOperations sets the pool capacity (default: DefaultMaxOperations).
func WithMaxOperations(n int) RunnerOption {
	return func(r *Runner) {
		r.pool = NewPool(n)
	}
}

// WithQueueSize sets the queue capacity (default: DefaultQueueSize).
func WithQueueSize(n int) RunnerOption {
	return func(r *Runner) {
		r.queue = NewQueue(n)
	}
}

// WithWorkers sets the number of worker goroutines (default: 2).
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithTimeout sets the per-operation time budget (default: DefaultTimeout).
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger for runner events.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithClock overrides the time source used for deadlines.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner creates a stopped Runner. Call Start to launch the workers.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		workers: 2,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pool == nil {
		r.pool = NewPool(DefaultMaxOperations)
	}
	if r.queue == nil {
		r.queue = NewQueue(DefaultQueueSize)
	}
	r.pool.now = r.now
	r.wake = make(chan struct{}, 1)
	return r
}

// log returns the logger, falling back to a discard logger if nil.
func (r *Runner) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Pool returns the runner's operation pool.
func (r *Runner) Pool() *Pool { return r.pool }

// Queue returns the runner's load queue.
func (r *Runner) Queue() *Queue { return r.queue }

// Timeout returns the per-operation time budget.
func (r *Runner) Timeout() time.Duration { return r.timeout }

// Start launches the workers and the deadline janitor. They run until
// ctx is done or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(r.workers + 1)
	for range r.workers {
		go r.worker(ctx)
	}
	go r.janitor(ctx)
	r.signal()
}

// Stop halts the workers, waits for running operations to finish, and
// fails whatever is still queued.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	for {
		op, ok := r.queue.Pop()
		if !ok {
			return
		}
		r.complete(op, StateFailed, nil, errStopped)
	}
}

// Submit allocates a slot for work and enqueues it. It returns
// ErrBufferFull when the pool or the queue is full; in the latter case
// the slot is released before returning.
func (r *Runner) Submit(kind Kind, name string, work Work, cb Callback, userData any) (*Operation, error) {
	op, err := r.pool.Allocate(kind, name, work, cb, userData, r.timeout)
	if err != nil {
		return nil, err
	}
	if err := r.queue.Push(op); err != nil {
		r.pool.Release(op)
		return nil, err
	}
	r.log().Debug("operation queued", "id", op.id, "kind", kind.String(), "name", name)
	r.signal()
	return op, nil
}

// Cancel removes a queued operation, frees its slot and closes Done
// without invoking the callback. Operations already picked up by a worker
// return ErrNotCancellable and run to completion.
func (r *Runner) Cancel(op *Operation) error {
	if op == nil || op.id == CompletedID {
		return ErrNotCancellable
	}
	if !r.queue.Remove(op) {
		return ErrNotCancellable
	}
	if op.finish(StateCancelled, nil, context.Canceled) {
		r.pool.Release(op)
		r.log().Debug("operation cancelled", "id", op.id, "name", op.name)
	}
	return nil
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		op, ok := r.queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				continue
			}
		}
		if r.queue.Len() > 0 {
			r.signal()
		}
		r.run(ctx, op)
	}
}

func (r *Runner) run(ctx context.Context, op *Operation) {
	if !op.deadline.After(r.now()) {
		r.complete(op, StateTimedOut, nil, fmt.Errorf("%w: %s expired in queue", storetype.ErrTimeout, op.name))
		return
	}
	if !op.transition(StateRunning, StatePending) {
		return
	}

	// Running work is not cancelled by Stop; only its deadline applies.
	workCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), op.deadline)
	data, err := op.work(workCtx, op)
	expired := workCtx.Err() != nil
	cancel()

	switch {
	case expired || r.now().After(op.deadline):
		r.complete(op, StateTimedOut, nil, fmt.Errorf("%w: %s exceeded %s", storetype.ErrTimeout, op.name, r.timeout))
	case err != nil:
		r.complete(op, StateFailed, nil, err)
	default:
		r.complete(op, StateCompleted, data, nil)
	}
}

func (r *Runner) complete(op *Operation, state State, data []byte, err error) {
	if !op.finish(state, data, err) {
		return
	}
	r.pool.Release(op)
	if err != nil {
		r.log().Debug("operation failed", "id", op.id, "name", op.name, "state", state.String(), "error", err)
	}
	if op.cb != nil {
		op.cb(op, data, err)
	}
}

// janitor fails queued operations whose deadline passes before a worker
// reaches them.
func (r *Runner) janitor(ctx context.Context) {
	defer r.wg.Done()
	interval := max(r.timeout/4, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, op := range r.queue.RemoveExpired(r.now()) {
				r.complete(op, StateTimedOut, nil, fmt.Errorf("%w: %s expired in queue", storetype.ErrTimeout, op.name))
			}
		}
	}
}
