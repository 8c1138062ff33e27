// Package async runs blocking storage work off the caller's goroutine.
//
// A Runner owns a fixed-size Pool of operation slots and a bounded FIFO
// Queue. Submit allocates a slot and enqueues the operation, returning
// immediately; worker goroutines drain the queue, run the work, deliver
// the result through the operation's callback and Done channel, and free
// the slot. Queued operations can be cancelled; running ones cannot.
// Every operation carries a deadline, enforced while queued and while
// running.
package async

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CompletedID is the id of operations that finished synchronously and
// never occupied a pool slot.
const CompletedID uint32 = 0

// Kind classifies an operation.
type Kind uint8

const (
	KindAsset Kind = iota
	KindSave
	KindLoad
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAsset:
		return "asset"
	case KindSave:
		return "save"
	case KindLoad:
		return "load"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// State is the lifecycle state of an operation.
type State uint8

const (
	StateFree State = iota
	StatePending
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
	StateTimedOut
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Work is the blocking body of an operation. It may report progress
// through op.SetProgress.
type Work func(ctx context.Context, op *Operation) ([]byte, error)

// Callback receives an operation's outcome. It runs on a worker
// goroutine, or synchronously for operations that complete at submission.
// Cancelled operations never invoke their callback.
type Callback func(op *Operation, data []byte, err error)

// Operation is one unit of asynchronous work.
type Operation struct {
	id       uint32
	slot     int
	kind     Kind
	name     string
	userData any
	cb       Callback
	work     Work
	started  time.Time
	deadline time.Time
	done     chan struct{}

	mu        sync.Mutex
	state     State
	total     int64
	completed int64
	result    []byte
	err       error
}

// Completed returns an operation that has already finished with data and
// err. Its id is CompletedID.
func Completed(kind Kind, name string, data []byte, err error) *Operation {
	op := &Operation{id: CompletedID, slot: -1, kind: kind, name: name, done: make(chan struct{})}
	op.state = StateCompleted
	if err != nil {
		op.state = StateFailed
	}
	op.result, op.err = data, err
	if n := int64(len(data)); n > 0 {
		op.total, op.completed = n, n
	}
	close(op.done)
	return op
}

// ID returns the operation id, or CompletedID.
func (op *Operation) ID() uint32 { return op.id }

// Kind returns the operation kind.
func (op *Operation) Kind() Kind { return op.kind }

// Name returns the label given at submission.
func (op *Operation) Name() string { return op.name }

// UserData returns the value supplied at submission.
func (op *Operation) UserData() any { return op.userData }

// Started returns the submission time.
func (op *Operation) Started() time.Time { return op.started }

// Deadline returns when the operation times out.
func (op *Operation) Deadline() time.Time { return op.deadline }

// Done is closed once the operation reaches a terminal state.
func (op *Operation) Done() <-chan struct{} { return op.done }

// State returns the current state.
func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Err returns the failure, if any, once the operation is done.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Result returns the produced bytes and error once the operation is done.
func (op *Operation) Result() ([]byte, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result, op.err
}

// Wait blocks until the operation finishes or ctx is done.
func (op *Operation) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-op.done:
		return op.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetProgress records completed of total bytes.
func (op *Operation) SetProgress(completed, total int64) {
	op.mu.Lock()
	op.completed, op.total = completed, total
	op.mu.Unlock()
}

// Progress returns the completed fraction in [0, 1].
func (op *Operation) Progress() float64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state == StateCompleted {
		return 1
	}
	if op.total <= 0 {
		return 0
	}
	return min(float64(op.completed)/float64(op.total), 1)
}

// Sizes returns the completed and total byte counts.
func (op *Operation) Sizes() (completed, total int64) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.completed, op.total
}

// transition moves op from one of the from states to to.
func (op *Operation) transition(to State, from ...State) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, s := range from {
		if op.state == s {
			op.state = to
			return true
		}
	}
	return false
}

// finish records the outcome and closes Done. It reports false if op was
// already terminal.
func (op *Operation) finish(state State, data []byte, err error) bool {
	op.mu.Lock()
	if op.state.Terminal() {
		op.mu.Unlock()
		return false
	}
	op.state = state
	op.result, op.err = data, err
	op.mu.Unlock()
	close(op.done)
	return true
}
