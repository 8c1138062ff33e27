package async

import (
	"fmt"
	"sync"
	"time"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// DefaultQueueSize is the default LoadQueue capacity.
const DefaultQueueSize = 256

// Queue is a bounded FIFO ring buffer of pending operations.
type Queue struct {
	mu   sync.Mutex
	buf  []*Operation
	head int
	n    int
}

// NewQueue creates a queue holding at most capacity operations.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{buf: make([]*Operation, capacity)}
}

// Push appends op. It returns ErrBufferFull, leaving the queue unchanged,
// when the queue is at capacity.
func (q *Queue) Push(op *Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.buf) {
		return fmt.Errorf("%w: load queue holds %d operations", storetype.ErrBufferFull, q.n)
	}
	q.buf[(q.head+q.n)%len(q.buf)] = op
	q.n++
	return nil
}

// Pop removes and returns the oldest operation.
func (q *Queue) Pop() (*Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil, false
	}
	op := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return op, true
}

// Remove deletes op if it is still queued, keeping the order of the rest.
func (q *Queue) Remove(op *Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := -1
	for i := range q.n {
		if q.buf[(q.head+i)%len(q.buf)] == op {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	for i := idx; i < q.n-1; i++ {
		q.buf[(q.head+i)%len(q.buf)] = q.buf[(q.head+i+1)%len(q.buf)]
	}
	q.buf[(q.head+q.n-1)%len(q.buf)] = nil
	q.n--
	return true
}

// RemoveExpired deletes and returns every queued operation whose deadline
// is not after now.
func (q *Queue) RemoveExpired(now time.Time) []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []*Operation
	kept := 0
	for i := range q.n {
		op := q.buf[(q.head+i)%len(q.buf)]
		if !op.deadline.After(now) {
			expired = append(expired, op)
			continue
		}
		q.buf[(q.head+kept)%len(q.buf)] = op
		kept++
	}
	for i := kept; i < q.n; i++ {
		q.buf[(q.head+i)%len(q.buf)] = nil
	}
	q.n = kept
	return expired
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// IDs returns the ids of queued operations, oldest first.
func (q *Queue) IDs() []uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]uint32, q.n)
	for i := range q.n {
		ids[i] = q.buf[(q.head+i)%len(q.buf)].id
	}
	return ids
}
