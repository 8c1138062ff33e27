package async

import (
	"fmt"
	"sync"
	"time"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// DefaultMaxOperations is the default pool capacity.
const DefaultMaxOperations = 64

// Pool is a fixed-capacity table of in-flight operations. A slot is free
// while it holds no operation.
type Pool struct {
	mu     sync.Mutex
	slots  []*Operation
	inUse  int
	nextID uint32
	now    func() time.Time
}

// NewPool creates a pool with capacity slots.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultMaxOperations
	}
	return &Pool{slots: make([]*Operation, capacity), now: time.Now}
}

// Allocate claims a free slot for a new pending operation. It returns
// ErrBufferFull when every slot is taken.
func (p *Pool) Allocate(kind Kind, name string, work Work, cb Callback, userData any, timeout time.Duration) (*Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inUse == len(p.slots) {
		return nil, fmt.Errorf("%w: %d operations in flight", storetype.ErrBufferFull, p.inUse)
	}
	slot := -1
	for i, op := range p.slots {
		if op == nil {
			slot = i
			break
		}
	}

	p.nextID++
	if p.nextID == CompletedID {
		p.nextID++
	}
	now := p.now()
	op := &Operation{
		id:       p.nextID,
		slot:     slot,
		kind:     kind,
		name:     name,
		userData: userData,
		cb:       cb,
		work:     work,
		started:  now,
		deadline: now.Add(timeout),
		done:     make(chan struct{}),
		state:    StatePending,
	}
	p.slots[slot] = op
	p.inUse++
	return op, nil
}

// Release frees op's slot. Releasing an operation twice is a no-op.
func (p *Pool) Release(op *Operation) {
	if op == nil || op.slot < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if op.slot < len(p.slots) && p.slots[op.slot] == op {
		p.slots[op.slot] = nil
		p.inUse--
	}
}

// Get returns the in-flight operation with id.
func (p *Pool) Get(id uint32) (*Operation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, op := range p.slots {
		if op != nil && op.id == id {
			return op, true
		}
	}
	return nil, false
}

// InUse returns the number of occupied slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Cap returns the pool capacity.
func (p *Pool) Cap() int { return len(p.slots) }

// Active returns the in-flight operations in slot order.
func (p *Pool) Active() []*Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Operation, 0, p.inUse)
	for _, op := range p.slots {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
}
