package tcp

import (
	"sync"

	"github.com/gnrctcp/gnrctcp/internal/ring"
)

// BufferPool is a fixed-count set of receive-buffer ring slots leased to
// TCBs on open and returned on close (spec §3's "receive-buffer lease").
// Capacity is chosen at construction and never grows: exhaustion is a
// first-class error (ErrNoBuffer), not an allocation.
type BufferPool struct {
	mu       sync.Mutex
	slots    []*ring.Buf
	leased   []bool
	slotSize int
}

// NewBufferPool builds a pool of count buffers, each slotSize bytes.
func NewBufferPool(count, slotSize int) *BufferPool {
	p := &BufferPool{
		slots:    make([]*ring.Buf, count),
		leased:   make([]bool, count),
		slotSize: slotSize,
	}
	for i := range p.slots {
		p.slots[i] = ring.NewBuf(slotSize)
	}
	return p
}

// Lease reserves one free slot, returning its index and buffer. Returns
// ErrNoBuffer if every slot is already leased.
func (p *BufferPool) Lease() (int, *ring.Buf, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, busy := range p.leased {
		if !busy {
			p.leased[i] = true
			p.slots[i].Reset()
			return i, p.slots[i], nil
		}
	}
	return -1, nil, ErrNoBuffer
}

// Release returns slot idx to the free pool, discarding its contents.
func (p *BufferPool) Release(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.slots) {
		return
	}
	p.slots[idx].Reset()
	p.leased[idx] = false
}

// Cap returns the pool's total slot count.
func (p *BufferPool) Cap() int { return len(p.slots) }

// SlotSize returns the fixed size of each slot.
func (p *BufferPool) SlotSize() int { return p.slotSize }

// InUse returns the number of currently-leased slots.
func (p *BufferPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, busy := range p.leased {
		if busy {
			n++
		}
	}
	return n
}
