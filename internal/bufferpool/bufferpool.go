// Package bufferpool implements the fixed-slot buffer allocator from
// spec.md section 4.7: a mutex-protected pool of reusable byte slices
// that refuses new allocations once memory usage crosses a
// configured flow-control fraction of its cap, and reclaims slots
// that have sat idle past a threshold. There is no teacher
// equivalent; grounded directly on spec.md's data-model prose.
package bufferpool

import (
	"errors"
	"sync"
	"time"
)

// ErrFlowControlActive is returned by Acquire once usage has crossed
// the pool's flow-control fraction of its memory cap.
var ErrFlowControlActive = errors.New("bufferpool: flow control active, acquire refused")

// slot is one pooled buffer plus its bookkeeping.
type slot struct {
	buf          []byte
	allocatedAt  time.Time
	lastAccessed time.Time
	refCount     int
	inUse        bool
}

// Pool is a fixed-slot allocator of slotSize-byte buffers.
type Pool struct {
	mu              sync.Mutex
	slotSize        int
	maxSlots        int
	flowFraction    float64
	slots           []*slot
	totalAllocated  int
	inUseCount      int
}

// New creates a Pool of at most maxSlots buffers of slotSize bytes
// each. flowControlFraction is the usage fraction (0,1] at or above
// which Acquire refuses new allocations; zero or negative disables the
// guard.
func New(slotSize, maxSlots int, flowControlFraction float64) *Pool {
	if flowControlFraction <= 0 {
		flowControlFraction = 1.0
	}
	return &Pool{
		slotSize:     slotSize,
		maxSlots:     maxSlots,
		flowFraction: flowControlFraction,
	}
}

// Acquire returns a buffer slot, or ErrFlowControlActive if memory
// usage has crossed the configured fraction of the cap and no
// existing free slot can be reused instead.
func (p *Pool) Acquire() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if !s.inUse {
			s.inUse = true
			s.refCount = 1
			s.lastAccessed = time.Now()
			p.inUseCount++
			return s.buf, nil
		}
	}

	usage := float64(len(p.slots)) / float64(p.maxSlots)
	if len(p.slots) >= p.maxSlots || usage >= p.flowFraction {
		return nil, ErrFlowControlActive
	}

	now := time.Now()
	s := &slot{
		buf:          make([]byte, p.slotSize),
		allocatedAt:  now,
		lastAccessed: now,
		refCount:     1,
		inUse:        true,
	}
	p.slots = append(p.slots, s)
	p.totalAllocated++
	p.inUseCount++
	return s.buf, nil
}

// Release returns buf to the available list. buf must have been
// returned by Acquire on the same Pool; unrecognized buffers are
// ignored.
func (p *Pool) Release(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if &s.buf[0] == &buf[0] {
			s.inUse = false
			s.refCount = 0
			s.lastAccessed = time.Now()
			if p.inUseCount > 0 {
				p.inUseCount--
			}
			return
		}
	}
}

// Cleanup reclaims slots that have been idle (not in use, and not
// accessed) for longer than idleThreshold, shrinking the pool.
func (p *Pool) Cleanup(idleThreshold time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.slots[:0]
	reclaimed := 0
	for _, s := range p.slots {
		if !s.inUse && now.Sub(s.lastAccessed) > idleThreshold {
			reclaimed++
			continue
		}
		kept = append(kept, s)
	}
	p.slots = kept
	return reclaimed
}

// Stats reports the pool's current allocation/usage snapshot.
type Stats struct {
	TotalAllocated int
	InUseCount     int
	MemoryBytes    int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalAllocated: p.totalAllocated,
		InUseCount:     p.inUseCount,
		MemoryBytes:    len(p.slots) * p.slotSize,
	}
}
