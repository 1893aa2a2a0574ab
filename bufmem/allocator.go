// Package bufmem provides the outbound write buffers used by the framing
// layer.
//
// Buffers are handed out by an Allocator, filled by exactly one writer, and
// released once the transport has consumed them. An Allocator is configured
// with a (min, max) capacity range; callers pass a capacity hint and receive
// a buffer whose capacity is clamped into that range. The max bound is what
// forces large messages to be split across several deliveries.
package bufmem

import "sync"

// Buffer is a fixed-capacity outbound write buffer. It is owned by a single
// writer until it is delivered, after which ownership passes to the consumer,
// which releases it with Free.
type Buffer struct {
	data []byte
	pool *sync.Pool
}

// Write appends p to the buffer and returns the number of bytes written,
// which is limited by the remaining capacity.
func (b *Buffer) Write(p []byte) int {
	n := copy(b.data[len(b.data):cap(b.data)], p)
	b.data = b.data[:len(b.data)+n]
	return n
}

// WriteByte appends a single byte. It reports false if the buffer is full.
func (b *Buffer) WriteByte(c byte) bool {
	if b.Writable() == 0 {
		return false
	}
	b.data = append(b.data, c)
	return true
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int { return len(b.data) }

// Writable returns the remaining capacity.
func (b *Buffer) Writable() int { return cap(b.data) - len(b.data) }

// Bytes returns the written bytes. The slice is valid until Free is called.
func (b *Buffer) Bytes() []byte { return b.data }

// Free returns the buffer to its allocator. After Free the buffer must not
// be touched again.
func (b *Buffer) Free() {
	if b.pool != nil {
		b.data = b.data[:0]
		b.pool.Put(b)
	}
}

// Allocator hands out outbound buffers. Implementations clamp the capacity
// hint into their configured bounds.
type Allocator interface {
	// Allocate returns an empty buffer whose capacity is the hint clamped
	// into the allocator's (min, max) range.
	Allocate(capacityHint int) *Buffer

	// MaxCapacity returns the upper capacity bound, the largest single
	// delivery the allocator will ever produce.
	MaxCapacity() int
}

// SimpleAllocator allocates a fresh buffer per call, capacity clamped into
// [Min, Max]. Zero-value bounds fall back to defaults.
type SimpleAllocator struct {
	Min int
	Max int
}

// Default buffer bounds, matching common datagram transport limits.
const (
	DefaultMinBufferSize = 4 * 1024
	DefaultMaxBufferSize = 16 * 1024
)

// NewSimpleAllocator returns an allocator producing buffers with capacities
// clamped into [min, max].
func NewSimpleAllocator(min, max int) *SimpleAllocator {
	if min <= 0 {
		min = DefaultMinBufferSize
	}
	if max < min {
		max = min
	}
	return &SimpleAllocator{Min: min, Max: max}
}

func (a *SimpleAllocator) Allocate(capacityHint int) *Buffer {
	return &Buffer{data: make([]byte, 0, a.clamp(capacityHint))}
}

func (a *SimpleAllocator) MaxCapacity() int { return a.Max }

func (a *SimpleAllocator) clamp(hint int) int {
	if hint < a.Min {
		return a.Min
	}
	if hint > a.Max {
		return a.Max
	}
	return hint
}

// PooledAllocator recycles buffers through a sync.Pool. All buffers it hands
// out have the max capacity, so the pool stays homogeneous; the hint only
// matters for the clamp check.
type PooledAllocator struct {
	max  int
	pool sync.Pool
}

// NewPooledAllocator returns a pooling allocator producing buffers of
// capacity max.
func NewPooledAllocator(max int) *PooledAllocator {
	if max <= 0 {
		max = DefaultMaxBufferSize
	}
	a := &PooledAllocator{max: max}
	a.pool.New = func() any {
		return &Buffer{data: make([]byte, 0, a.max), pool: &a.pool}
	}
	return a
}

func (a *PooledAllocator) Allocate(capacityHint int) *Buffer {
	return a.pool.Get().(*Buffer)
}

func (a *PooledAllocator) MaxCapacity() int { return a.max }
