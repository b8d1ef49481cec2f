// Package ring implements the lock-free SPSC frame ring between the CAN
// RX ISR (producer) and the telemetry worker (consumer).
package ring

import (
	"log/slog"
	"sync/atomic"
)

// SlotPayloadSize is the fixed payload capacity of a [Slot].
const SlotPayloadSize = 64

// DefaultCapacity is the default ring depth. Must stay a power of two.
const DefaultCapacity = 64

// Slot is one fixed 64-byte ring element.
type Slot struct {
	ID   uint32
	Len  uint8
	Data [SlotPayloadSize]byte
}

// Ring is a power-of-two-capacity circular buffer with a single
// producer and a single consumer: Push never blocks and evicts the
// oldest slot on overflow (drop-oldest); Pop pairs an acquire read of
// head against the producer's release write.
//
// head and tail are free-running cursors (never wrapped to the array
// bounds directly; the array index is cursor & mask), following the
// same cursor/index-mask split as a Disruptor-style ring: it lets the
// ring hold exactly capacity slots without sacrificing one slot to
// disambiguate full from empty.
//
// head is producer-owned, tail is consumer-owned; Push may additionally
// advance tail itself when full, which is the one case where the
// "owned by" rule is relaxed — the producer is the only writer in that
// path and Pop tolerates tail moving underneath it.
type Ring struct {
	slots    []Slot
	mask     uint32
	capacity uint32
	head     atomic.Uint32
	tail     atomic.Uint32
	overflow atomic.Uint64
	logger   *slog.Logger
}

// New creates a [Ring] with the given capacity, which must be a power
// of two; non-power-of-two values are rounded up. capacity <= 0 uses
// [DefaultCapacity].
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	capacity = nextPowerOfTwo(capacity)
	return &Ring{
		slots:    make([]Slot, capacity),
		mask:     uint32(capacity - 1),
		capacity: uint32(capacity),
		logger:   slog.Default(),
	}
}

// SetLogger overrides the ring's diagnostic logger.
func (r *Ring) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Cap returns the ring's slot capacity.
func (r *Ring) Cap() int { return len(r.slots) }

// Push writes slot into the ring. Called from the producer (the bus RX
// ISR) only. If the ring is full, the oldest unread slot is dropped to
// make room — freshness over completeness, and the producer must never
// block. Returns true if an existing slot was evicted to make room.
func (r *Ring) Push(slot Slot) (evicted bool) {
	head := r.head.Load()
	tail := r.tail.Load()

	if head-tail == r.capacity {
		// Full: evict oldest by advancing tail past it.
		r.tail.Store(tail + 1)
		r.overflow.Add(1)
		evicted = true
	}

	r.slots[head&r.mask] = slot
	// Release: publish the write before advancing head so Pop's
	// acquire load is guaranteed to see the slot contents.
	r.head.Store(head + 1)
	if evicted {
		r.logger.Warn("ring overflow, dropped oldest frame", "capacity", r.capacity)
	}
	return evicted
}

// Pop removes and returns the oldest slot. Called from the consumer
// (the worker) only. ok is false if the ring is empty.
func (r *Ring) Pop() (slot Slot, ok bool) {
	tail := r.tail.Load()
	// Acquire: head is loaded after observing it differs from tail, so
	// any slot write published before Push's head store is visible.
	head := r.head.Load()
	if head == tail {
		return Slot{}, false
	}
	slot = r.slots[tail&r.mask]
	r.tail.Store(tail + 1)
	return slot, true
}

// Len returns the number of slots currently occupied. Approximate when
// called concurrently with Push, exact when called from the consumer
// between Pop calls.
func (r *Ring) Len() int {
	head := r.head.Load()
	tail := r.tail.Load()
	return int(head - tail)
}

// Overflow returns the cumulative count of slots dropped to make room
// for a newer frame.
func (r *Ring) Overflow() uint64 {
	return r.overflow.Load()
}
