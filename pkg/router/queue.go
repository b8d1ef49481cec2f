package router

import (
	"sync"

	telemetrycore "github.com/samsamfire/telemetrycore"
	"github.com/samsamfire/telemetrycore/pkg/wire"
)

// QueueDepth is the default bounded capacity of the router's TX and RX
// queues.
const QueueDepth = 32

// entry is one queued packet, plus enough routing context to replay it
// through the TX or RX path later.
type entry struct {
	packet    wire.Packet
	srcSideID int // -1 if originless
}

// queue is a fixed-capacity circular FIFO with explicit read/write
// cursors and no allocation on the hot path. Enqueue on a full queue
// returns ErrQueueFull rather than blocking or growing; callers decide
// whether to drop or spin.
type queue struct {
	mu    sync.Mutex
	buf   []entry
	read  int
	write int
	count int
}

func newQueue(depth int) *queue {
	if depth <= 0 {
		depth = QueueDepth
	}
	return &queue{buf: make([]entry, depth)}
}

func (q *queue) push(e entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.buf) {
		return telemetrycore.ErrQueueFull
	}
	q.buf[q.write] = e
	q.write = (q.write + 1) % len(q.buf)
	q.count++
	return nil
}

func (q *queue) pop() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return entry{}, false
	}
	e := q.buf[q.read]
	q.read = (q.read + 1) % len(q.buf)
	q.count--
	return e, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
