// Package reassembly implements the bounded multi-slot reassembly table
// that turns incoming fragments back into whole messages.
package reassembly

import (
	"log/slog"
	"sync"
	"time"

	telemetrycore "github.com/samsamfire/telemetrycore"
	"github.com/samsamfire/telemetrycore/pkg/fragment"
)

// NumSlots is the fixed number of concurrent in-progress reassemblies.
const NumSlots = 4

// MaxFrags is the largest fragment count a slot can track, sized for a
// 64-bit bitmap (CAN_BUS_REASM_MAX_FRAGS).
const MaxFrags = 64

// StaleTimeout is how long a slot may sit without an accepted fragment
// before it is reset.
const StaleTimeout = 250 * time.Millisecond

type state uint8

const (
	stateFree state = iota
	stateCollecting
)

// slot owns one in-progress reassembly.
type slot struct {
	state        state
	stdID        uint32
	seq          uint8
	fragCnt      uint8
	totalLen     uint16
	dataCap      int
	gotCount     int
	bitmap       uint64
	buf          [fragment.MaxTotalLen]byte
	lastActivity time.Time
}

func (s *slot) reset() {
	s.state = stateFree
	s.stdID = 0
	s.seq = 0
	s.fragCnt = 0
	s.totalLen = 0
	s.dataCap = 0
	s.gotCount = 0
	s.bitmap = 0
}

// Table is the fixed 4-slot reassembly table. One Table is owned by a
// single CAN driver/worker; it is not safe for concurrent use from more
// than one goroutine.
type Table struct {
	mu     sync.Mutex
	slots  [NumSlots]slot
	logger *slog.Logger
	pool   *telemetrycore.Pool
}

// New creates an empty [Table].
func New() *Table {
	return &Table{logger: slog.Default()}
}

// SetLogger overrides the table's diagnostic logger.
func (t *Table) SetLogger(logger *slog.Logger) {
	if logger != nil {
		t.logger = logger
	}
}

// SetPool wires the bounded byte pool that Accept allocates a
// completed message's buffer from. Nil (the default) falls back to a
// plain make — this is the one genuinely repeated per-message
// allocation in the design, so it is the pool's primary consumer.
func (t *Table) SetPool(pool *telemetrycore.Pool) {
	t.pool = pool
}

// Sweep resets any slot that has not accepted a fragment for longer
// than [StaleTimeout]. Call once per frame processed, before Accept.
func (t *Table) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(now)
}

func (t *Table) sweepLocked(now time.Time) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.state == stateCollecting && now.Sub(s.lastActivity) > StaleTimeout {
			t.logger.Debug("reassembly slot stale, resetting", "index", i, "std_id", s.stdID)
			s.reset()
		}
	}
}

// Accept processes one raw frame payload carrying a fragment header. It
// returns the reassembled message when the fragment completed it, nil
// otherwise. err is non-nil for a structurally invalid header, a
// frag_cnt/total_len mismatch against a re-entered slot, or pool
// exhaustion when allocating the completed message.
func (t *Table) Accept(stdID uint32, raw []byte, now time.Time) (message []byte, err error) {
	h, err := fragment.Decode(raw)
	if err != nil {
		return nil, err
	}
	payload := raw[fragment.HeaderSize:]

	if err := h.Validate(); err != nil {
		return nil, err
	}
	if int(h.FragCnt) > MaxFrags {
		return nil, fragment.ErrBadField
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepLocked(now)

	s, err := t.locateSlot(stdID, h, len(payload))
	if err != nil {
		return nil, err
	}

	off := int(h.FragIdx) * s.dataCap
	if off >= int(s.totalLen) {
		return nil, fragment.ErrBadField
	}
	take := len(payload)
	if off+take > int(s.totalLen) {
		take = int(s.totalLen) - off
	}

	bit := uint64(1) << h.FragIdx
	if s.bitmap&bit == 0 {
		s.bitmap |= bit
		s.gotCount++
		copy(s.buf[off:off+take], payload[:take])
	}
	s.lastActivity = now

	if s.gotCount == int(s.fragCnt) {
		out, err := t.allocMessage(int(s.totalLen))
		if err != nil {
			t.logger.Warn("pool exhausted, dropping completed message", "std_id", stdID)
			s.reset()
			return nil, err
		}
		copy(out, s.buf[:s.totalLen])
		s.reset()
		return out, nil
	}
	return nil, nil
}

// allocMessage returns a buffer of n bytes, drawing from the pool when
// one is wired and falling back to a plain make otherwise.
func (t *Table) allocMessage(n int) ([]byte, error) {
	if t.pool == nil {
		return make([]byte, n), nil
	}
	return t.pool.Get(n)
}

// locateSlot finds or claims the slot for this (stdID, seq): an active
// slot with a matching id wins, then any free slot, then the stalest
// active slot is evicted. Caller holds t.mu.
func (t *Table) locateSlot(stdID uint32, h fragment.Header, payloadLen int) (*slot, error) {
	// 1. Active slot with matching std_id.
	for i := range t.slots {
		s := &t.slots[i]
		if s.state == stateCollecting && s.stdID == stdID {
			if s.seq != h.Seq {
				s.reset()
				break
			}
			if s.fragCnt != h.FragCnt || s.totalLen != h.TotalLen {
				s.reset()
				return nil, fragment.ErrBadField
			}
			return s, nil
		}
	}

	// 2. Any FREE slot.
	for i := range t.slots {
		s := &t.slots[i]
		if s.state == stateFree {
			return t.claim(s, stdID, h, payloadLen), nil
		}
	}

	// 3. Evict the oldest (largest now-lastActivity).
	oldest := &t.slots[0]
	for i := range t.slots {
		if t.slots[i].lastActivity.Before(oldest.lastActivity) {
			oldest = &t.slots[i]
		}
	}
	t.logger.Debug("reassembly table full, evicting oldest slot", "std_id", oldest.stdID)
	return t.claim(oldest, stdID, h, payloadLen), nil
}

func (t *Table) claim(s *slot, stdID uint32, h fragment.Header, payloadLen int) *slot {
	s.reset()
	s.state = stateCollecting
	s.stdID = stdID
	s.seq = h.Seq
	s.fragCnt = h.FragCnt
	s.totalLen = h.TotalLen
	s.dataCap = payloadLen
	return s
}
