// Package clockext extends a wrapping 32-bit hardware tick counter into
// a monotonic 64-bit millisecond clock, and applies the bounded offset
// corrections produced by the time-sync client.
package clockext

import "sync"

// TickSource is the board-support collaborator: a free-running,
// wrapping tick counter plus its frequency.
type TickSource interface {
	Ticks() uint32
	TicksPerSecond() uint32
}

// Clock extends TickSource's 32-bit wrapping counter into a 64-bit
// millisecond timestamp and layers a signed offset on top, adjusted by
// the time-sync client. The extension requires Ticks() to be observed
// more often than the 32-bit wrap period; the worker's >=1Hz cadence
// satisfies this, and any long sleep that violates it corrupts the
// clock.
type Clock struct {
	mu       sync.Mutex
	source   TickSource
	lastTick uint32
	highPart uint64
	offsetMs int64
}

// New creates a [Clock] over the given tick source.
func New(source TickSource) *Clock {
	return &Clock{source: source}
}

// NowMs returns the current corrected monotonic millisecond timestamp.
func (c *Clock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	tick := c.source.Ticks()
	if tick < c.lastTick {
		c.highPart += 1 << 32
	}
	c.lastTick = tick

	ticks64 := c.highPart + uint64(tick)
	tps := uint64(c.source.TicksPerSecond())
	if tps == 0 {
		tps = 1
	}
	baseMs := int64((ticks64 * 1000) / tps)
	return baseMs + c.offsetMs
}

// ApplyOffset nudges the clock's base offset by deltaMs. Clock
// adjustment is always a base-offset update, never a step back to a
// negative absolute time.
func (c *Clock) ApplyOffset(deltaMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsetMs += deltaMs
}

// Offset returns the clock's current cumulative correction in ms.
func (c *Clock) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsetMs
}
