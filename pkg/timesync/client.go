// Package timesync implements the NTP-style four-timestamp time-sync
// client. It is strictly the requestor; the master is an external peer
// reached through the router's local-endpoint bus.
package timesync

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
)

// RequestPeriodMs is the default interval between sync requests,
// issued regardless of whether prior replies were received.
const RequestPeriodMs = 2000

// ClampMs bounds the accepted offset correction; anything larger is
// silently discarded as a spoof/bad-reply guard.
const ClampMs = 30_000

var ErrShortBuffer = errors.New("timesync: buffer too short")

// RequestPayloadSize is the encoded size of a sync request.
const RequestPayloadSize = 16 // u64 seq, u64 t1

// ReplyPayloadSize is the encoded size of a sync reply.
const ReplyPayloadSize = 32 // u64 seq, u64 t1, u64 t2, u64 t3

// Sender transmits the client's request payload; it is the router's
// packet-send path for the TIME_SYNC local endpoint.
type Sender func(payload []byte) error

// Clock is the monotonic clock the client corrects.
type Clock interface {
	NowMs() int64
	ApplyOffset(deltaMs int64)
}

// EncodeRequest serializes {seq, t1} little-endian.
func EncodeRequest(seq uint64, t1 int64) []byte {
	buf := make([]byte, RequestPayloadSize)
	binary.LittleEndian.PutUint64(buf[0:8], seq)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(t1))
	return buf
}

// DecodeRequest parses a request payload, for use on the master side of
// a test double.
func DecodeRequest(buf []byte) (seq uint64, t1 int64, err error) {
	if len(buf) < RequestPayloadSize {
		return 0, 0, ErrShortBuffer
	}
	seq = binary.LittleEndian.Uint64(buf[0:8])
	t1 = int64(binary.LittleEndian.Uint64(buf[8:16]))
	return seq, t1, nil
}

// EncodeReply serializes {seq, t1, t2, t3} little-endian.
func EncodeReply(seq uint64, t1, t2, t3 int64) []byte {
	buf := make([]byte, ReplyPayloadSize)
	binary.LittleEndian.PutUint64(buf[0:8], seq)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(t1))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(t2))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(t3))
	return buf
}

// DecodeReply parses a reply payload.
func DecodeReply(buf []byte) (seq uint64, t1, t2, t3 int64, err error) {
	if len(buf) < ReplyPayloadSize {
		return 0, 0, 0, 0, ErrShortBuffer
	}
	seq = binary.LittleEndian.Uint64(buf[0:8])
	t1 = int64(binary.LittleEndian.Uint64(buf[8:16]))
	t2 = int64(binary.LittleEndian.Uint64(buf[16:24]))
	t3 = int64(binary.LittleEndian.Uint64(buf[24:32]))
	return seq, t1, t2, t3, nil
}

// OffsetDelay computes the standard four-timestamp offset and one-way
// delay estimate. All arithmetic is signed 64-bit ms.
func OffsetDelay(t1, t2, t3, t4 int64) (offset, delay int64) {
	offset = ((t2 - t1) + (t3 - t4)) / 2
	delay = (t4 - t1) - (t3 - t2)
	if delay < 0 {
		delay = 0
	}
	return offset, delay
}

// Client is the requestor side of the exchange.
type Client struct {
	mu     sync.Mutex
	clock  Clock
	send   Sender
	logger *slog.Logger

	seq     uint64
	pending map[uint64]int64 // seq -> t1, for in-flight requests
}

// New creates a [Client] that corrects clock and transmits requests
// through send.
func New(clock Clock, send Sender) *Client {
	return &Client{
		clock:   clock,
		send:    send,
		logger:  slog.Default(),
		pending: make(map[uint64]int64),
	}
}

// SetLogger overrides the client's diagnostic logger.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// IssueRequest sends a new sync request, recording its seq and t1.
func (c *Client) IssueRequest() error {
	c.mu.Lock()
	t1 := c.clock.NowMs()
	seq := c.seq
	c.seq++
	c.pending[seq] = t1
	c.mu.Unlock()

	return c.send(EncodeRequest(seq, t1))
}

// HandleReply processes a reply payload. t4 is captured by the caller
// at the instant the reply handler is entered. A reply whose seq is
// still pending uses the t1 recorded when the request was issued; a
// reply whose seq is not pending (never issued here, already consumed,
// or stale) is still accepted, using the t1 carried in the reply.
func (c *Client) HandleReply(payload []byte, t4 int64) error {
	seq, t1Wire, t2, t3, err := DecodeReply(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	t1, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	} else {
		// Not tracked locally (e.g. client restarted); fall back to
		// the wire-carried t1 so the exchange still self-corrects.
		t1 = t1Wire
	}
	c.mu.Unlock()

	offset, _ := OffsetDelay(t1, t2, t3, t4)
	if offset < -ClampMs || offset > ClampMs {
		c.logger.Warn("time-sync offset out of range, discarding", "offset_ms", offset)
		return nil
	}
	c.clock.ApplyOffset(offset)
	c.logger.Debug("time-sync offset applied", "offset_ms", offset)
	return nil
}
