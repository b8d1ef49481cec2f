// Package router implements the telemetry router core: side-aware
// ingress/egress, queued vs. synchronous log paths, local-endpoint
// dispatch, and Source/Sink/Relay forwarding.
package router

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	telemetrycore "github.com/samsamfire/telemetrycore"
	"github.com/samsamfire/telemetrycore/pkg/wire"
)

// Mode is the router's role.
type Mode uint8

const (
	ModeSource Mode = iota
	ModeSink
	ModeRelay
)

// GenericErrorType is the packet type used by LogError.
const GenericErrorType uint16 = 0xFFFF

// MaxErrorFormatLen bounds LogError output; longer strings are
// silently truncated.
const MaxErrorFormatLen = 512

// TypedSample is a single typed-logging request.
// ElementCount may be left zero, in which case it is derived from the
// payload length; a non-zero count must agree with ElementSize and the
// payload length.
type TypedSample struct {
	DataType     uint16
	ElementCount int
	ElementKind  wire.Kind
	ElementSize  int // bytes per element; ignored for strings
	Data         []byte
	TimestampMs  *int64 // nil: router stamps with NowMs()
	Queued       bool
}

// NowFunc returns the current monotonic millisecond timestamp.
type NowFunc func() int64

// Router is the aggregate owner of sides, local endpoints, and the two
// bounded TX/RX queues. A Router is built explicitly with [New]; no
// Router is created implicitly by a logging call, and nothing prevents
// several Routers from coexisting in one process.
type Router struct {
	mu     sync.Mutex
	mode   Mode
	now    NowFunc
	logger *slog.Logger

	sides     [MaxSides]*Side
	numSides  int
	endpoints [MaxEndpoints]*LocalEndpoint
	numEps    int

	tx *queue
	rx *queue

	schema   wire.Schema
	errCount uint64
}

// New creates a [Router] in the given mode, using now to stamp
// synchronous log calls and queued entries. Returns nil only if the
// caller-supplied now is nil (construction never allocates from the
// host heap in the firmware target; here it simply validates args).
func New(mode Mode, now NowFunc) *Router {
	if now == nil {
		return nil
	}
	return &Router{
		mode:   mode,
		now:    now,
		logger: slog.Default(),
		tx:     newQueue(QueueDepth),
		rx:     newQueue(QueueDepth),
	}
}

// SetLogger overrides the router's diagnostic logger.
func (r *Router) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetSchema wires in the schema-compiler type table the router
// checks typed and string payloads against. Nil disables the check
// (the default): callers with no schema get no SIZE_MISMATCH detection
// and no string pad/truncate.
func (r *Router) SetSchema(schema wire.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schema = schema
}

// Mode returns the router's role.
func (r *Router) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// AddSide registers a bus attachment and returns its stable side-id.
// Failure to add a side is non-fatal to the caller: the router still
// accepts logging calls and can receive, with side-tagged RX falling
// back to untagged.
func (r *Router) AddSide(name string, transmit TransmitFunc, user any, reliable bool) (uint8, error) {
	if len(name) == 0 || len(name) > MaxNameLen || transmit == nil {
		return 0, telemetrycore.ErrBadArg
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.numSides >= MaxSides {
		return 0, telemetrycore.ErrAlloc
	}
	id := uint8(r.numSides)
	r.sides[r.numSides] = &Side{Name: name, ID: id, transmit: transmit, user: user, ReliableEnabled: reliable}
	r.numSides++
	return id, nil
}

// AddLocalEndpoint registers a sink bound to tag. Registered at
// construction time in the firmware target; this module also allows
// later registration since the host has no ROM-table constraint.
func (r *Router) AddLocalEndpoint(ep LocalEndpoint) error {
	if ep.Handler == nil {
		return telemetrycore.ErrBadArg
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.numEps; i++ {
		if r.endpoints[i].Tag == ep.Tag {
			return telemetrycore.ErrBadArg
		}
	}
	if r.numEps >= MaxEndpoints {
		return telemetrycore.ErrAlloc
	}
	cp := ep
	r.endpoints[r.numEps] = &cp
	r.numEps++
	return nil
}

// Side looks up a previously-added side by its stable id. Returns
// ErrNotFound if no side was added with that id.
func (r *Router) Side(id uint8) (*Side, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= r.numSides {
		return nil, telemetrycore.ErrNotFound
	}
	return r.sides[id], nil
}

// Endpoint looks up a previously-registered local endpoint by tag.
// Returns ErrNotFound if no endpoint was registered under that tag.
func (r *Router) Endpoint(tag uint16) (*LocalEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep := r.endpointByTag(tag)
	if ep == nil {
		return nil, telemetrycore.ErrNotFound
	}
	return ep, nil
}

func (r *Router) endpointByTag(tag uint16) *LocalEndpoint {
	for i := 0; i < r.numEps; i++ {
		if r.endpoints[i].Tag == tag {
			return r.endpoints[i]
		}
	}
	return nil
}

// LogTyped serializes sample and either transmits it synchronously on
// every eligible side (Queued=false) or enqueues it on the TX queue
// (Queued=true). A side TX failure is counted locally and does not fail
// the call.
func (r *Router) LogTyped(sample TypedSample) error {
	if len(sample.Data) == 0 {
		return telemetrycore.ErrBadArg
	}
	if sample.ElementCount > 0 && sample.ElementCount*sample.ElementSize != len(sample.Data) {
		return telemetrycore.ErrBadArg
	}
	if err := r.checkSchema(sample.DataType, sample.ElementKind, len(sample.Data)); err != nil {
		return err
	}
	ts := r.stampOf(sample.TimestampMs)
	pkt := wire.Packet{
		Type:        sample.DataType,
		Kind:        sample.ElementKind,
		ElementSize: sample.ElementSize,
		TimestampMs: uint32(ts),
		Payload:     sample.Data,
	}
	return r.log(pkt, sample.Queued)
}

// checkSchema enforces the size-mismatch rule for non-string kinds: a
// wired schema's FixedSize must match the payload length
// exactly, or the call fails synchronously before any queuing or
// transmission is attempted. No schema wired means no check.
func (r *Router) checkSchema(dataType uint16, kind wire.Kind, payloadLen int) error {
	r.mu.Lock()
	schema := r.schema
	r.mu.Unlock()
	if schema == nil || kind == wire.KindString {
		return nil
	}
	entry, ok := schema(dataType)
	if !ok || entry.Kind != kind {
		return nil
	}
	if entry.FixedSize != payloadLen {
		return telemetrycore.ErrSizeMismatch
	}
	return nil
}

// LogTypedHeuristic infers element kind from element size the way the
// schema-compiler gap requires (4 or 8 bytes => FLOAT). Kept for
// callers migrating from a schema-less producer; prefer LogTyped with
// an explicit Kind.
//
// Deprecated: prefer LogTyped with an explicit ElementKind.
func (r *Router) LogTypedHeuristic(dataType uint16, data []byte, elementSize int, queued bool) error {
	kind := wire.KindUnsigned
	if elementSize == 4 || elementSize == 8 {
		kind = wire.KindFloat
	}
	return r.LogTyped(TypedSample{
		DataType:    dataType,
		ElementKind: kind,
		ElementSize: elementSize,
		Data:        data,
		Queued:      queued,
	})
}

// LogString serializes data as a KindString packet: no null
// terminator; the sink pads or truncates to its fixed width.
func (r *Router) LogString(dataType uint16, data []byte, timestampMs *int64, queued bool) error {
	data = r.padOrTruncateToSchema(dataType, data)
	ts := r.stampOf(timestampMs)
	pkt := wire.Packet{Type: dataType, Kind: wire.KindString, TimestampMs: uint32(ts), Payload: data}
	return r.log(pkt, queued)
}

// padOrTruncateToSchema recovers a size mismatch for string payloads by
// padding or truncating to the schema's fixed width, instead of
// surfacing ErrSizeMismatch the way a non-string kind does.
func (r *Router) padOrTruncateToSchema(dataType uint16, data []byte) []byte {
	r.mu.Lock()
	schema := r.schema
	r.mu.Unlock()
	if schema == nil {
		return data
	}
	entry, ok := schema(dataType)
	if !ok || entry.Kind != wire.KindString {
		return data
	}
	return wire.PadOrTruncate(data, entry.FixedSize)
}

// LogRaw transmits payload tagged with an arbitrary local-endpoint
// type, bypassing the typed-sample envelope rules. Used for protocol
// traffic that isn't a telemetry sample, such as the time-sync
// request/reply exchange.
func (r *Router) LogRaw(tag uint16, payload []byte, queued bool) error {
	pkt := wire.Packet{Type: tag, Kind: wire.KindUnsigned, ElementSize: 1, TimestampMs: uint32(r.now()), Payload: payload}
	return r.log(pkt, queued)
}

// LogTS is LogTyped with a required explicit timestamp.
func (r *Router) LogTS(sample TypedSample, timestampMs int64) error {
	sample.TimestampMs = &timestampMs
	return r.LogTyped(sample)
}

func (r *Router) stampOf(explicit *int64) int64 {
	if explicit != nil {
		return *explicit
	}
	return r.now()
}

func (r *Router) log(pkt wire.Packet, queued bool) error {
	if queued {
		return r.tx.push(entry{packet: pkt, srcSideID: -1})
	}
	return r.transmitSync(pkt, -1)
}

// transmitSync serializes pkt and attempts transmission on every
// eligible side, skipping originSideID when set (Relay forwarding must
// not re-emit to the originating side).
func (r *Router) transmitSync(pkt wire.Packet, originSideID int) error {
	buf, err := wire.Encode(pkt)
	if err != nil {
		return err
	}
	r.mu.Lock()
	sides := r.sides[:r.numSides]
	r.mu.Unlock()

	for _, s := range sides {
		if int(s.ID) == originSideID {
			continue
		}
		if err := s.send(buf); err != nil {
			r.mu.Lock()
			r.errCount++
			r.mu.Unlock()
			r.logger.Warn("side transmit failed", "side", s.Name, "err", err)
		}
	}
	return nil
}

// RxSerializedFromSide decodes one serialized packet that arrived from
// sideID (pass -1 for an originless packet) and dispatches it: to a
// registered local endpoint by tag, or - in Relay mode - forwarded to
// every other side. Unknown endpoint tags drop silently in Sink mode.
func (r *Router) RxSerializedFromSide(sideID int, raw []byte) error {
	pkt, err := wire.Decode(raw)
	if err != nil {
		return err
	}

	r.mu.Lock()
	mode := r.mode
	ep := r.endpointByTag(pkt.Type)
	r.mu.Unlock()

	if ep != nil {
		ep.Handler(PacketView{
			Type:        pkt.Type,
			Payload:     pkt.Payload,
			TimestampMs: int64(pkt.TimestampMs),
			SrcSideID:   sideID,
		})
		if ep.Serialized != nil {
			ep.Serialized(raw)
		}
		return nil
	}

	if mode == ModeRelay {
		return r.transmitSync(pkt, sideID)
	}
	// Sink (and Source, which does not sink unless addressed) drop
	// unknown tags silently.
	return nil
}

// EnqueueRX pushes a pre-decoded packet onto the RX queue.
func (r *Router) EnqueueRX(pkt wire.Packet, srcSideID int) error {
	return r.rx.push(entry{packet: pkt, srcSideID: srcSideID})
}

// ProcessRXQueue drains the RX queue, dispatching every entry exactly
// as RxSerializedFromSide would (re-encoding since the queue stores
// decoded entries for dispatch-time flexibility).
func (r *Router) ProcessRXQueue() error {
	for {
		e, ok := r.rx.pop()
		if !ok {
			return nil
		}
		if err := r.dispatchEntry(e); err != nil {
			r.logger.Warn("rx queue dispatch failed", "err", err)
		}
	}
}

func (r *Router) dispatchEntry(e entry) error {
	buf, err := wire.Encode(e.packet)
	if err != nil {
		return err
	}
	return r.RxSerializedFromSide(e.srcSideID, buf)
}

// ProcessTXQueue drains the TX queue, transmitting each entry
// synchronously on every eligible side.
func (r *Router) ProcessTXQueue() error {
	for {
		e, ok := r.tx.pop()
		if !ok {
			return nil
		}
		_ = r.transmitSync(e.packet, e.srcSideID)
	}
}

// ProcessRXQueueWithTimeout drains the RX queue until empty or deadline
// elapses.
func (r *Router) ProcessRXQueueWithTimeout(d time.Duration) error {
	return r.processWithTimeout(d, r.rx, func(e entry) { _ = r.dispatchEntry(e) })
}

// ProcessTXQueueWithTimeout drains the TX queue until empty or deadline
// elapses.
func (r *Router) ProcessTXQueueWithTimeout(d time.Duration) error {
	return r.processWithTimeout(d, r.tx, func(e entry) { _ = r.transmitSync(e.packet, e.srcSideID) })
}

func (r *Router) processWithTimeout(d time.Duration, q *queue, handle func(entry)) error {
	deadline := time.Now().Add(d)
	for {
		e, ok := q.pop()
		if !ok {
			return nil
		}
		handle(e)
		if time.Now().After(deadline) {
			return nil
		}
	}
}

// ProcessAllQueuesWithTimeout interleaves RX and TX processing fairly,
// alternating pops until either both queues are empty or the deadline
// elapses.
func (r *Router) ProcessAllQueuesWithTimeout(d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		rxEntry, rxOK := r.rx.pop()
		if rxOK {
			_ = r.dispatchEntry(rxEntry)
		}
		txEntry, txOK := r.tx.pop()
		if txOK {
			_ = r.transmitSync(txEntry.packet, txEntry.srcSideID)
		}
		if !rxOK && !txOK {
			return nil
		}
		if time.Now().After(deadline) {
			return nil
		}
	}
}

// LogError serializes a fmt-style formatted string, capped and silently
// truncated at [MaxErrorFormatLen] bytes, into a GENERIC_ERROR packet.
func (r *Router) LogError(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if len(msg) > MaxErrorFormatLen {
		msg = msg[:MaxErrorFormatLen]
	}
	return r.LogString(GenericErrorType, []byte(msg), nil, false)
}

// Die logs an unrecoverable-startup-style message. This module runs
// hosted rather than as bare-metal firmware, so Die logs at error level
// and returns instead of spinning forever or panicking the calling
// goroutine; callers that need firmware-style "never returns" semantics
// should loop on it themselves.
func (r *Router) Die(format string, args ...any) {
	r.logger.Error("fatal: " + fmt.Sprintf(format, args...))
}

// Stats is a read-only snapshot of router state.
type Stats struct {
	NumSides     int
	NumEndpoints int
	RXQueueLen   int
	TXQueueLen   int
	ErrCount     uint64
}

// Stats returns a snapshot of the router's current state.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		NumSides:     r.numSides,
		NumEndpoints: r.numEps,
		RXQueueLen:   r.rx.len(),
		TXQueueLen:   r.tx.len(),
		ErrCount:     r.errCount,
	}
}
