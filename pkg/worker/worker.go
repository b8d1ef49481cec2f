// Package worker implements the single cooperative processing loop that
// ties the ring, reassembly table, subscriber fanout, router, and
// time-sync client together: no goroutine per concern, one Tick driven
// by an external scheduler or a ticker loop, non-blocking throughout.
package worker

import (
	"log/slog"
	"time"

	telemetrycore "github.com/samsamfire/telemetrycore"
	"github.com/samsamfire/telemetrycore/pkg/fragment"
	"github.com/samsamfire/telemetrycore/pkg/reassembly"
	"github.com/samsamfire/telemetrycore/pkg/ring"
	"github.com/samsamfire/telemetrycore/pkg/router"
	"github.com/samsamfire/telemetrycore/pkg/subscriber"
	"github.com/samsamfire/telemetrycore/pkg/timesync"
	"github.com/samsamfire/telemetrycore/pkg/wire"
)

// QueueTimeout bounds each Tick's router queue processing: a few
// milliseconds, never unbounded.
const QueueTimeout = 5 * time.Millisecond

// TimeSyncPeriod is how often Tick issues a new time-sync request.
const TimeSyncPeriod = 2 * time.Second

// Worker owns one Tick of the on-node processing loop: drain the CAN RX
// ring into the reassembly table and subscriber fanout, process the
// router's bounded queues under a timeout, drain the ring a second time
// to bound producer-side backpressure, then issue a time-sync request
// on its own cadence.
type Worker struct {
	ring   *ring.Ring
	table  *reassembly.Table
	subs   *subscriber.Registry
	rtr    *router.Router
	sync   *timesync.Client
	pool   *telemetrycore.Pool
	sideID int
	nowMs  func() int64
	logger *slog.Logger

	lastSyncAt time.Time
}

// Config collects a Worker's collaborators. Sync may be nil if
// time-sync is not wired for this node. Pool is optional: when set, it
// backs the reassembly table's completed-message allocations. SideID
// identifies which router [router.Side] this worker's ring is fed
// from, so reassembled/raw messages that decode as a [wire.Packet] can
// be forwarded into the router's RX path tagged with their origin.
type Config struct {
	Ring        *ring.Ring
	Table       *reassembly.Table
	Subscribers *subscriber.Registry
	Router      *router.Router
	Sync        *timesync.Client
	Pool        *telemetrycore.Pool
	SideID      int
	NowMs       func() int64
}

// New creates a [Worker] from cfg. Ring, Table, Subscribers, and Router
// are required; Sync and Pool are optional.
func New(cfg Config) (*Worker, error) {
	if cfg.Ring == nil || cfg.Table == nil || cfg.Subscribers == nil || cfg.Router == nil || cfg.NowMs == nil {
		return nil, telemetrycore.ErrBadArg
	}
	if cfg.Pool != nil {
		cfg.Table.SetPool(cfg.Pool)
	}
	return &Worker{
		ring:   cfg.Ring,
		table:  cfg.Table,
		subs:   cfg.Subscribers,
		rtr:    cfg.Router,
		sync:   cfg.Sync,
		pool:   cfg.Pool,
		sideID: cfg.SideID,
		nowMs:  cfg.NowMs,
		logger: slog.Default(),
	}, nil
}

// SetLogger overrides the worker's diagnostic logger.
func (w *Worker) SetLogger(logger *slog.Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// Tick runs one full iteration of the processing loop. It never blocks
// longer than QueueTimeout plus the cost of draining whatever is
// already queued in the ring; callers drive it from a ticker or a
// tight loop with its own idle sleep.
func (w *Worker) Tick() {
	w.drainRing()
	if err := w.rtr.ProcessAllQueuesWithTimeout(QueueTimeout); err != nil {
		w.logger.Warn("queue processing error", "err", err)
	}
	w.drainRing()
	w.maybeIssueTimeSync()
}

// drainRing pops every pending CAN frame out of the ring, feeding
// fragments to the reassembly table and completed messages to the
// subscriber fanout. Non-fragment frames (raw, single-frame messages)
// are notified directly. Every buffer handed to subscribers is also
// offered to the router's RX path; buffers that do not decode as a
// [wire.Packet] are left to the subscriber registry alone.
func (w *Worker) drainRing() {
	now := time.Now()
	w.table.Sweep(now)

	for {
		slot, ok := w.ring.Pop()
		if !ok {
			return
		}
		raw := slot.Data[:slot.Len]

		if !fragment.IsFragment(raw) {
			w.subs.Notify(raw)
			w.forwardToRouter(raw)
			continue
		}

		msg, err := w.table.Accept(slot.ID, raw, now)
		if err != nil {
			w.logger.Warn("fragment rejected", "id", slot.ID, "err", err)
			continue
		}
		if msg != nil {
			w.subs.Notify(msg)
			w.forwardToRouter(msg)
			w.releaseMessage(msg)
		}
	}
}

// forwardToRouter decodes buf as a [wire.Packet] and enqueues it on the
// router's RX queue tagged with this worker's side id. Decode failure
// means buf is raw, non-envelope traffic (e.g. a plain telemetry blob
// with no packet header); that is not an error, it is simply not
// forwarded to the router.
func (w *Worker) forwardToRouter(buf []byte) {
	pkt, err := wire.Decode(buf)
	if err != nil {
		return
	}
	if err := w.rtr.EnqueueRX(pkt, w.sideID); err != nil {
		w.logger.Warn("router rx enqueue failed", "err", err)
	}
}

// releaseMessage returns a reassembled message's buffer to the pool,
// completing the Get the reassembly table made to produce it. No-op if
// no pool is wired.
func (w *Worker) releaseMessage(msg []byte) {
	if w.pool != nil {
		w.pool.Put(len(msg))
	}
}

// maybeIssueTimeSync issues a new time-sync request if TimeSyncPeriod
// has elapsed since the last one and a sync client is wired.
func (w *Worker) maybeIssueTimeSync() {
	if w.sync == nil {
		return
	}
	now := time.Now()
	if w.lastSyncAt.IsZero() || now.Sub(w.lastSyncAt) >= TimeSyncPeriod {
		w.lastSyncAt = now
		if err := w.sync.IssueRequest(); err != nil {
			w.logger.Warn("time-sync request failed", "err", err)
		}
	}
}

// HandleTimeSyncReply forwards a decoded reply payload into the
// time-sync client, stamping it with nowMs() as t4. No-op if no sync
// client is wired.
func (w *Worker) HandleTimeSyncReply(payload []byte) error {
	if w.sync == nil {
		return nil
	}
	return w.sync.HandleReply(payload, w.nowMs())
}
