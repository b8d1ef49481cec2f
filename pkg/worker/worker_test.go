package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetrycore "github.com/samsamfire/telemetrycore"
	"github.com/samsamfire/telemetrycore/pkg/fragment"
	"github.com/samsamfire/telemetrycore/pkg/reassembly"
	"github.com/samsamfire/telemetrycore/pkg/ring"
	"github.com/samsamfire/telemetrycore/pkg/router"
	"github.com/samsamfire/telemetrycore/pkg/subscriber"
	"github.com/samsamfire/telemetrycore/pkg/timesync"
	"github.com/samsamfire/telemetrycore/pkg/wire"
)

func newTestWorker(t *testing.T) (*Worker, *ring.Ring, *subscriber.Registry) {
	t.Helper()
	r := ring.New(64)
	tbl := reassembly.New()
	subs := subscriber.New()
	rtr := router.New(router.ModeSink, func() int64 { return 0 })

	w, err := New(Config{
		Ring:        r,
		Table:       tbl,
		Subscribers: subs,
		Router:      rtr,
		NowMs:       func() int64 { return 0 },
	})
	require.NoError(t, err)
	return w, r, subs
}

func TestTickReassemblesFragmentedMessageAndNotifies(t *testing.T) {
	w, r, subs := newTestWorker(t)

	var got []byte
	require.NoError(t, subs.Subscribe(func(buf []byte, user any) {
		got = append([]byte(nil), buf...)
	}, "sink"))

	payload := make([]byte, 150)
	for i := range payload {
		payload[i] = byte(i)
	}
	frames, err := fragment.Split(payload, 1)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	for _, f := range frames {
		raw := fragment.Marshal(f)
		slot := ring.Slot{ID: 0x100, Len: uint8(len(raw))}
		copy(slot.Data[:], raw)
		evicted := r.Push(slot)
		require.False(t, evicted)
	}

	w.Tick()

	assert.Equal(t, payload, got)
}

func TestTickNotifiesRawNonFragmentFramesDirectly(t *testing.T) {
	w, r, subs := newTestWorker(t)

	var got []byte
	require.NoError(t, subs.Subscribe(func(buf []byte, user any) {
		got = append([]byte(nil), buf...)
	}, "sink"))

	// 16 bytes, long enough to hold a fragment header, but the leading
	// u16 is not the fragment magic: delivered raw, untouched.
	raw := make([]byte, 16)
	for i := range raw {
		raw[i] = byte(i)
	}
	slot := ring.Slot{ID: 0x100, Len: uint8(len(raw))}
	copy(slot.Data[:], raw)
	r.Push(slot)

	w.Tick()

	assert.Equal(t, raw, got)
}

func TestTickNotifiesShortRawFrameDirectly(t *testing.T) {
	w, r, subs := newTestWorker(t)

	var got []byte
	require.NoError(t, subs.Subscribe(func(buf []byte, user any) {
		got = append([]byte(nil), buf...)
	}, "sink"))

	raw := []byte{0xAA, 0xBB, 0xCC}
	slot := ring.Slot{ID: 1, Len: uint8(len(raw))}
	copy(slot.Data[:], raw)
	r.Push(slot)

	w.Tick()

	assert.Equal(t, raw, got)
}

func TestTickForwardsDecodedPacketToLocalEndpoint(t *testing.T) {
	r := ring.New(64)
	tbl := reassembly.New()
	subs := subscriber.New()
	rtr := router.New(router.ModeSink, func() int64 { return 0 })

	const sideID = 3
	var gotPayload []byte
	require.NoError(t, rtr.AddLocalEndpoint(router.LocalEndpoint{
		Tag: 42,
		Handler: func(pkt router.PacketView) {
			gotPayload = pkt.Payload
			assert.Equal(t, sideID, pkt.SrcSideID)
		},
	}))

	w, err := New(Config{
		Ring:        r,
		Table:       tbl,
		Subscribers: subs,
		Router:      rtr,
		SideID:      sideID,
		NowMs:       func() int64 { return 0 },
	})
	require.NoError(t, err)

	buf, err := wire.Encode(wire.Packet{Type: 42, Kind: wire.KindUnsigned, ElementSize: 1, Payload: []byte{7, 8, 9}})
	require.NoError(t, err)
	slot := ring.Slot{ID: 0x200, Len: uint8(len(buf))}
	copy(slot.Data[:], buf)
	r.Push(slot)

	w.Tick()

	assert.Equal(t, []byte{7, 8, 9}, gotPayload)
}

func TestTickReleasesPooledReassemblyBufferAfterNotify(t *testing.T) {
	r := ring.New(64)
	tbl := reassembly.New()
	subs := subscriber.New()
	rtr := router.New(router.ModeSink, func() int64 { return 0 })
	pool := telemetrycore.NewPool(1024)

	w, err := New(Config{
		Ring:        r,
		Table:       tbl,
		Subscribers: subs,
		Router:      rtr,
		Pool:        pool,
		NowMs:       func() int64 { return 0 },
	})
	require.NoError(t, err)

	payload := make([]byte, 150)
	frames, err := fragment.Split(payload, 2)
	require.NoError(t, err)
	for _, f := range frames {
		raw := fragment.Marshal(f)
		slot := ring.Slot{ID: 0x100, Len: uint8(len(raw))}
		copy(slot.Data[:], raw)
		r.Push(slot)
	}

	w.Tick()

	_, inUse := pool.Stats()
	assert.Equal(t, 0, inUse, "worker must release the pooled buffer once subscribers/router are done with it")
}

func TestTickIssuesTimeSyncOnPeriod(t *testing.T) {
	r := ring.New(16)
	tbl := reassembly.New()
	subs := subscriber.New()
	rtr := router.New(router.ModeSink, func() int64 { return 0 })

	var sent int
	client := timesync.New(fakeSyncClock{}, func(payload []byte) error {
		sent++
		return nil
	})

	w, err := New(Config{
		Ring:        r,
		Table:       tbl,
		Subscribers: subs,
		Router:      rtr,
		Sync:        client,
		NowMs:       func() int64 { return 0 },
	})
	require.NoError(t, err)

	w.Tick()
	assert.Equal(t, 1, sent, "first tick must issue a time-sync request")

	w.Tick()
	assert.Equal(t, 1, sent, "second tick within the period must not re-issue")

	w.lastSyncAt = time.Now().Add(-TimeSyncPeriod - time.Millisecond)
	w.Tick()
	assert.Equal(t, 2, sent, "tick after the period elapses must issue again")
}

type fakeSyncClock struct{}

func (fakeSyncClock) NowMs() int64            { return 0 }
func (fakeSyncClock) ApplyOffset(delta int64) {}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestHandleTimeSyncReplyNoopWithoutClient(t *testing.T) {
	w, _, _ := newTestWorker(t)
	assert.NoError(t, w.HandleTimeSyncReply([]byte{1, 2, 3}))
}
