package reassembly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetrycore "github.com/samsamfire/telemetrycore"
	"github.com/samsamfire/telemetrycore/pkg/fragment"
)

func buildFrames(t *testing.T, payload []byte, seq uint8) [][]byte {
	t.Helper()
	frames, err := fragment.Split(payload, seq)
	require.NoError(t, err)
	raw := make([][]byte, len(frames))
	for i, f := range frames {
		raw[i] = fragment.Marshal(f)
	}
	return raw
}

func TestInOrderReassembly(t *testing.T) {
	payload := make([]byte, 150)
	for i := range payload {
		payload[i] = byte(i)
	}
	raw := buildFrames(t, payload, 5)

	tbl := New()
	now := time.Now()
	var got []byte
	for _, r := range raw {
		msg, err := tbl.Accept(0x300, r, now)
		require.NoError(t, err)
		if msg != nil {
			got = msg
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, payload, got)
}

func TestOutOfOrderReassembly(t *testing.T) {
	payload := make([]byte, 150)
	for i := range payload {
		payload[i] = byte(200 - i)
	}
	raw := buildFrames(t, payload, 9)
	order := []int{2, 0, 1}

	tbl := New()
	now := time.Now()
	var got []byte
	for _, idx := range order {
		msg, err := tbl.Accept(0x300, raw[idx], now)
		require.NoError(t, err)
		if msg != nil {
			got = msg
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, payload, got)
}

func TestDuplicateFragmentIsIdempotent(t *testing.T) {
	payload := make([]byte, 150)
	raw := buildFrames(t, payload, 1)

	tbl := New()
	now := time.Now()
	msg, err := tbl.Accept(0x300, raw[0], now)
	require.NoError(t, err)
	assert.Nil(t, msg)

	// Re-deliver frame 0, should not corrupt state or double count.
	msg, err = tbl.Accept(0x300, raw[0], now)
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = tbl.Accept(0x300, raw[1], now)
	require.NoError(t, err)
	msg2, err := tbl.Accept(0x300, raw[2], now)
	require.NoError(t, err)
	assert.Nil(t, msg)
	require.NotNil(t, msg2)
	assert.Equal(t, payload, msg2)
}

func TestStaleSlotExpiresAndIsReclaimed(t *testing.T) {
	payload := make([]byte, 150)
	raw := buildFrames(t, payload, 3)

	tbl := New()
	start := time.Now()
	msg, err := tbl.Accept(0x300, raw[0], start)
	require.NoError(t, err)
	assert.Nil(t, msg)

	later := start.Add(300 * time.Millisecond)
	msg, err = tbl.Accept(0x300, raw[1], later)
	require.NoError(t, err)
	// Frame 0 should have been evicted by the staleness sweep; frame 1
	// alone (frag_idx=1, not 0) is accepted into a freshly claimed slot
	// but the message is not complete.
	assert.Nil(t, msg)
}

func TestMismatchedReentryResetsSlot(t *testing.T) {
	payload1 := make([]byte, 150)
	raw1 := buildFrames(t, payload1, 1)
	payload2 := make([]byte, 300)
	raw2 := buildFrames(t, payload2, 1)

	tbl := New()
	now := time.Now()

	_, err := tbl.Accept(0x300, raw1[0], now)
	require.NoError(t, err)

	// Same seq, but different frag_cnt/total_len encoded in a header we
	// hand-craft to simulate a corrupted re-entry under identical seq.
	h, err := fragment.Decode(raw2[0])
	require.NoError(t, err)
	h.Seq = 1 // collide with the in-flight slot's seq
	buf := make([]byte, len(raw2[0]))
	require.NoError(t, fragment.Encode(h, buf))
	copy(buf[fragment.HeaderSize:], raw2[0][fragment.HeaderSize:])

	_, err = tbl.Accept(0x300, buf, now)
	assert.Error(t, err)
}

func TestPoolBacksCompletedMessageBuffer(t *testing.T) {
	payload := make([]byte, 150)
	raw := buildFrames(t, payload, 4)

	tbl := New()
	pool := telemetrycore.NewPool(1024)
	tbl.SetPool(pool)

	now := time.Now()
	var got []byte
	for _, r := range raw {
		msg, err := tbl.Accept(0x300, r, now)
		require.NoError(t, err)
		if msg != nil {
			got = msg
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, payload, got)

	_, inUse := pool.Stats()
	assert.Equal(t, len(payload), inUse, "completed message should still be reserved until the caller releases it")
}

func TestPoolExhaustionDropsCompletedMessage(t *testing.T) {
	payload := make([]byte, 150)
	raw := buildFrames(t, payload, 6)

	tbl := New()
	pool := telemetrycore.NewPool(16) // too small to hold the 150-byte message
	tbl.SetPool(pool)

	now := time.Now()
	var lastErr error
	var got []byte
	for _, r := range raw {
		msg, err := tbl.Accept(0x300, r, now)
		if err != nil {
			lastErr = err
		}
		if msg != nil {
			got = msg
		}
	}
	assert.Nil(t, got)
	assert.ErrorIs(t, lastErr, telemetrycore.ErrAlloc)
}

func TestRejectsInvalidHeaders(t *testing.T) {
	tbl := New()
	now := time.Now()

	badFragCnt := fragment.Header{FragCnt: 0, TotalLen: 10}
	buf := make([]byte, fragment.HeaderSize)
	require.NoError(t, fragment.Encode(badFragCnt, buf))
	_, err := tbl.Accept(0x100, buf, now)
	assert.Error(t, err)

	notFragment := []byte{0x00, 0x00, 1, 2, 3, 4, 5, 6}
	_, err = tbl.Accept(0x100, notFragment, now)
	assert.Error(t, err)
}
