// Package telemetrycore implements the on-node telemetry transport core:
// CAN-FD fragmentation and reassembly, a side-aware router, and an
// NTP-style time-sync client, built around a single cooperative worker.
package telemetrycore

import "github.com/samsamfire/telemetrycore/pkg/fragment"

const (
	// MaxCanId is the highest standard (11-bit) CAN identifier.
	MaxCanId = 0x7FF

	// MaxFramePayload is the largest CAN-FD payload length in bytes.
	MaxFramePayload = 64
)

// Frame is a raw bus unit: a standard CAN identifier plus up to 64 bytes
// of CAN-FD payload. Immutable once handed to a [Bus] or a [FrameListener].
type Frame struct {
	ID   uint32
	Len  uint8
	Data [MaxFramePayload]byte
}

// NewFrame builds a [Frame] from an identifier and payload, rejecting
// payload lengths that are not valid CAN-FD DLC lengths.
func NewFrame(id uint32, payload []byte) (Frame, error) {
	if len(payload) > MaxFramePayload {
		return Frame{}, ErrBadArg
	}
	if _, err := fragment.LenToDLC(uint8(len(payload))); err != nil {
		return Frame{}, ErrBadArg
	}
	var f Frame
	f.ID = id
	f.Len = uint8(len(payload))
	copy(f.Data[:], payload)
	return f, nil
}

// Payload returns the frame's data truncated to its declared length.
func (f Frame) Payload() []byte {
	return f.Data[:f.Len]
}

// FrameListener receives raw CAN frames. Implementations must not block
// and must not re-enter the component that invoked them.
type FrameListener interface {
	Handle(frame Frame)
}

// FrameListenerFunc adapts a plain function to a [FrameListener].
type FrameListenerFunc func(frame Frame)

func (f FrameListenerFunc) Handle(frame Frame) { f(frame) }

// Bus is the board-support collaborator this core drives: a single CAN-FD
// transceiver with one RX callback. Out of scope: the driver's own init
// sequence, bitrate configuration and error-counter peripheral access.
type Bus interface {
	Connect(...any) error
	Disconnect() error
	Send(frame Frame) error
	Subscribe(listener FrameListener) error
}
