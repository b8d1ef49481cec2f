//go:build linux

// Package socketcan is a real Linux CAN-FD bus backend over a raw
// AF_CAN socket. The socket has CAN_RAW_FD_FRAMES enabled and reads
// and writes struct canfd_frame directly, so the full 64-byte
// telemetry payload fits in a single frame.
package socketcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	telemetrycore "github.com/samsamfire/telemetrycore"
)

// canfdFrameSize is sizeof(struct canfd_frame): 4-byte id, 1-byte len,
// 1-byte flags, 2 reserved bytes, 64 bytes of data (CANFD_MTU).
const canfdFrameSize = 72

// canfdFrame mirrors linux/can.h's struct canfd_frame field-for-field
// so it can be reinterpreted directly from the raw socket buffer.
type canfdFrame struct {
	id    uint32
	len   uint8
	flags uint8
	res0  uint8
	res1  uint8
	data  [telemetrycore.MaxFramePayload]byte
}

// Bus is a CAN-FD socketcan backend bound to one network interface
// (e.g. "can0").
type Bus struct {
	f        *os.File
	fd       int
	listener telemetrycore.FrameListener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// New creates a [Bus] bound to the named interface, which must already
// be up and in FD mode (e.g. "ip link set can0 up type can bitrate
// 500000 dbitrate 2000000 fd on").
func New(channel string) (*Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan: creating socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		return nil, fmt.Errorf("socketcan: enabling CAN_RAW_FD_FRAMES: %w", err)
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 0, Usec: 100_000}); err != nil {
		return nil, fmt.Errorf("socketcan: setting read timeout: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		return nil, fmt.Errorf("socketcan: binding to %s: %w", channel, err)
	}

	return &Bus{fd: fd, logger: slog.Default()}, nil
}

// SetLogger overrides the bus's diagnostic logger.
func (b *Bus) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Connect starts the reception goroutine.
func (b *Bus) Connect(...any) error {
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.f = os.NewFile(uintptr(b.fd), fmt.Sprintf("fd %d", b.fd))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processIncoming(ctx)
	}()
	return nil
}

// Disconnect stops reception and closes the socket.
func (b *Bus) Disconnect() error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	return b.f.Close()
}

// Send writes frame to the bus as a single CAN-FD frame.
func (b *Bus) Send(frame telemetrycore.Frame) error {
	wire := canfdFrame{id: frame.ID, len: frame.Len, data: frame.Data}
	rawData := (*(*[canfdFrameSize]byte)(unsafe.Pointer(&wire)))[:]
	n, err := b.f.Write(rawData)
	if n != canfdFrameSize || err != nil {
		return fmt.Errorf("socketcan: short write (%d/%d): %w", n, canfdFrameSize, err)
	}
	return nil
}

func (b *Bus) processIncoming(ctx context.Context) {
	rxBuf := make([]byte, canfdFrameSize)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("socketcan reception stopped")
			return
		default:
			n, err := b.f.Read(rxBuf)
			if errors.Is(err, syscall.EAGAIN) {
				continue
			}
			if n != canfdFrameSize || err != nil {
				b.logger.Warn("socketcan reception exiting", "err", err)
				return
			}
			wire := (*canfdFrame)(unsafe.Pointer(&rxBuf[0]))
			frame := telemetrycore.Frame{ID: wire.id, Len: wire.len, Data: wire.data}
			if b.listener != nil {
				b.listener.Handle(frame)
			}
		}
	}
}

// Subscribe registers the frame listener driven by the reception
// goroutine.
func (b *Bus) Subscribe(listener telemetrycore.FrameListener) error {
	b.listener = listener
	return nil
}

// SetReceiveOwn toggles CAN_RAW_RECV_OWN_MSGS, useful in loopback tests
// against a vcan interface.
func (b *Bus) SetReceiveOwn(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, v)
}
