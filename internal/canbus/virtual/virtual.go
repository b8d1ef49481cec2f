// Package virtual is a TCP-backed virtual CAN-FD bus, used as the
// test-double transport when no real hardware interface is available.
// The broker protocol is a 4-byte big-endian length prefix followed by
// a fixed-size frame struct.
//
// See https://github.com/windelbouwman/virtualcan for the broker this
// dials into.
package virtual

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	telemetrycore "github.com/samsamfire/telemetrycore"
)

// Bus is a virtual CAN-FD bus client dialing a broker at channel (e.g.
// "localhost:18000").
type Bus struct {
	logger     *slog.Logger
	mu         sync.Mutex
	channel    string
	conn       net.Conn
	receiveOwn bool
	listener   telemetrycore.FrameListener
	stopChan   chan struct{}
	wg         sync.WaitGroup
	isRunning  bool
}

// New creates a [Bus] that will dial channel on Connect.
func New(channel string) *Bus {
	return &Bus{channel: channel, stopChan: make(chan struct{}), logger: slog.Default()}
}

// SetLogger overrides the bus's diagnostic logger.
func (b *Bus) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// wireFrame is the broker's on-the-wire frame shape: fixed-size,
// matching [telemetrycore.Frame]'s field layout so binary.Write/Read
// can (de)serialize it directly.
type wireFrame struct {
	ID   uint32
	Len  uint8
	_    [3]byte // alignment padding, mirrors encoding/binary's struct packing
	Data [telemetrycore.MaxFramePayload]byte
}

func serializeFrame(frame telemetrycore.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	wf := wireFrame{ID: frame.ID, Len: frame.Len, Data: frame.Data}
	if err := binary.Write(buffer, binary.BigEndian, wf); err != nil {
		return nil, err
	}
	dataBytes := buffer.Bytes()
	out := make([]byte, 4, 4+len(dataBytes))
	binary.BigEndian.PutUint32(out, uint32(len(dataBytes)))
	return append(out, dataBytes...), nil
}

func deserializeFrame(buf []byte) (telemetrycore.Frame, error) {
	var wf wireFrame
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &wf); err != nil {
		return telemetrycore.Frame{}, err
	}
	return telemetrycore.Frame{ID: wf.ID, Len: wf.Len, Data: wf.Data}, nil
}

// Connect dials the broker.
func (b *Bus) Connect(...any) error {
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	b.conn = conn
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect stops reception and closes the connection.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	running := b.isRunning
	b.mu.Unlock()
	if running {
		close(b.stopChan)
		b.wg.Wait()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// Send transmits frame to the broker, optionally looping it back to
// the local listener first if SetReceiveOwn(true) was called.
func (b *Bus) Send(frame telemetrycore.Frame) error {
	if b.receiveOwn && b.listener != nil {
		b.listener.Handle(frame)
	}
	if b.conn == nil {
		return errors.New("virtual: no active connection, abort send")
	}
	payload, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	_, err = b.conn.Write(payload)
	return err
}

// recv reads exactly one length-prefixed frame off the connection.
func (b *Bus) recv() (telemetrycore.Frame, error) {
	if b.conn == nil {
		return telemetrycore.Frame{}, fmt.Errorf("virtual: no active connection, abort receive")
	}
	_ = b.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	header := make([]byte, 4)
	n, err := b.conn.Read(header)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return telemetrycore.Frame{}, err
	}
	if n < 4 || err != nil {
		return telemetrycore.Frame{}, fmt.Errorf("virtual: short header read (%d): %w", n, err)
	}
	length := binary.BigEndian.Uint32(header)
	body := make([]byte, length)
	_ = b.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err = b.conn.Read(body)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return telemetrycore.Frame{}, err
	}
	if n != int(length) || err != nil {
		return telemetrycore.Frame{}, fmt.Errorf("virtual: short body read (%d/%d)", n, length)
	}
	return deserializeFrame(body)
}

func (b *Bus) handleReception() {
	defer func() {
		b.mu.Lock()
		b.isRunning = false
		b.mu.Unlock()
		b.wg.Done()
	}()
	for {
		select {
		case <-b.stopChan:
			return
		default:
			if !b.mu.TryLock() {
				continue
			}
			frame, err := b.recv()
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// no message pending, expected
			} else if err != nil {
				b.logger.Error("virtual bus reception closed", "err", err)
				b.mu.Unlock()
				return
			} else if b.listener != nil {
				b.listener.Handle(frame)
			}
			b.mu.Unlock()
		}
	}
}

// Subscribe registers listener and starts the reception goroutine if
// it is not already running.
func (b *Bus) Subscribe(listener telemetrycore.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	if b.isRunning {
		return nil
	}
	b.wg.Add(1)
	b.isRunning = true
	b.stopChan = make(chan struct{})
	go b.handleReception()
	return nil
}

// SetReceiveOwn enables local loopback of sent frames to the
// registered listener, useful in single-process tests.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.receiveOwn = receiveOwn
}
