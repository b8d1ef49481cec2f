// Package wire implements the little-endian packet envelope carried
// inside reassembled (or single-frame) telemetry messages.
package wire

import (
	"encoding/binary"
	"errors"
	"math/bits"
)

// Kind is the element kind carried in a packet's flags bits 0-2.
type Kind uint8

const (
	KindUnsigned Kind = iota
	KindSigned
	KindFloat
	KindBool
	KindString
)

const (
	kindMask      = 0x0007
	elemSizeMask  = 0x0038
	elemSizeShift = 3
)

// HeaderSize is the encoded size of a packet header, before payload.
const HeaderSize = 2 + 2 + 4 + 2 // type, flags, timestamp_ms, payload_len

var (
	ErrShortBuffer     = errors.New("wire: buffer too short")
	ErrUnsupportedKind = errors.New("wire: unsupported element kind")
	ErrPayloadTooLarge = errors.New("wire: payload exceeds u16 length field")
)

// Packet is one decoded telemetry envelope.
type Packet struct {
	Type        uint16
	Kind        Kind
	ElementSize int // bytes per element; 0 for KindString
	TimestampMs uint32
	Payload     []byte
}

// Encode serializes p as {u16 type, u16 flags, u32 timestamp_ms, u16
// payload_len, bytes...} in little-endian.
func Encode(p Packet) ([]byte, error) {
	if len(p.Payload) > 0xFFFF {
		return nil, ErrPayloadTooLarge
	}
	flags, err := encodeFlags(p.Kind, p.ElementSize)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], p.Type)
	binary.LittleEndian.PutUint16(buf[2:4], flags)
	binary.LittleEndian.PutUint32(buf[4:8], p.TimestampMs)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(p.Payload)))
	copy(buf[10:], p.Payload)
	return buf, nil
}

// Decode parses a packet envelope out of buf.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, ErrShortBuffer
	}
	typ := binary.LittleEndian.Uint16(buf[0:2])
	flags := binary.LittleEndian.Uint16(buf[2:4])
	ts := binary.LittleEndian.Uint32(buf[4:8])
	payloadLen := int(binary.LittleEndian.Uint16(buf[8:10]))
	if len(buf) < HeaderSize+payloadLen {
		return Packet{}, ErrShortBuffer
	}

	kind, elemSize := decodeFlags(flags)
	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderSize:HeaderSize+payloadLen])

	return Packet{
		Type:        typ,
		Kind:        kind,
		ElementSize: elemSize,
		TimestampMs: ts,
		Payload:     payload,
	}, nil
}

// encodeFlags packs kind into bits 0-2 and log2(elementSize) into bits
// 3-5. elementSize is ignored for KindString (it decodes back as 0).
func encodeFlags(kind Kind, elementSize int) (uint16, error) {
	if kind > KindString {
		return 0, ErrUnsupportedKind
	}
	flags := uint16(kind) & kindMask
	if kind == KindString {
		return flags, nil
	}
	if elementSize <= 0 || bits.OnesCount(uint(elementSize)) != 1 {
		return 0, ErrUnsupportedKind
	}
	log2 := bits.TrailingZeros(uint(elementSize))
	flags |= uint16(log2) << elemSizeShift
	return flags, nil
}

func decodeFlags(flags uint16) (Kind, int) {
	kind := Kind(flags & kindMask)
	if kind == KindString {
		return kind, 0
	}
	log2 := (flags & elemSizeMask) >> elemSizeShift
	return kind, 1 << log2
}

// String builds a string packet: flags=KindString, no null
// terminator in the payload.
func String(typ uint16, s string, timestampMs uint32) Packet {
	return Packet{Type: typ, Kind: KindString, TimestampMs: timestampMs, Payload: []byte(s)}
}
