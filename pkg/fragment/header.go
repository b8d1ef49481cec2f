package fragment

import (
	"encoding/binary"
	"errors"
)

// Magic is the stable fragment-header magic constant. Changing it
// breaks interoperability with existing peers.
const Magic uint16 = 0x5344

// Flag bits carried in [Header.Flags].
const (
	FlagFirst uint8 = 1 << 0
	FlagLast  uint8 = 1 << 1
)

// MaxTotalLen is the largest reassembled message this wire format
// supports (the reassembly table's fixed buffer size).
const MaxTotalLen = 2048

var (
	ErrShortBuffer = errors.New("fragment: buffer shorter than header")
	ErrBadMagic    = errors.New("fragment: magic mismatch")
	ErrBadField    = errors.New("fragment: header field out of range")
)

// Header is the 8-byte little-endian fragment header prefixed onto
// every fragmented wire frame.
type Header struct {
	Seq      uint8
	FragIdx  uint8
	FragCnt  uint8
	Flags    uint8
	TotalLen uint16
}

// First reports whether this fragment is index 0 of its message.
func (h Header) First() bool { return h.Flags&FlagFirst != 0 }

// Last reports whether this fragment is the final one of its message.
func (h Header) Last() bool { return h.Flags&FlagLast != 0 }

// Validate checks the header invariants: frag_idx < frag_cnt,
// frag_cnt in [1,255], and total_len in (0, MaxTotalLen].
func (h Header) Validate() error {
	if h.FragCnt == 0 {
		return ErrBadField
	}
	if h.FragIdx >= h.FragCnt {
		return ErrBadField
	}
	if h.TotalLen == 0 || int(h.TotalLen) > MaxTotalLen {
		return ErrBadField
	}
	return nil
}

// Encode writes the 8-byte little-endian wire form of h into buf, which
// must be at least [HeaderSize] bytes.
func Encode(h Header, buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	buf[2] = h.Seq
	buf[3] = h.FragIdx
	buf[4] = h.FragCnt
	buf[5] = h.Flags
	binary.LittleEndian.PutUint16(buf[6:8], h.TotalLen)
	return nil
}

// Decode parses the 8-byte little-endian header out of buf. It returns
// ErrBadMagic if the magic field does not match, without consulting
// Validate; callers decide how to treat a structurally-valid header
// with an out-of-range field.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	magic := binary.LittleEndian.Uint16(buf[0:2])
	if magic != Magic {
		return Header{}, ErrBadMagic
	}
	return Header{
		Seq:      buf[2],
		FragIdx:  buf[3],
		FragCnt:  buf[4],
		Flags:    buf[5],
		TotalLen: binary.LittleEndian.Uint16(buf[6:8]),
	}, nil
}

// IsFragment reports whether buf looks like a fragment header: long
// enough to hold one, and the magic matches.
func IsFragment(buf []byte) bool {
	if len(buf) < HeaderSize {
		return false
	}
	return binary.LittleEndian.Uint16(buf[0:2]) == Magic
}
