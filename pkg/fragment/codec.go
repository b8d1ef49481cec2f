package fragment

import "fmt"

// MaxFragCnt is the largest fragment count a peer can reassemble,
// bounded by the reassembly table's 64-bit fragment bitmap.
const MaxFragCnt = 64

// WireFrame is one fragment ready to place on the bus: the 8-byte
// header followed by up to [DataCap] payload bytes, zero-padded to
// [DataCap] so the marshalled frame is always [WireLength] bytes.
type WireFrame struct {
	Header  Header
	Payload []byte // exactly DataCap bytes, zero-padded
}

// Split fragments payload (1 <= len(payload) <= 65535) into wire frames
// using the given per-sender sequence number. It fails if the resulting
// fragment count would exceed 255 or [MaxFragCnt].
func Split(payload []byte, seq uint8) ([]WireFrame, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("fragment: empty payload")
	}
	if len(payload) > 65535 {
		return nil, fmt.Errorf("fragment: payload too large: %d", len(payload))
	}

	fragCnt := (len(payload) + DataCap - 1) / DataCap
	if fragCnt > 255 || fragCnt > MaxFragCnt {
		return nil, fmt.Errorf("fragment: %d fragments exceeds max %d", fragCnt, MaxFragCnt)
	}

	frames := make([]WireFrame, fragCnt)
	for i := 0; i < fragCnt; i++ {
		off := i * DataCap
		end := off + DataCap
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]

		var flags uint8
		if i == 0 {
			flags |= FlagFirst
		}
		if i == fragCnt-1 {
			flags |= FlagLast
		}

		// Fragment wire frames are always the full 64-byte CAN-FD
		// frame (8-byte header + 56-byte payload), zero-padded on the
		// last, short fragment. Unlike raw frames, a fragment's DLC
		// is never shrunk to the chunk's real length.
		padded := make([]byte, DataCap)
		copy(padded, chunk)

		frames[i] = WireFrame{
			Header: Header{
				Seq:      seq,
				FragIdx:  uint8(i),
				FragCnt:  uint8(fragCnt),
				Flags:    flags,
				TotalLen: uint16(len(payload)),
			},
			Payload: padded,
		}
	}
	return frames, nil
}

// Marshal encodes a [WireFrame] as a single byte slice: header then
// payload, ready to hand to a bus driver as frame data.
func Marshal(f WireFrame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	_ = Encode(f.Header, buf)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}
