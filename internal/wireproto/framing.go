package wireproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameHeaderSize is the size of the [u16 type | u32 length] prefix that
// precedes every control-plane message.
const FrameHeaderSize = 6

// MaxFrameLength bounds a single control message so a malicious or
// broken peer cannot force an unbounded allocation.
const MaxFrameLength = 8 << 20 // 8 MiB, generous for TextMessage/ChannelState floods

// EncodeFrame prepends the [type|length] header to payload.
func EncodeFrame(msgType uint16, payload []byte) []byte {
	out := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:2], msgType)
	binary.BigEndian.PutUint32(out[2:6], uint32(len(payload)))
	copy(out[6:], payload)
	return out
}

// ReadFrame blocks reading exactly one framed message from r.
func ReadFrame(r io.Reader) (msgType uint16, payload []byte, err error) {
	var header [FrameHeaderSize]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	msgType = binary.BigEndian.Uint16(header[0:2])
	length := binary.BigEndian.Uint32(header[2:6])
	if length > MaxFrameLength {
		return 0, nil, fmt.Errorf("wireproto: frame length %d exceeds maximum %d", length, MaxFrameLength)
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return msgType, payload, nil
}

// FrameReader accumulates bytes from a stream and drains whole frames as
// they become available, for transports (like a bufio.Reader wrapping a
// *tls.Conn) where ReadFrame's blocking io.ReadFull semantics are
// sufficient; FrameReader exists for callers that read opportunistically
// into a byte buffer instead (e.g. a single read() syscall per event-loop
// tick) and need to drain zero or more complete frames from whatever
// arrived.
type FrameReader struct {
	buf []byte
}

// Feed appends newly-read bytes to the internal buffer.
func (fr *FrameReader) Feed(data []byte) {
	fr.buf = append(fr.buf, data...)
}

// Drain extracts every complete frame currently buffered, in arrival
// order, leaving a partial trailing frame (if any) for the next Feed.
func (fr *FrameReader) Drain() ([]Frame, error) {
	var frames []Frame
	for {
		if len(fr.buf) < FrameHeaderSize {
			break
		}
		length := binary.BigEndian.Uint32(fr.buf[2:6])
		if length > MaxFrameLength {
			return frames, fmt.Errorf("wireproto: frame length %d exceeds maximum %d", length, MaxFrameLength)
		}
		total := FrameHeaderSize + int(length)
		if len(fr.buf) < total {
			break
		}

		msgType := binary.BigEndian.Uint16(fr.buf[0:2])
		payload := make([]byte, length)
		copy(payload, fr.buf[FrameHeaderSize:total])
		frames = append(frames, Frame{Type: msgType, Payload: payload})

		fr.buf = fr.buf[total:]
	}

	// Compact the buffer so a long-lived connection doesn't retain the
	// full history of partial-frame leftovers' backing array.
	if len(fr.buf) > 0 {
		compacted := make([]byte, len(fr.buf))
		copy(compacted, fr.buf)
		fr.buf = compacted
	} else {
		fr.buf = nil
	}

	return frames, nil
}

// Frame is one fully-drained control message.
type Frame struct {
	Type    uint16
	Payload []byte
}
