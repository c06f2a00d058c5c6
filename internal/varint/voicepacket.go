package varint

import (
	"errors"
	"fmt"
)

// Legacy voice packet type values, carried in the high 3 bits of the
// header byte (type:3 | target:5).
const (
	VoiceTypePing = 1
	VoiceTypeOpus = 4
)

// MaxOpusPayload is the largest opus payload the size field can carry;
// size is masked with 0x1fff on encode and enforced on decode.
const MaxOpusPayload = 0x1fff

// lastFrameBit marks sizeTerm as size | (1<<13) when the encoded frame is
// the speaker's last.
const lastFrameBit = 1 << 13

// ErrOpusTooLarge is returned when an opus payload exceeds MaxOpusPayload.
var ErrOpusTooLarge = errors.New("voicepacket: opus payload exceeds 0x1fff bytes")

// OpusFrame is the decoded form of a legacy Opus voice packet. SessionID
// is only meaningful for server->client packets; EncodeClientOpusFrame
// never emits it, matching the wire format where the server infers the
// sender from the UDP/TLS session that carried the datagram.
type OpusFrame struct {
	Target      uint8
	SessionID   uint32 // server->client only
	Sequence    uint64
	IsLastFrame bool
	Opus        []byte
}

// EncodeClientOpusFrame builds a client->server legacy voice packet: no
// sessionId field, target in the low 5 bits of the header byte.
func EncodeClientOpusFrame(target uint8, sequence uint64, opus []byte, isLastFrame bool) ([]byte, error) {
	if len(opus) > MaxOpusPayload {
		return nil, ErrOpusTooLarge
	}

	out := make([]byte, 0, 1+10+len(opus))
	out = append(out, header(VoiceTypeOpus, target))
	out = EncodeUint(out, sequence)

	sizeTerm := uint64(len(opus)) & MaxOpusPayload
	if isLastFrame {
		sizeTerm |= lastFrameBit
	}
	out = EncodeUint(out, sizeTerm)
	out = append(out, opus...)
	return out, nil
}

// EncodeServerOpusFrame builds a server->client legacy voice packet,
// including the sessionId field the client-form omits.
func EncodeServerOpusFrame(target uint8, sessionID uint32, sequence uint64, opus []byte, isLastFrame bool) ([]byte, error) {
	if len(opus) > MaxOpusPayload {
		return nil, ErrOpusTooLarge
	}

	out := make([]byte, 0, 1+15+len(opus))
	out = append(out, header(VoiceTypeOpus, target))
	out = EncodeUint(out, uint64(sessionID))
	out = EncodeUint(out, sequence)

	sizeTerm := uint64(len(opus)) & MaxOpusPayload
	if isLastFrame {
		sizeTerm |= lastFrameBit
	}
	out = EncodeUint(out, sizeTerm)
	out = append(out, opus...)
	return out, nil
}

// EncodePing builds a legacy ping voice packet carrying a varint
// timestamp.
func EncodePing(timestamp uint64) []byte {
	out := make([]byte, 0, 9)
	out = append(out, header(VoiceTypePing, 0))
	out = EncodeUint(out, timestamp)
	return out
}

// DecodePing reads a legacy ping packet's timestamp.
func DecodePing(data []byte) (uint64, error) {
	if len(data) < 1 {
		return 0, ErrTruncated
	}
	_, typ, _ := splitHeader(data[0])
	if typ != VoiceTypePing {
		return 0, fmt.Errorf("voicepacket: not a ping packet (type=%d)", typ)
	}
	ts, _, err := DecodeUint(data[1:])
	if err != nil {
		return 0, err
	}
	return ts, nil
}

// DecodeClientOpusFrame decodes a client->server legacy opus packet
// (no sessionId field).
func DecodeClientOpusFrame(data []byte) (OpusFrame, error) {
	if len(data) < 1 {
		return OpusFrame{}, ErrTruncated
	}
	target, typ, _ := splitHeader(data[0])
	if typ != VoiceTypeOpus {
		return OpusFrame{}, fmt.Errorf("voicepacket: not an opus packet (type=%d)", typ)
	}

	rest := data[1:]
	sequence, n, err := DecodeUint(rest)
	if err != nil {
		return OpusFrame{}, err
	}
	rest = rest[n:]

	sizeTerm, n, err := DecodeUint(rest)
	if err != nil {
		return OpusFrame{}, err
	}
	rest = rest[n:]

	size := int(sizeTerm & MaxOpusPayload)
	isLast := sizeTerm&lastFrameBit != 0
	if size > len(rest) {
		return OpusFrame{}, fmt.Errorf("voicepacket: opus size %d exceeds remaining %d bytes", size, len(rest))
	}

	opus := make([]byte, size)
	copy(opus, rest[:size])

	return OpusFrame{
		Target:      target,
		Sequence:    sequence,
		IsLastFrame: isLast,
		Opus:        opus,
	}, nil
}

// DecodeServerOpusFrame decodes a server->client legacy opus packet,
// which includes the sessionId field.
func DecodeServerOpusFrame(data []byte) (OpusFrame, error) {
	if len(data) < 1 {
		return OpusFrame{}, ErrTruncated
	}
	target, typ, _ := splitHeader(data[0])
	if typ != VoiceTypeOpus {
		return OpusFrame{}, fmt.Errorf("voicepacket: not an opus packet (type=%d)", typ)
	}

	rest := data[1:]
	sessionID, n, err := DecodeUint(rest)
	if err != nil {
		return OpusFrame{}, err
	}
	rest = rest[n:]

	sequence, n, err := DecodeUint(rest)
	if err != nil {
		return OpusFrame{}, err
	}
	rest = rest[n:]

	sizeTerm, n, err := DecodeUint(rest)
	if err != nil {
		return OpusFrame{}, err
	}
	rest = rest[n:]

	size := int(sizeTerm & MaxOpusPayload)
	isLast := sizeTerm&lastFrameBit != 0
	if size > len(rest) {
		return OpusFrame{}, fmt.Errorf("voicepacket: opus size %d exceeds remaining %d bytes", size, len(rest))
	}

	opus := make([]byte, size)
	copy(opus, rest[:size])

	return OpusFrame{
		Target:      target,
		SessionID:   uint32(sessionID),
		Sequence:    sequence,
		IsLastFrame: isLast,
		Opus:        opus,
	}, nil
}

func header(typ, target uint8) byte {
	return (typ&0x07)<<5 | (target & 0x1F)
}

func splitHeader(b byte) (target uint8, typ uint8, _ byte) {
	return b & 0x1F, (b >> 5) & 0x07, b
}
