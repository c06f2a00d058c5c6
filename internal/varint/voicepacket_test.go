package varint

import (
	"bytes"
	"testing"
)

func TestClientOpusFrameRoundTrip(t *testing.T) {
	for target := uint8(0); target < 32; target++ {
		for _, seq := range []uint64{0, 1, 1 << 20, (1 << 30) - 1} {
			for _, isLast := range []bool{false, true} {
				opus := bytes.Repeat([]byte{0xAB}, 32)
				encoded, err := EncodeClientOpusFrame(target, seq, opus, isLast)
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				frame, err := DecodeClientOpusFrame(encoded)
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				if frame.Target != target || frame.Sequence != seq || frame.IsLastFrame != isLast {
					t.Fatalf("mismatch: got %+v want target=%d seq=%d last=%v", frame, target, seq, isLast)
				}
				if !bytes.Equal(frame.Opus, opus) {
					t.Fatalf("opus payload mismatch")
				}
			}
		}
	}
}

func TestServerOpusFrameCarriesSessionID(t *testing.T) {
	encoded, err := EncodeServerOpusFrame(0, 7, 42, bytes.Repeat([]byte{0xAB}, 32), false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	want := []byte{0x80, 0x07, 0x2a, 0x20}
	if !bytes.Equal(encoded[:4], want) {
		t.Fatalf("header mismatch: got %x want %x", encoded[:4], want)
	}
	if !bytes.Equal(encoded[4:], bytes.Repeat([]byte{0xAB}, 32)) {
		t.Fatalf("opus payload mismatch")
	}

	frame, err := DecodeServerOpusFrame(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.SessionID != 7 || frame.Sequence != 42 || frame.Target != 0 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestOpusPayloadTooLarge(t *testing.T) {
	huge := make([]byte, MaxOpusPayload+1)
	if _, err := EncodeClientOpusFrame(0, 0, huge, false); err != ErrOpusTooLarge {
		t.Fatalf("expected ErrOpusTooLarge, got %v", err)
	}
}

func TestDecodeRejectsSizeLargerThanRemaining(t *testing.T) {
	// Hand-build a packet claiming size=100 but with only 4 bytes of payload.
	var pkt []byte
	pkt = append(pkt, header(VoiceTypeOpus, 0))
	pkt = EncodeUint(pkt, 1)   // sequence
	pkt = EncodeUint(pkt, 100) // sizeTerm
	pkt = append(pkt, []byte{1, 2, 3, 4}...)

	if _, err := DecodeClientOpusFrame(pkt); err == nil {
		t.Fatalf("expected error for oversized size field")
	}
}

func TestPingRoundTrip(t *testing.T) {
	encoded := EncodePing(1234567890)
	ts, err := DecodePing(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ts != 1234567890 {
		t.Fatalf("got %d", ts)
	}
}
