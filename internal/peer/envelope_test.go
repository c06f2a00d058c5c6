package peer

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestInboundConnectRoundTrip(t *testing.T) {
	raw := `{"type":"connect","serverId":"local","username":"alice"}`
	var msg InboundMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.Type != InConnect || msg.ServerID != "local" || msg.Username != "alice" {
		t.Fatalf("got %+v", msg)
	}
}

func TestEncodeDownlinkOpusMatchesWireLayout(t *testing.T) {
	opus := bytes.Repeat([]byte{0xAB}, 32)
	got := EncodeDownlinkOpus(7, 0, false, 42, opus)

	want := []byte{0x11, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x2a, 0x00, 0x00, 0x00}
	want = append(want, opus...)

	if !bytes.Equal(got, want) {
		t.Fatalf("got  %v\nwant %v", got, want)
	}
}

func TestDecodeUplinkVoiceEndMarker(t *testing.T) {
	isEnd, _, ok := DecodeUplinkVoice(EncodeUplinkEnd())
	if !ok || !isEnd {
		t.Fatalf("isEnd=%v ok=%v, want true,true", isEnd, ok)
	}
}

func TestDecodeUplinkVoiceOpusFrame(t *testing.T) {
	payload := []byte{KindUplinkOpus, 3, 0, 0, 0xDE, 0xAD}
	isEnd, frame, ok := DecodeUplinkVoice(payload)
	if isEnd || !ok {
		t.Fatalf("isEnd=%v ok=%v, want false,true", isEnd, ok)
	}
	if frame.Target != 3 {
		t.Fatalf("Target = %d, want 3", frame.Target)
	}
	if !bytes.Equal(frame.Opus, []byte{0xDE, 0xAD}) {
		t.Fatalf("Opus = %v", frame.Opus)
	}
}

func TestDecodeUplinkVoiceCopiesPayload(t *testing.T) {
	buf := []byte{KindUplinkOpus, 0, 0, 0, 0x01, 0x02}
	_, frame, ok := DecodeUplinkVoice(buf)
	if !ok {
		t.Fatalf("decode failed")
	}
	buf[4] = 0xFF
	if frame.Opus[0] != 0x01 {
		t.Fatalf("decoded opus aliases caller buffer")
	}
}
