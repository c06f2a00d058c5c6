package wireproto

import (
	"bytes"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteVarint(1, 42)
	w.WriteString(2, "hello")
	w.WriteBool(3, true)
	w.WriteInt32(4, -5)
	w.WriteBytes(5, []byte{1, 2, 3})

	r := NewReader(w.Bytes())

	var got []Field
	for {
		f, ok, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, f)
	}

	if len(got) != 5 {
		t.Fatalf("got %d fields, want 5", len(got))
	}
	if got[0].AsVarint() != 42 {
		t.Fatalf("field 1 = %d", got[0].AsVarint())
	}
	if got[1].AsString() != "hello" {
		t.Fatalf("field 2 = %q", got[1].AsString())
	}
	if !got[2].AsBool() {
		t.Fatalf("field 3 = false")
	}
	if got[3].AsInt32() != -5 {
		t.Fatalf("field 4 = %d", got[3].AsInt32())
	}
	if !bytes.Equal(got[4].AsBytes(), []byte{1, 2, 3}) {
		t.Fatalf("field 5 = %v", got[4].AsBytes())
	}
}

func TestUnknownFieldsSkipped(t *testing.T) {
	w := NewWriter()
	w.WriteVarint(99, 1234)              // unknown varint field
	w.WriteBytes(100, []byte("garbage")) // unknown bytes field
	w.WriteVarint(1, 7)                  // known field we actually want

	v, err := UnmarshalVersion(w.Bytes())
	if err != nil {
		t.Fatalf("UnmarshalVersion: %v", err)
	}
	if v.Version != 7 {
		t.Fatalf("Version = %d, want 7", v.Version)
	}
}

func TestVersionRoundTrip(t *testing.T) {
	v := Version{
		Version:   EncodeVersion(1, 4, 0),
		Release:   "gateway",
		OS:        "linux",
		OSVersion: "6.0",
	}
	got, err := UnmarshalVersion(v.MarshalMumble())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != v {
		t.Fatalf("got %+v want %+v", got, v)
	}
}

func TestEncodeVersionPinsV1_4_0(t *testing.T) {
	got := EncodeVersion(1, 4, 0)
	want := uint32((1 << 16) | (4 << 8) | 0)
	if got != want {
		t.Fatalf("EncodeVersion(1,4,0) = %#x, want %#x", got, want)
	}
}

func TestUserStateOutboundOmitsSessionWhenAbsent(t *testing.T) {
	u := UserState{HasChannelID: true, ChannelID: 12}
	encoded := u.MarshalMumble()

	got, err := UnmarshalUserState(encoded)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.HasSession {
		t.Fatalf("expected no session field when self id is unknown")
	}
	if !got.HasChannelID || got.ChannelID != 12 {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	encoded := EncodeFrame(MsgPing, payload)

	r := bytes.NewReader(encoded)
	msgType, got, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if msgType != MsgPing {
		t.Fatalf("msgType = %d, want %d", msgType, MsgPing)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameReaderDrainsPartialAndMultipleFrames(t *testing.T) {
	var fr FrameReader

	f1 := EncodeFrame(MsgPing, []byte("a"))
	f2 := EncodeFrame(MsgVersion, []byte("bb"))

	// Feed f1 in two pieces, then all of f2 plus a partial third frame.
	fr.Feed(f1[:3])
	frames, err := fr.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no complete frames yet, got %d", len(frames))
	}

	fr.Feed(f1[3:])
	fr.Feed(f2)
	fr.Feed(EncodeFrame(MsgServerSync, []byte("partial"))[:4])

	frames, err = fr.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Type != MsgPing || string(frames[0].Payload) != "a" {
		t.Fatalf("frame0 = %+v", frames[0])
	}
	if frames[1].Type != MsgVersion || string(frames[1].Payload) != "bb" {
		t.Fatalf("frame1 = %+v", frames[1])
	}
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	var fr FrameReader
	bad := make([]byte, FrameHeaderSize)
	bad[2] = 0xFF // length = huge
	bad[3] = 0xFF
	bad[4] = 0xFF
	bad[5] = 0xFF
	fr.Feed(bad)

	if _, err := fr.Drain(); err == nil {
		t.Fatalf("expected error for oversized frame length")
	}
}
