package varint

import (
	"math"
	"testing"
)

func TestUintRoundTrip(t *testing.T) {
	cases := []uint64{
		0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 0x1FFFFF, 0x200000,
		0xFFFFFFF, 0x10000000, 0xFFFFFFFF, 0x100000000,
		math.MaxUint64, 123456789012345,
	}
	for _, v := range cases {
		encoded := EncodeUint(nil, v)
		got, n, err := DecodeUint(encoded)
		if err != nil {
			t.Fatalf("DecodeUint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("DecodeUint(%d) = %d", v, got)
		}
		if n != len(encoded) {
			t.Fatalf("DecodeUint(%d) consumed %d, want %d", v, n, len(encoded))
		}
	}
}

func TestEncodeUintShortestForm(t *testing.T) {
	cases := []struct {
		v    uint64
		want int
	}{
		{0, 1}, {0x7F, 1},
		{0x80, 2}, {0x3FFF, 2},
		{0x4000, 3}, {0x1FFFFF, 3},
		{0x200000, 4}, {0xFFFFFFF, 4},
		{0x10000000, 5}, {0xFFFFFFFF, 5},
		{0x100000000, 9}, {math.MaxUint64, 9},
	}
	for _, c := range cases {
		got := len(EncodeUint(nil, c.v))
		if got != c.want {
			t.Fatalf("len(EncodeUint(%d)) = %d, want %d", c.v, got, c.want)
		}
	}
}

func TestIntRoundTrip(t *testing.T) {
	cases := []int64{0, 1, 100, -1, -2, -3, -4, -100, -100000, math.MinInt64, math.MaxInt64}
	for _, v := range cases {
		encoded := EncodeInt(nil, v)
		got, n, err := DecodeInt(encoded)
		if err != nil {
			t.Fatalf("DecodeInt(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("DecodeInt(%d) = %d", v, got)
		}
		if n != len(encoded) {
			t.Fatalf("DecodeInt(%d) consumed %d of %d bytes", v, n, len(encoded))
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	cases := [][]byte{
		{},
		{0x80},       // needs 2 bytes
		{0xC0, 0x00}, // needs 3
		{0xE0},
		{0xF0, 0x00},
		{0xF4, 0x00, 0x00},
	}
	for _, c := range cases {
		if _, _, err := DecodeUint(c); err == nil {
			t.Fatalf("DecodeUint(%v) expected error", c)
		}
	}
}

func TestReadWriteMultipleValues(t *testing.T) {
	var buf []byte
	values := []uint64{0, 300, 70000, 5}
	for _, v := range values {
		buf = EncodeUint(buf, v)
	}

	rest := buf
	for _, want := range values {
		got, n, err := DecodeUint(rest)
		if err != nil {
			t.Fatalf("DecodeUint: %v", err)
		}
		if got != want {
			t.Fatalf("got %d want %d", got, want)
		}
		rest = rest[n:]
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes: %d", len(rest))
	}
}
