package varint

import (
	"math"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 16383, 16384, 1 << 20, math.MaxUint32, math.MaxUint64}

	for _, v := range cases {
		enc := Encode(v)
		got, n, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%v) error: %v", enc, err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
		if n != len(enc) {
			t.Errorf("round trip %d: consumed %d, want %d", v, n, len(enc))
		}
	}
}

func TestSizeMatchesEncodeLength(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 16383, 16384, math.MaxUint64}

	for _, v := range cases {
		if got, want := Size(v), len(Encode(v)); got != want {
			t.Errorf("Size(%d) = %d, want %d", v, got, want)
		}
	}
}

func TestZeroIsSingleByte(t *testing.T) {
	enc := Encode(0)
	if len(enc) != 1 || enc[0] != 0x00 {
		t.Fatalf("Encode(0) = %v, want [0x00]", enc)
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode([]byte{0x80, 0x80})
	if err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestDecodeEmpty(t *testing.T) {
	_, _, err := Decode(nil)
	if err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestDecodeOverflow(t *testing.T) {
	// 10 continuation bytes where the final byte carries more than 1 bit.
	input := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x02}
	_, _, err := Decode(input)
	if err != ErrOverflow {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
}

func TestDecodeConsumesOnlyOneValue(t *testing.T) {
	enc := Encode(300)
	trailing := append(append([]byte{}, enc...), 0xAA, 0xBB)

	got, n, err := Decode(trailing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 300 {
		t.Errorf("got %d, want 300", got)
	}
	if n != len(enc) {
		t.Errorf("consumed %d, want %d (trailing bytes must not be consumed)", n, len(enc))
	}
}

func TestExactByteSizeFormula(t *testing.T) {
	// Encoding of value N produces ceil(log128(N+1)) bytes (1 byte for N=0).
	cases := map[uint64]int{
		0:     1,
		127:   1,
		128:   2,
		16383: 2,
		16384: 3,
	}
	for v, want := range cases {
		if got := len(Encode(v)); got != want {
			t.Errorf("len(Encode(%d)) = %d, want %d", v, got, want)
		}
	}
}
