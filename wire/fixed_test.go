package wire

import "testing"

func TestFixedUint64RoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 255, 1 << 32, ^uint64(0)}
	for _, v := range cases {
		enc := PutUint64(v)
		if len(enc) != 8 {
			t.Fatalf("PutUint64(%d) len = %d, want 8", v, len(enc))
		}
		got, err := ParseUint64(enc)
		if err != nil {
			t.Fatalf("ParseUint64 error: %v", err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
	}
}

func TestFixedInt64RoundTrip(t *testing.T) {
	cases := []int64{0, -1, 1700000000, -1700000000}
	for _, v := range cases {
		enc := PutInt64(v)
		got, err := ParseInt64(enc)
		if err != nil {
			t.Fatalf("ParseInt64 error: %v", err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
	}
}

func TestParseUint64TooShort(t *testing.T) {
	_, err := ParseUint64([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestFixedIsLittleEndian(t *testing.T) {
	enc := PutUint64(1)
	if enc[0] != 1 {
		t.Fatalf("PutUint64(1)[0] = %d, want 1 (little-endian)", enc[0])
	}
	for i := 1; i < 8; i++ {
		if enc[i] != 0 {
			t.Fatalf("PutUint64(1)[%d] = %d, want 0", i, enc[i])
		}
	}
}
