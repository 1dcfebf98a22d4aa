package wire

import "fmt"

// fixedWidth is the byte length of the fixed-width integer codec used for
// mtimes and other 64-bit fields that are not VarInt-encoded.
const fixedWidth = 8

// PutUint64 emits v as 8 little-endian bytes.
func PutUint64(v uint64) []byte {
	out := make([]byte, fixedWidth)
	for i := 0; i < fixedWidth; i++ {
		out[i] = byte(v >> (8 * uint(i)))
	}
	return out
}

// PutInt64 emits v as 8 little-endian bytes, reinterpreting the sign bits.
func PutInt64(v int64) []byte {
	return PutUint64(uint64(v))
}

// ParseUint64 decodes the first 8 bytes of input as a little-endian u64.
func ParseUint64(input []byte) (uint64, error) {
	if len(input) < fixedWidth {
		return 0, fmt.Errorf("wire: fixed-width field needs %d bytes, got %d", fixedWidth, len(input))
	}
	var v uint64
	for i := 0; i < fixedWidth; i++ {
		v |= uint64(input[i]) << (8 * uint(i))
	}
	return v, nil
}

// ParseInt64 decodes the first 8 bytes of input as a little-endian i64.
func ParseInt64(input []byte) (int64, error) {
	v, err := ParseUint64(input)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}
