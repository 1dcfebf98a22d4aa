package wire

import (
	"errors"
	"fmt"

	"github.com/fileshare-project/fsp/varint"
)

// Magic is the 4-byte sentinel that opens every post-negotiation frame.
var Magic = [4]byte{'F', 'S', 'P', '_'}

// MaxPayloadSize bounds a single frame's declared payload size. The VarInt
// codec itself only rejects values that overflow a machine word; this is
// the protocol-level cap referenced in the resource model, chosen to keep a
// single malicious length field from requesting unbounded memory.
const MaxPayloadSize = 16 * 1024 * 1024

// Errors that are protocol-fatal for the connection they occur on.
var (
	ErrBadMagic        = errors.New("wire: bad magic bytes")
	ErrUnknownCommand  = errors.New("wire: unknown command code")
	ErrPayloadUnderrun = errors.New("wire: payload shorter than declared")
	ErrPayloadOverrun  = errors.New("wire: payload longer than declared")
	ErrMessageTooLong  = errors.New("wire: declared payload size exceeds maximum")
)

// Frame is one decoded application-layer message: envelope plus raw payload
// bytes. Callers dispatch on Code to parse Payload into a typed schema.
type Frame struct {
	Code      CommandCode
	MessageID byte
	Payload   []byte
}

// Encode renders f as magic + code + message-id + VarInt payload-size +
// payload.
func Encode(f Frame) []byte {
	size := varint.Encode(uint64(len(f.Payload)))

	out := make([]byte, 0, 4+1+1+len(size)+len(f.Payload))
	out = append(out, Magic[:]...)
	out = append(out, byte(f.Code), f.MessageID)
	out = append(out, size...)
	out = append(out, f.Payload...)
	return out
}

// Decode attempts to pull one complete Frame from the front of input. It
// returns (frame, bytesConsumed, nil) on success, (Frame{}, 0, nil) if input
// does not yet hold a complete frame, or (Frame{}, 0, err) if input contains
// a structurally invalid frame (bad magic, oversize payload declaration).
//
// A zero consumed count with a nil error means "need more bytes"; callers
// must not treat that as failure.
func Decode(input []byte) (Frame, int, error) {
	const headerMin = 4 + 1 + 1 + 1 // magic + code + message-id + 1-byte varint minimum

	if len(input) < headerMin {
		return Frame{}, 0, nil
	}
	if input[0] != Magic[0] || input[1] != Magic[1] || input[2] != Magic[2] || input[3] != Magic[3] {
		return Frame{}, 0, fmt.Errorf("wire: %w", ErrBadMagic)
	}

	code := CommandCode(input[4])
	if !code.Known() {
		return Frame{}, 0, fmt.Errorf("wire: code 0x%02x: %w", byte(code), ErrUnknownCommand)
	}
	messageID := input[5]

	size, sizeLen, err := varint.Decode(input[6:])
	if err != nil {
		if errors.Is(err, varint.ErrTruncated) {
			return Frame{}, 0, nil
		}
		return Frame{}, 0, fmt.Errorf("wire: %w", err)
	}
	if size > MaxPayloadSize {
		return Frame{}, 0, fmt.Errorf("wire: declared size %d: %w", size, ErrMessageTooLong)
	}

	headerLen := 6 + sizeLen
	total := headerLen + int(size)
	if len(input) < total {
		return Frame{}, 0, nil
	}

	payload := make([]byte, size)
	copy(payload, input[headerLen:total])

	return Frame{Code: code, MessageID: messageID, Payload: payload}, total, nil
}
