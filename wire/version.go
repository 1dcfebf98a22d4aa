package wire

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Version is a 3-byte big-endian (major, minor, patch) protocol version.
type Version struct {
	Major, Minor, Patch byte
}

// NewVersion builds a Version from its three components.
func NewVersion(major, minor, patch byte) Version {
	return Version{Major: major, Minor: minor, Patch: patch}
}

// Bytes renders v as its 3-byte wire representation.
func (v Version) Bytes() [3]byte {
	return [3]byte{v.Major, v.Minor, v.Patch}
}

// ParseVersion reads a Version from the first 3 bytes of input.
func ParseVersion(input []byte) (Version, error) {
	if len(input) < 3 {
		return Version{}, fmt.Errorf("wire: version needs 3 bytes, got %d", len(input))
	}
	return Version{Major: input[0], Minor: input[1], Patch: input[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 comparing v to o, lexicographically by
// (Major, Minor, Patch), the same ordering as the underlying byte triple.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpByte(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpByte(v.Minor, o.Minor)
	default:
		return cmpByte(v.Patch, o.Patch)
	}
}

func cmpByte(a, b byte) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// SupportedVersions is the set of protocol versions this implementation can
// speak, newest first. Only one version exists today; the negotiator is
// written to generalize cleanly once a second is added.
var SupportedVersions = []Version{
	NewVersion(0, 0, 0),
}

// ErrNoCommonVersion indicates the two peers' supported-version sets do not
// intersect.
var ErrNoCommonVersion = errors.New("wire: no common protocol version")

// ErrVersionNotOffered indicates the server selected a version the client
// never advertised.
var ErrVersionNotOffered = errors.New("wire: server selected a version we did not offer")

// NegotiateServer intersects offered (the client's advertised versions) with
// SupportedVersions and returns the maximum common version.
func NegotiateServer(offered []Version) (Version, error) {
	var best *Version
	for _, ours := range SupportedVersions {
		for _, theirs := range offered {
			if ours.Compare(theirs) != 0 {
				continue
			}
			if best == nil || ours.Compare(*best) > 0 {
				v := ours
				best = &v
			}
		}
	}
	if best == nil {
		logrus.WithFields(logrus.Fields{
			"function": "NegotiateServer",
			"offered":  offered,
		}).Warn("no common protocol version")
		return Version{}, ErrNoCommonVersion
	}
	return *best, nil
}

// ValidateClientSelection checks that the server's selected version is one
// the client itself offered.
func ValidateClientSelection(selected Version, offered []Version) error {
	for _, v := range offered {
		if v.Compare(selected) == 0 {
			return nil
		}
	}
	return ErrVersionNotOffered
}

// EncodeSupportedVersions renders the pre-auth SUPPORTED_VERSIONS payload:
// a 1-byte count followed by count 3-byte version triples. Pre-auth frames
// do not use the VarInt payload-size prefix.
func EncodeSupportedVersions(versions []Version) []byte {
	out := make([]byte, 0, 1+3*len(versions))
	out = append(out, byte(len(versions)))
	for _, v := range versions {
		b := v.Bytes()
		out = append(out, b[0], b[1], b[2])
	}
	return out
}

// DecodeSupportedVersions parses a SUPPORTED_VERSIONS payload.
func DecodeSupportedVersions(input []byte) ([]Version, error) {
	if len(input) < 1 {
		return nil, fmt.Errorf("wire: %w", ErrPayloadUnderrun)
	}
	count := int(input[0])
	want := 1 + 3*count
	if len(input) != want {
		return nil, fmt.Errorf("wire: SUPPORTED_VERSIONS expects %d bytes, got %d: %w", want, len(input), ErrPayloadUnderrun)
	}
	versions := make([]Version, count)
	for i := 0; i < count; i++ {
		off := 1 + 3*i
		versions[i] = Version{Major: input[off], Minor: input[off+1], Patch: input[off+2]}
	}
	return versions, nil
}

// EncodeSelectedVersion renders the pre-auth SELECTED_VERSION payload: a
// single 3-byte version triple.
func EncodeSelectedVersion(v Version) []byte {
	b := v.Bytes()
	return []byte{b[0], b[1], b[2]}
}

// DecodeSelectedVersion parses a SELECTED_VERSION payload.
func DecodeSelectedVersion(input []byte) (Version, error) {
	if len(input) != 3 {
		return Version{}, fmt.Errorf("wire: SELECTED_VERSION expects 3 bytes, got %d: %w", len(input), ErrPayloadUnderrun)
	}
	return ParseVersion(input)
}
