package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// PreAuthMessageID is the message-id reserved for pre-auth traffic. The
// pre-auth frames themselves carry no message-id byte on the wire; the
// reservation exists so post-promotion allocation never hands out 0.
const PreAuthMessageID = 0

// ErrPreAuthBadMagic mirrors ErrBadMagic for the pre-auth framing, which
// carries no message-id and no VarInt payload-size field.
var ErrPreAuthBadMagic = errors.New("wire: bad magic in pre-auth frame")

// writePreAuthFrame writes magic + code + payload, with no message-id and
// no length prefix: the payload's own shape (self-describing count byte for
// SUPPORTED_VERSIONS, fixed 3 bytes for SELECTED_VERSION) bounds it.
func writePreAuthFrame(w io.Writer, code CommandCode, payload []byte) error {
	buf := make([]byte, 0, 4+1+len(payload))
	buf = append(buf, Magic[:]...)
	buf = append(buf, byte(code))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// readPreAuthHeader reads exactly the 5 header bytes from r. No buffered
// reader is layered on top: over-reading here would swallow the first bytes
// of whatever post-promotion frame the peer pipelines next.
func readPreAuthHeader(r io.Reader) (CommandCode, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, err
	}
	if header[0] != Magic[0] || header[1] != Magic[1] || header[2] != Magic[2] || header[3] != Magic[3] {
		return 0, fmt.Errorf("wire: %w", ErrPreAuthBadMagic)
	}
	return CommandCode(header[4]), nil
}

// NegotiateAsClient writes SUPPORTED_VERSIONS, reads back SELECTED_VERSION,
// and returns the promoted version. offered should be SupportedVersions
// unless the caller has a narrower policy.
func NegotiateAsClient(rw io.ReadWriter, offered []Version) (Version, error) {
	log := logrus.WithFields(logrus.Fields{"function": "NegotiateAsClient"})

	if err := writePreAuthFrame(rw, CommandSupportedVersions, EncodeSupportedVersions(offered)); err != nil {
		return Version{}, fmt.Errorf("wire: writing SUPPORTED_VERSIONS: %w", err)
	}

	code, err := readPreAuthHeader(rw)
	if err != nil {
		return Version{}, fmt.Errorf("wire: reading SELECTED_VERSION header: %w", err)
	}
	if code != CommandSelectedVersion {
		return Version{}, fmt.Errorf("wire: expected SELECTED_VERSION, got %s", code)
	}

	payload := make([]byte, 3)
	if _, err := io.ReadFull(rw, payload); err != nil {
		return Version{}, fmt.Errorf("wire: reading SELECTED_VERSION payload: %w", err)
	}
	selected, err := DecodeSelectedVersion(payload)
	if err != nil {
		return Version{}, err
	}

	if err := ValidateClientSelection(selected, offered); err != nil {
		log.WithFields(logrus.Fields{"selected": selected}).Warn("server selected unoffered version")
		return Version{}, err
	}

	log.WithFields(logrus.Fields{"version": selected}).Debug("negotiated protocol version")
	return selected, nil
}

// NegotiateAsServer reads the client's SUPPORTED_VERSIONS, intersects with
// ours, writes back SELECTED_VERSION, and returns the promoted version.
func NegotiateAsServer(rw io.ReadWriter) (Version, error) {
	log := logrus.WithFields(logrus.Fields{"function": "NegotiateAsServer"})

	code, err := readPreAuthHeader(rw)
	if err != nil {
		return Version{}, fmt.Errorf("wire: reading SUPPORTED_VERSIONS header: %w", err)
	}
	if code != CommandSupportedVersions {
		return Version{}, fmt.Errorf("wire: expected SUPPORTED_VERSIONS, got %s", code)
	}

	countByte := make([]byte, 1)
	if _, err := io.ReadFull(rw, countByte); err != nil {
		return Version{}, fmt.Errorf("wire: reading SUPPORTED_VERSIONS count: %w", err)
	}
	count := int(countByte[0])

	versionBytes := make([]byte, 3*count)
	if _, err := io.ReadFull(rw, versionBytes); err != nil {
		return Version{}, fmt.Errorf("wire: reading SUPPORTED_VERSIONS versions: %w", err)
	}

	offered, err := DecodeSupportedVersions(append(countByte, versionBytes...))
	if err != nil {
		return Version{}, err
	}

	selected, err := NegotiateServer(offered)
	if err != nil {
		log.WithFields(logrus.Fields{"offered": offered}).Warn("version negotiation failed")
		return Version{}, err
	}

	if err := writePreAuthFrame(rw, CommandSelectedVersion, EncodeSelectedVersion(selected)); err != nil {
		return Version{}, fmt.Errorf("wire: writing SELECTED_VERSION: %w", err)
	}

	log.WithFields(logrus.Fields{"version": selected}).Debug("negotiated protocol version")
	return selected, nil
}
