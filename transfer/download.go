// Package transfer implements the three long-lived transfer engines that
// span multiple request/response pairs under one message-id: download
// (reassembling an incoming packet stream into a file), upload (splitting a
// file into ordered packets), and list-files (paginated virtual-subtree
// enumeration, both producer and consumer sides).
package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/fileshare-project/fsp/wire"
)

// downloadSuffix is appended to the target filename while a download is in
// flight.
const downloadSuffix = ".fsdownload"

// ErrUpToDate indicates the download was short-circuited: either the final
// target already matches the advertised hash, or a ".fsdownload" sidecar
// from a previous attempt already exists. A pre-existing sidecar is not
// resumed; partial-download resume is unimplemented (see DESIGN.md).
var ErrUpToDate = errors.New("transfer: file is already up to date")

// ErrPacketSizeMismatch is a protocol-fatal error: a non-final DATA_PACKET
// arrived with a size other than the advertised packet size.
var ErrPacketSizeMismatch = errors.New("transfer: packet size does not match advertised size")

// ErrHashMismatch indicates the fully reassembled file's digest does not
// match the hash the sender advertised in SEND_FILE.
var ErrHashMismatch = errors.New("transfer: reassembled file hash does not match advertised hash")

// DigestFunc computes a file's digest under the given hash algorithm,
// streaming the read so large files don't need to fit in memory. Satisfied
// by fspcrypto.FileDigest.
type DigestFunc func(algo wire.HashAlgorithm, path string) ([]byte, error)

// Download reassembles an out-of-order DATA_PACKET stream into a file,
// tracking packet gaps so reordered or skipped packets are filled in
// correctly, and verifying the final digest before promoting the result
// from its ".fsdownload" sidecar to the target filename.
type Download struct {
	target  string
	temp    string
	request wire.SendFilePayload
	digest  DigestFunc

	file        *os.File
	endOffset   int64
	expectedID  uint64
	gaps        map[uint64]struct{}
	transferred uint64
	finished    bool
}

// NewDownload prepares a Download for target, driven by the SEND_FILE
// descriptor req. It returns ErrUpToDate without creating any file if
// target already has the advertised hash, or if a ".fsdownload" sidecar
// from an earlier attempt is already present.
func NewDownload(target string, req wire.SendFilePayload, digest DigestFunc) (*Download, error) {
	log := logrus.WithFields(logrus.Fields{"function": "NewDownload", "target": target})

	temp := target + downloadSuffix

	if _, err := os.Stat(temp); err == nil {
		log.Debug("sidecar already present, short-circuiting as up to date")
		return nil, ErrUpToDate
	}

	if _, err := os.Stat(target); err == nil {
		sum, err := digest(req.HashAlgo, target)
		if err != nil {
			return nil, fmt.Errorf("transfer: NewDownload: hashing existing target: %w", err)
		}
		if bytesEqual(sum, req.Hash) {
			log.Debug("target already matches advertised hash")
			return nil, ErrUpToDate
		}
	}

	if err := os.MkdirAll(filepath.Dir(temp), 0o755); err != nil {
		return nil, fmt.Errorf("transfer: NewDownload: %w", err)
	}
	f, err := os.OpenFile(temp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transfer: NewDownload: %w", err)
	}

	return &Download{
		target:  target,
		temp:    temp,
		request: req,
		digest:  digest,
		file:    f,
		gaps:    make(map[uint64]struct{}),
	}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Finished reports whether the download has completed (successfully
// renamed to its target) and released its file handle.
func (d *Download) Finished() bool { return d.finished }

// TransferredBytes returns the number of DATA_PACKET payload bytes written
// so far. Zero-filled gap placeholders are not counted; a packet received
// again is counted again.
func (d *Download) TransferredBytes() uint64 { return d.transferred }

// OriginalRequest returns the SEND_FILE descriptor this download was
// constructed from.
func (d *Download) OriginalRequest() wire.SendFilePayload { return d.request }

// ReceivePacket processes one DATA_PACKET: a packet at the expected id
// appends in place; a packet ahead of the expected id zero-fills the gap
// and records it; a packet behind the expected id seeks back to fill a
// previously recorded gap. Returns true once the file is fully
// reassembled, verified, and renamed into place.
func (d *Download) ReceivePacket(packetID uint64, data []byte) (bool, error) {
	if d.finished {
		return true, nil
	}

	packetSize := d.request.PacketSize
	totalPackets := d.request.TotalPackets

	switch {
	case packetID == d.expectedID:
		isLast := packetID+1 == totalPackets
		if uint64(len(data)) != packetSize && !isLast {
			return false, fmt.Errorf("transfer: packet %d: %w", packetID, ErrPacketSizeMismatch)
		}
		if _, err := d.file.Write(data); err != nil {
			return false, fmt.Errorf("transfer: writing packet %d: %w", packetID, err)
		}
		d.endOffset += int64(len(data))
		d.transferred += uint64(len(data))
		d.expectedID++
		if isLast && len(d.gaps) == 0 {
			return true, d.finish()
		}
		return false, nil

	case packetID > d.expectedID:
		gapCount := packetID - d.expectedID
		placeholder := make([]byte, packetSize)
		for i := uint64(0); i < gapCount; i++ {
			if _, err := d.file.Write(placeholder); err != nil {
				return false, fmt.Errorf("transfer: gap-filling packet %d: %w", d.expectedID+i, err)
			}
			d.gaps[d.expectedID+i] = struct{}{}
		}
		d.endOffset += int64(gapCount) * int64(packetSize)
		if _, err := d.file.Write(data); err != nil {
			return false, fmt.Errorf("transfer: writing packet %d: %w", packetID, err)
		}
		d.endOffset += int64(len(data))
		d.transferred += uint64(len(data))
		d.expectedID = packetID + 1
		return false, nil

	default: // packetID < d.expectedID: filling a previously recorded gap
		if _, err := d.file.Seek(int64(packetID*packetSize), 0); err != nil {
			return false, fmt.Errorf("transfer: seeking to fill packet %d: %w", packetID, err)
		}
		if _, err := d.file.Write(data); err != nil {
			return false, fmt.Errorf("transfer: filling packet %d: %w", packetID, err)
		}
		if _, err := d.file.Seek(d.endOffset, 0); err != nil {
			return false, fmt.Errorf("transfer: restoring cursor after filling packet %d: %w", packetID, err)
		}
		delete(d.gaps, packetID)
		d.transferred += uint64(len(data))
		if len(d.gaps) == 0 && d.expectedID == totalPackets {
			return true, d.finish()
		}
		return false, nil
	}
}

func (d *Download) finish() error {
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("transfer: closing %s: %w", d.temp, err)
	}

	sum, err := d.digest(d.request.HashAlgo, d.temp)
	if err != nil {
		return fmt.Errorf("transfer: hashing %s: %w", d.temp, err)
	}
	if !bytesEqual(sum, d.request.Hash) {
		return fmt.Errorf("transfer: %w", ErrHashMismatch)
	}

	if err := os.Rename(d.temp, d.target); err != nil {
		return fmt.Errorf("transfer: renaming %s to %s: %w", d.temp, d.target, err)
	}
	d.finished = true
	return nil
}
