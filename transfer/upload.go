package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fileshare-project/fsp/wire"
)

// Upload splits a source file into ordered DATA_PACKETs, emitting one at a
// time on demand. There is no retransmission logic: the transport is a
// reliable, ordered stream (TLS over TCP), so packet loss is its problem,
// not this engine's.
type Upload struct {
	file        *os.File
	packetSize  uint64
	nextID      uint64
	request     wire.SendFilePayload
	transferred uint64
	done        bool
}

// NewUpload opens hostPath and builds the SEND_FILE descriptor for it:
// virtualPath is what's advertised to the peer, packetSize governs chunking,
// and packetStart lets the caller skip leading packets (e.g. to resume a
// transfer the peer already has part of via RECEIVE_FILE's packet-start
// field). The file's digest is computed with digest, streaming rather than
// loading the whole file.
func NewUpload(hostPath, virtualPath string, packetSize, packetStart uint64, digest DigestFunc) (*Upload, error) {
	info, err := os.Stat(hostPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: NewUpload: %w", err)
	}

	sum, err := digest(wire.HashSHA512, hostPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: NewUpload: hashing %s: %w", hostPath, err)
	}

	size := uint64(info.Size())
	totalPackets := size / packetSize
	if size%packetSize != 0 || size == 0 {
		// The count leaves out the extra empty packet NextPacket emits
		// after an exact multiple of packetSize, but a zero-byte file
		// counts its one required (empty) final packet.
		totalPackets++
	}
	if packetStart > totalPackets {
		return nil, fmt.Errorf("transfer: NewUpload: packet-start %d exceeds total packets %d", packetStart, totalPackets)
	}
	totalPackets -= packetStart

	f, err := os.Open(hostPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: NewUpload: %w", err)
	}
	if packetStart > 0 {
		if _, err := f.Seek(int64(packetStart*packetSize), 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("transfer: NewUpload: seeking to packet-start: %w", err)
		}
	}

	return &Upload{
		file:       f,
		packetSize: packetSize,
		nextID:     packetStart,
		request: wire.SendFilePayload{
			FilePath:     virtualPath,
			HashAlgo:     wire.HashSHA512,
			Hash:         sum,
			ModTime:      info.ModTime().Unix(),
			PacketSize:   packetSize,
			TotalPackets: totalPackets,
		},
	}, nil
}

// OriginalRequest returns the SEND_FILE descriptor this upload was built
// from.
func (u *Upload) OriginalRequest() wire.SendFilePayload { return u.request }

// Finished reports whether the source file has been fully read and closed.
func (u *Upload) Finished() bool { return u.done }

// TransferredBytes returns the number of bytes read from the source so far.
func (u *Upload) TransferredBytes() uint64 { return u.transferred }

// NextPacket reads up to packetSize bytes from the current cursor and
// returns a DATA_PACKET for them; the caller frames it under the
// transfer's message-id. A short read (fewer than packetSize bytes,
// including zero) closes the source file and marks the upload Finished
// after this call. Reaching EOF is not itself an error (a zero-byte file
// still emits its one required empty final packet via exactly this path);
// only a genuine read failure, anything but io.EOF, is. NextPacket must
// not be called again once Finished reports true.
func (u *Upload) NextPacket() (wire.DataPacketPayload, error) {
	buf := make([]byte, u.packetSize)
	n, err := u.file.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		u.closeDone()
		return wire.DataPacketPayload{
			FilePath: u.request.FilePath,
			PacketID: u.nextID,
			Data:     nil,
		}, fmt.Errorf("transfer: reading next packet: %w", err)
	}

	data := buf[:n]
	packet := wire.DataPacketPayload{
		FilePath: u.request.FilePath,
		PacketID: u.nextID,
		Data:     data,
	}
	u.nextID++
	u.transferred += uint64(n)

	if uint64(n) < u.packetSize {
		u.closeDone()
	}

	return packet, nil
}

func (u *Upload) closeDone() {
	if u.done {
		return
	}
	u.file.Close()
	u.done = true
}
