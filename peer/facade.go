package peer

import (
	"fmt"
	"path/filepath"

	"github.com/fileshare-project/fsp/transfer"
	"github.com/fileshare-project/fsp/wire"
)

// ProgressFunc is invoked periodically by the blocking transfer facades to
// report bytes moved so far.
type ProgressFunc func(virtualPath string, transferred, total uint64)

// waitForStatus blocks, calling Poll, until id's outgoing entry carries a
// terminal (non-APPROVAL_PENDING) status, or has been forgotten entirely;
// the latter is treated as StatusOK, since entries are only forgotten
// after a successful terminal reply.
func (p *Peer) waitForStatus(id byte) (wire.StatusCode, error) {
	for {
		entry, ok := p.queue.Outgoing(id)
		if !ok {
			return wire.StatusOK, nil
		}
		if entry.HasStatus && entry.Status.IsTerminal() {
			return entry.Status, nil
		}
		if err := p.Poll(); err != nil {
			return 0, err
		}
	}
}

// waitReceiveFile blocks until the outstanding RECEIVE_FILE named by id
// either settles with a terminal status on its own (the remote rejected it
// outright) or its slot is forgotten by handleSendFile once the matching
// SEND_FILE arrives, at which point the real outcome (status plus the id
// the download was registered under) is read from recvResults.
func (p *Peer) waitReceiveFile(id byte, virtualPath string) (recvResult, error) {
	for {
		if entry, ok := p.queue.Outgoing(id); ok {
			if entry.HasStatus && entry.Status.IsTerminal() {
				return recvResult{status: entry.Status}, nil
			}
		} else if res, ok := p.recvResults[virtualPath]; ok {
			delete(p.recvResults, virtualPath)
			return res, nil
		}
		if err := p.Poll(); err != nil {
			return recvResult{}, err
		}
	}
}

// waitListing blocks until the listing registered under id has consumed
// its final page, or the LIST_FILES request settles with a non-OK
// terminal status (rejection).
func (p *Peer) waitListing(id byte) (wire.StatusCode, error) {
	for {
		if c, ok := p.listings[id]; ok && c.Done() {
			return wire.StatusOK, nil
		}
		if entry, ok := p.queue.Outgoing(id); ok && entry.HasStatus && entry.Status.IsTerminal() && entry.Status != wire.StatusOK {
			return entry.Status, nil
		}
		if err := p.Poll(); err != nil {
			return 0, err
		}
	}
}

// Ping sends a PING and blocks for its RESPONSE.
func (p *Peer) Ping() error {
	id, err := p.sendRequestRaw(wire.CommandPing, wire.PingPayload{}.Encode())
	if err != nil {
		return fmt.Errorf("peer: Ping: %w", err)
	}
	status, err := p.waitForStatus(id)
	if err != nil {
		return fmt.Errorf("peer: Ping: %w", err)
	}
	if status != wire.StatusOK {
		return fmt.Errorf("peer: Ping: unexpected status %s", status)
	}
	return nil
}

// SendFile pushes hostPath to the remote peer as an unprompted SEND_FILE
// and blocks until the transfer completes or is rejected.
// The virtual path advertised to the remote is derived from the local
// FileMapping via HostToVirtual, falling back to the file's bare name if no
// mapping covers it. progress may be nil.
func (p *Peer) SendFile(hostPath string, progress ProgressFunc) (wire.StatusCode, error) {
	virtualPath, ok := p.mapping.HostToVirtual(hostPath)
	if !ok {
		virtualPath = "/" + filepath.Base(hostPath)
	}

	up, err := transfer.NewUpload(hostPath, virtualPath, p.packetSize, 0, p.digest)
	if err != nil {
		return 0, fmt.Errorf("peer: SendFile: %w", err)
	}

	id, err := p.sendRequestRaw(wire.CommandSendFile, up.OriginalRequest().Encode())
	if err != nil {
		return 0, fmt.Errorf("peer: SendFile: %w", err)
	}
	p.uploads[id] = up
	p.metrics.setActive("upload", len(p.uploads))

	// Packet replies drive the pipeline inside Poll; the entry's status
	// cycles as each DATA_PACKET reuses the id, so a non-OK terminal at any
	// point is the rejection (or mid-transfer failure) signal.
	for !up.Finished() {
		if entry, ok := p.queue.Outgoing(id); ok && entry.HasStatus && entry.Status.IsTerminal() && entry.Status != wire.StatusOK {
			delete(p.uploads, id)
			p.metrics.setActive("upload", len(p.uploads))
			return entry.Status, nil
		}
		if progress != nil {
			req := up.OriginalRequest()
			progress(virtualPath, up.TransferredBytes(), req.TotalPackets*req.PacketSize)
		}
		if err := p.Poll(); err != nil {
			return 0, fmt.Errorf("peer: SendFile: %w", err)
		}
	}
	return wire.StatusOK, nil
}

// ReceiveFile requests virtualPath from the remote peer and blocks until
// the resulting download finishes, matches a file we already have
// (StatusUpToDate), or is rejected. progress may be nil.
func (p *Peer) ReceiveFile(virtualPath string, progress ProgressFunc) (wire.StatusCode, error) {
	req := wire.ReceiveFilePayload{FilePath: virtualPath, PacketSize: p.packetSize, PacketStart: 0}
	id, err := p.sendRequestRaw(wire.CommandReceiveFile, req.Encode())
	if err != nil {
		return 0, fmt.Errorf("peer: ReceiveFile: %w", err)
	}
	p.pendingReceiveFile[virtualPath] = id

	res, err := p.waitReceiveFile(id, virtualPath)
	if err != nil {
		delete(p.pendingReceiveFile, virtualPath)
		return 0, fmt.Errorf("peer: ReceiveFile: %w", err)
	}
	if res.status != wire.StatusOK {
		return res.status, nil
	}

	dl, ok := p.downloads[res.downloadID]
	if !ok {
		return wire.StatusInternalError, fmt.Errorf("peer: ReceiveFile: no download registered under id %d", res.downloadID)
	}

	for !dl.Finished() {
		if _, active := p.downloads[res.downloadID]; !active {
			// handleDataPacket dropped the transfer on a write or hash error.
			return wire.StatusInternalError, fmt.Errorf("peer: ReceiveFile: transfer aborted")
		}
		if progress != nil {
			req := dl.OriginalRequest()
			progress(virtualPath, dl.TransferredBytes(), req.TotalPackets*req.PacketSize)
		}
		if err := p.Poll(); err != nil {
			return 0, fmt.Errorf("peer: ReceiveFile: %w", err)
		}
	}

	delete(p.downloads, res.downloadID)
	delete(p.keepDownload, res.downloadID)
	p.metrics.setActive("download", len(p.downloads))
	return wire.StatusOK, nil
}

// ListFiles requests a listing of folderPath from the remote peer and
// blocks until every FILE_LIST page has been consumed. Page sizing is the
// responder's: each page carries as many entries as fit its byte budget.
func (p *Peer) ListFiles(folderPath string) ([]wire.FileEntry, wire.StatusCode, error) {
	req := wire.ListFilesPayload{FolderPath: folderPath, PageNb: 0, PageSize: transfer.ListPacketBudget}
	id, err := p.sendRequestRaw(wire.CommandListFiles, req.Encode())
	if err != nil {
		return nil, 0, fmt.Errorf("peer: ListFiles: %w", err)
	}

	status, err := p.waitListing(id)
	if err != nil {
		delete(p.listings, id)
		return nil, 0, fmt.Errorf("peer: ListFiles: %w", err)
	}
	if status != wire.StatusOK {
		delete(p.listings, id)
		return nil, status, nil
	}

	consumer := p.listings[id]
	delete(p.listings, id)
	return consumer.Entries(), wire.StatusOK, nil
}
