package peer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fileshare-project/fsp/fspcrypto"
	"github.com/fileshare-project/fsp/queue"
	"github.com/fileshare-project/fsp/transfer"
	"github.com/fileshare-project/fsp/transport"
	"github.com/fileshare-project/fsp/vfs"
	"github.com/fileshare-project/fsp/wire"
)

// sendPipelineDepth is how many DATA_PACKETs an upload keeps in flight
// once its SEND_FILE is accepted.
const sendPipelineDepth = 5

// readChunkSize is how much is read from the connection per Poll call.
const readChunkSize = 64 * 1024

// PendingRequest is an incoming request the authorization rule table could
// not resolve on its own: the caller must eventually call RespondToRequest
// with a final status. A StatusApprovalPending RESPONSE has already been
// sent by the time a PendingRequest is surfaced, so the remote peer knows
// the request is awaiting a decision; its slot for the request stays
// occupied until the final status arrives.
type PendingRequest struct {
	MessageID byte
	Code      wire.CommandCode
	Payload   []byte
}

// Stats is a snapshot of a Peer's current transfer activity.
type Stats struct {
	ActiveUploads   int
	ActiveDownloads int
}

// recvResult is the outcome of a RECEIVE_FILE whose SEND_FILE counterpart
// has arrived: the terminal status, and the message-id the resulting
// download is registered under.
type recvResult struct {
	status     wire.StatusCode
	downloadID byte
}

// Peer is one authenticated, version-negotiated connection: the
// authorization rule table, transfer-map bookkeeping for uploads,
// downloads and directory listings, and both a poll-driven and (in
// facade.go) a blocking interface over them.
//
// Every transfer is correlated by the message-id it was established with:
// an upload by the id of our SEND_FILE, a download by the id of the
// incoming SEND_FILE, a listing by the id of our LIST_FILES. Every
// DATA_PACKET or FILE_LIST frame of a transfer travels under that same id,
// which is what lets several transfers of the same opcode be in flight at
// once and unambiguously matched.
//
// Concurrency: a Peer supports at most one reader. Either a single carrier
// drives everything (the blocking facade), or one goroutine loops Poll
// while another consumes PullRequests and answers via RespondToRequest,
// the two-goroutine pattern Server uses for inbound connections; mu makes
// that pattern safe. Mixing an external Poll loop with the blocking facade
// on the same Peer is not supported: both would block in Read competing
// for the same frames.
type Peer struct {
	mu sync.Mutex

	conn            transport.Conn
	queue           *queue.Queue
	mapping         *vfs.FileMapping
	downloadsFolder string
	localUUID       string
	remote          fspcrypto.Identity
	digest          transfer.DigestFunc
	packetSize      uint64
	metrics         *Metrics

	// uploads is keyed by the message-id of our outgoing SEND_FILE;
	// downloads by the message-id of the incoming SEND_FILE. DATA_PACKETs
	// carry the same id, so lookup is a direct index.
	uploads      map[byte]*transfer.Upload
	downloads    map[byte]*transfer.Download
	keepDownload map[byte]bool

	// pendingReceiveFile tracks our own outstanding RECEIVE_FILE requests by
	// the virtual path they named, so an incoming SEND_FILE that matches one
	// can be auto-approved and treated as that request's real completion
	// signal rather than a fresh, manually-approved push.
	pendingReceiveFile map[string]byte

	// recvResults holds the outcome of a RECEIVE_FILE whose SEND_FILE
	// counterpart already arrived, keyed by virtual path, for the blocking
	// ReceiveFile facade (facade.go) to pick up after the outgoing queue
	// entry itself has been forgotten.
	recvResults map[string]recvResult

	// listings holds the consumers for our own in-flight LIST_FILES
	// requests, keyed by each request's message-id; incoming FILE_LIST
	// pages arrive under that id.
	listings map[byte]*transfer.FileListConsumer

	pending []PendingRequest
	readBuf []byte
}

// New promotes a completed PreAuthPeer into a full Peer. mapping is this
// device's virtual file tree, used both to serve incoming LIST_FILES/
// RECEIVE_FILE requests and to translate host-initiated uploads.
// downloadsFolder is the root directory incoming transfers are written
// under, namespaced by the remote device's uuid. packetSize is used when a
// RECEIVE_FILE request does not specify one. metrics may be nil.
func New(pre *PreAuthPeer, mapping *vfs.FileMapping, downloadsFolder, localUUID string, digest transfer.DigestFunc, packetSize uint64, metrics *Metrics) *Peer {
	return &Peer{
		conn:               pre.Conn(),
		queue:              queue.New(),
		mapping:            mapping,
		downloadsFolder:    downloadsFolder,
		localUUID:          localUUID,
		remote:             pre.Identity(),
		digest:             digest,
		packetSize:         packetSize,
		metrics:            metrics,
		uploads:            make(map[byte]*transfer.Upload),
		downloads:          make(map[byte]*transfer.Download),
		keepDownload:       make(map[byte]bool),
		pendingReceiveFile: make(map[string]byte),
		recvResults:        make(map[string]recvResult),
		listings:           make(map[byte]*transfer.FileListConsumer),
	}
}

// Identity returns the remote peer's (uuid, device name, public key), as
// extracted from its certificate during the pre-auth handshake.
func (p *Peer) Identity() fspcrypto.Identity { return p.remote }

// Conn returns the underlying transport connection.
func (p *Peer) Conn() transport.Conn { return p.conn }

// Close closes the underlying connection.
func (p *Peer) Close() error { return p.conn.Close() }

// Stats returns a snapshot of current transfer activity.
func (p *Peer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{ActiveUploads: len(p.uploads), ActiveDownloads: len(p.downloads)}
}

// PullRequests returns and clears the requests buffered since the last
// call, each awaiting a RespondToRequest call with a final status.
func (p *Peer) PullRequests() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending
	p.pending = nil
	return out
}

// RespondToRequest sends status as the final reply to a previously
// buffered request. Calling it for a message-id not currently buffered is
// harmless: SendReply will simply fail with queue.ErrUnknownMessageID.
//
// An approved unprompted SEND_FILE push (status OK) additionally starts the
// download handler, the same way an auto-approved one does via beginDownload
// for a matched RECEIVE_FILE: the caller's OK here is the sole approval
// signal in that case, since no RECEIVE_FILE preceded it.
func (p *Peer) RespondToRequest(messageID byte, status wire.StatusCode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.queue.Incoming(messageID)
	if !ok {
		return p.sendReply(messageID, status)
	}

	if status != wire.StatusOK {
		p.metrics.observeRejected(entry.Code.String(), status.String())
		return p.sendReply(messageID, status)
	}

	if entry.Code == wire.CommandSendFile {
		req, err := wire.DecodeSendFile(entry.Payload)
		if err != nil {
			return p.sendReply(messageID, wire.StatusBadRequest)
		}
		return p.beginDownload(messageID, req, false)
	}

	return p.sendReply(messageID, status)
}

// Poll reads whatever is available on the connection, parses as many
// complete frames as that yields, and dispatches each through the
// authorization rule table or the outgoing-reply handler. It blocks until
// the underlying Read call returns, so callers that want a timeout should
// set one on the connection (via SetReadDeadline) before calling Poll.
func (p *Peer) Poll() error {
	// The read happens outside mu so a concurrent RespondToRequest never
	// waits behind a Read that has nothing to deliver yet.
	buf := make([]byte, readChunkSize)
	n, err := p.conn.Read(buf)

	p.mu.Lock()
	defer p.mu.Unlock()

	if n > 0 {
		p.readBuf = append(p.readBuf, buf[:n]...)
	}
	if err != nil && n == 0 {
		return fmt.Errorf("peer: Poll: %w", err)
	}

	for {
		frame, consumed, decErr := wire.Decode(p.readBuf)
		if decErr != nil {
			return fmt.Errorf("peer: Poll: %w", decErr)
		}
		if consumed == 0 {
			break
		}
		p.readBuf = p.readBuf[consumed:]
		if err := p.handleFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) handleFrame(f wire.Frame) error {
	if f.Code == wire.CommandResponse {
		resp, err := wire.DecodeResponse(f.Payload)
		if err != nil {
			return fmt.Errorf("peer: handleFrame: %w", err)
		}
		return p.receiveReply(f.MessageID, resp.Status)
	}

	p.queue.ReceiveRequest(f.MessageID, f.Code, f.Payload)
	return p.authorizeRequest(f.MessageID, f.Code, f.Payload)
}

// authorizeRequest implements the per-opcode rule table: some requests are
// resolved immediately (auto-approved or auto-rejected), others are
// buffered for the application to decide via RespondToRequest.
func (p *Peer) authorizeRequest(id byte, code wire.CommandCode, payload []byte) error {
	log := logrus.WithFields(logrus.Fields{"function": "Peer.authorizeRequest", "message_id": id, "code": code})

	switch code {
	case wire.CommandPing:
		return p.sendReply(id, wire.StatusOK)

	case wire.CommandDataPacket:
		return p.handleDataPacket(id, payload)

	case wire.CommandSendFile:
		return p.handleSendFile(id, payload)

	case wire.CommandReceiveFile:
		return p.handleReceiveFile(id, payload)

	case wire.CommandListFiles:
		return p.handleListFiles(id, payload)

	case wire.CommandFileList:
		return p.handleFileList(id, payload)

	default:
		log.Debug("deferring to manual approval")
		return p.buffer(id, code, payload)
	}
}

func (p *Peer) buffer(id byte, code wire.CommandCode, payload []byte) error {
	if err := p.sendReply(id, wire.StatusApprovalPending); err != nil {
		return err
	}
	p.pending = append(p.pending, PendingRequest{MessageID: id, Code: code, Payload: payload})
	return nil
}

// handleDataPacket forwards a DATA_PACKET to the download registered under
// the frame's message-id. A packet under an id with no active download is
// answered INVALID_REQUEST_ID, even if some other id is transferring the
// same filepath.
func (p *Peer) handleDataPacket(id byte, payload []byte) error {
	packet, err := wire.DecodeDataPacket(payload)
	if err != nil {
		return p.sendReply(id, wire.StatusBadRequest)
	}

	dl, ok := p.downloads[id]
	if !ok {
		return p.sendReply(id, wire.StatusInvalidRequestID)
	}
	if packet.FilePath != dl.OriginalRequest().FilePath {
		return p.sendReply(id, wire.StatusBadRequest)
	}

	finished, err := dl.ReceivePacket(packet.PacketID, packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Peer.handleDataPacket",
			"message_id": id,
			"file_path":  packet.FilePath,
		}).WithError(err).Warn("download failed")
		delete(p.downloads, id)
		delete(p.keepDownload, id)
		p.metrics.setActive("download", len(p.downloads))
		status := wire.StatusBadRequest
		if errors.Is(err, transfer.ErrHashMismatch) {
			status = wire.StatusInternalError
		}
		return p.sendReply(id, status)
	}

	p.metrics.addBytes("download", uint64(len(packet.Data)))
	if err := p.sendReply(id, wire.StatusOK); err != nil {
		return err
	}

	if finished && !p.keepDownload[id] {
		delete(p.downloads, id)
	}
	p.metrics.setActive("download", len(p.downloads))
	return nil
}

func (p *Peer) handleSendFile(id byte, payload []byte) error {
	req, err := wire.DecodeSendFile(payload)
	if err != nil {
		return p.sendReply(id, wire.StatusBadRequest)
	}

	if rfID, ok := p.pendingReceiveFile[req.FilePath]; ok {
		delete(p.pendingReceiveFile, req.FilePath)
		if err := p.queue.ReceiveReply(rfID, wire.StatusOK); err != nil {
			logrus.WithFields(logrus.Fields{"function": "Peer.handleSendFile"}).WithError(err).Warn("finalizing RECEIVE_FILE slot")
		}
		p.queue.ForgetOutgoing(rfID)
		return p.beginDownload(id, req, true)
	}

	// A SEND_FILE with no matching outstanding RECEIVE_FILE is an
	// unprompted push: defer to manual approval.
	return p.buffer(id, wire.CommandSendFile, payload)
}

// beginDownload constructs a download handler for an incoming SEND_FILE,
// registers it under that request's message-id, and replies with its
// outcome. fromFacade is true when this SEND_FILE is the completion signal
// for one of our own outstanding RECEIVE_FILE requests (facade.go's
// blocking ReceiveFile waits on recvResults for that path).
func (p *Peer) beginDownload(id byte, req wire.SendFilePayload, fromFacade bool) error {
	target := p.downloadTarget(req.FilePath)

	dl, err := transfer.NewDownload(target, req, p.digest)
	if errors.Is(err, transfer.ErrUpToDate) {
		if fromFacade {
			p.recvResults[req.FilePath] = recvResult{status: wire.StatusUpToDate}
		}
		return p.sendReply(id, wire.StatusUpToDate)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "Peer.beginDownload"}).WithError(err).Warn("failed to start download")
		if fromFacade {
			p.recvResults[req.FilePath] = recvResult{status: wire.StatusInternalError}
		}
		return p.sendReply(id, wire.StatusInternalError)
	}

	p.downloads[id] = dl
	p.metrics.setActive("download", len(p.downloads))
	if fromFacade {
		p.keepDownload[id] = true
		p.recvResults[req.FilePath] = recvResult{status: wire.StatusOK, downloadID: id}
	}
	return p.sendReply(id, wire.StatusOK)
}

// downloadTarget builds downloads_folder/device_uuid/relative_path, so
// each remote device's pushes land under its own namespace.
func (p *Peer) downloadTarget(virtualPath string) string {
	relative := filepath.FromSlash(strings.TrimPrefix(virtualPath, "/"))
	return filepath.Join(p.downloadsFolder, p.remote.UUID, relative)
}

func (p *Peer) handleReceiveFile(id byte, payload []byte) error {
	req, err := wire.DecodeReceiveFile(payload)
	if err != nil {
		return p.sendReply(id, wire.StatusBadRequest)
	}

	packetSize := req.PacketSize
	if packetSize == 0 {
		packetSize = p.packetSize
	}

	hostPath, ok := p.mapping.VirtualToHost(req.FilePath, true)
	if !ok {
		return p.sendReply(id, wire.StatusFileNotFound)
	}

	up, err := transfer.NewUpload(hostPath, req.FilePath, packetSize, req.PacketStart, p.digest)
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "Peer.handleReceiveFile"}).WithError(err).Debug("upload preparation failed")
		return p.sendReply(id, wire.StatusFileNotFound)
	}

	if err := p.sendReply(id, wire.StatusOK); err != nil {
		return err
	}
	return p.offerUpload(up)
}

// offerUpload sends the upload's SEND_FILE and registers the upload under
// the message-id that send allocated; every DATA_PACKET of the transfer
// will reuse that id.
func (p *Peer) offerUpload(up *transfer.Upload) error {
	req := up.OriginalRequest()
	id, err := p.sendRequestRaw(wire.CommandSendFile, req.Encode())
	if err != nil {
		return err
	}
	p.uploads[id] = up
	p.metrics.setActive("upload", len(p.uploads))
	return nil
}

// handleListFiles answers a LIST_FILES request by streaming every page
// from the requested one onward as FILE_LIST frames, each carried under
// the id of the LIST_FILES itself so the requester's consumer can
// correlate them. Page sizing is the producer's byte budget; the request's
// page-size field does not influence it.
func (p *Peer) handleListFiles(id byte, payload []byte) error {
	req, err := wire.DecodeListFiles(payload)
	if err != nil {
		return p.sendReply(id, wire.StatusBadRequest)
	}

	producer, err := transfer.NewListFilesProducer(p.mapping, req.FolderPath)
	if err != nil {
		if errors.Is(err, transfer.ErrPathNotFound) {
			return p.sendReply(id, wire.StatusFileNotFound)
		}
		return p.sendReply(id, wire.StatusInternalError)
	}
	if req.PageNb >= producer.TotalPages() {
		return p.sendReply(id, wire.StatusBadRequest)
	}

	// Claim the requester's id in our outgoing space before acknowledging:
	// if it collides with an unrelated in-flight request of our own, the
	// listing cannot be served right now.
	first, err := producer.Page(req.PageNb)
	if err != nil {
		return p.sendReply(id, wire.StatusBadRequest)
	}
	if err := p.queue.AdoptRequest(id, wire.CommandFileList, first.Encode()); err != nil {
		if errors.Is(err, queue.ErrIDCollision) || errors.Is(err, queue.ErrNoFreeSlot) {
			return p.sendReply(id, wire.StatusTooManyRequests)
		}
		return fmt.Errorf("peer: handleListFiles: %w", err)
	}
	if err := p.sendReply(id, wire.StatusOK); err != nil {
		return err
	}

	for n := req.PageNb; n < producer.TotalPages(); n++ {
		page, err := producer.Page(n)
		if err != nil {
			return fmt.Errorf("peer: handleListFiles: %w", err)
		}
		enc := page.Encode()
		if n > req.PageNb {
			if err := p.queue.Reuse(id, wire.CommandFileList, enc); err != nil {
				return fmt.Errorf("peer: handleListFiles: %w", err)
			}
		}
		if err := p.writeFrame(wire.CommandFileList, id, enc); err != nil {
			return err
		}
	}
	return nil
}

// handleFileList forwards a FILE_LIST page to the listing consumer keyed
// by the frame's message-id, which is the id of the LIST_FILES we sent.
func (p *Peer) handleFileList(id byte, payload []byte) error {
	page, err := wire.DecodeFileList(payload)
	if err != nil {
		return p.sendReply(id, wire.StatusBadRequest)
	}

	consumer, ok := p.listings[id]
	if !ok {
		return p.sendReply(id, wire.StatusInvalidRequestID)
	}

	done, err := consumer.ReceivePage(page)
	if err != nil {
		return p.sendReply(id, wire.StatusBadRequest)
	}

	if err := p.sendReply(id, wire.StatusOK); err != nil {
		return err
	}
	if done {
		// The LIST_FILES slot was held (APPROVAL_PENDING) while pages were
		// in flight; the final page is its real completion.
		if err := p.queue.ReceiveReply(id, wire.StatusOK); err != nil {
			return fmt.Errorf("peer: handleFileList: %w", err)
		}
	}
	return nil
}

// receiveReply handles a RESPONSE frame for one of our own outgoing
// requests.
func (p *Peer) receiveReply(id byte, status wire.StatusCode) error {
	entry, ok := p.queue.Outgoing(id)
	if !ok {
		return fmt.Errorf("peer: receiveReply: %w", queue.ErrUnknownMessageID)
	}

	effective := status
	if status == wire.StatusOK {
		switch entry.Code {
		case wire.CommandReceiveFile:
			// The real completion signal for a RECEIVE_FILE is the SEND_FILE
			// the remote sends next, not this RESPONSE: keep the slot occupied
			// until handleSendFile finalizes it.
			effective = wire.StatusApprovalPending
		case wire.CommandListFiles:
			// Likewise for LIST_FILES: completion is the final FILE_LIST page,
			// observed by handleFileList.
			effective = wire.StatusApprovalPending
		}
	}

	if err := p.queue.ReceiveReply(id, effective); err != nil {
		if errors.Is(err, queue.ErrConflictingTerminalStatus) && entry.Code == wire.CommandDataPacket {
			if _, active := p.uploads[id]; !active {
				// Late replies for packets of an already-retired transfer are
				// consumed and discarded, not treated as protocol violations.
				return nil
			}
		}
		return fmt.Errorf("peer: receiveReply: %w", err)
	}

	switch entry.Code {
	case wire.CommandDataPacket:
		return p.continueUploadAfterPacketReply(id, status)
	case wire.CommandSendFile:
		return p.beginUploadPipeline(id, status)
	case wire.CommandListFiles:
		if status == wire.StatusOK {
			if _, exists := p.listings[id]; !exists {
				p.listings[id] = transfer.NewFileListConsumer()
			}
		}
	}
	return nil
}

func (p *Peer) continueUploadAfterPacketReply(id byte, status wire.StatusCode) error {
	up, ok := p.uploads[id]
	if !ok {
		// Transfer already retired; remaining packet replies are discarded.
		return nil
	}

	if status != wire.StatusOK {
		delete(p.uploads, id)
		p.metrics.setActive("upload", len(p.uploads))
		return nil
	}
	if up.Finished() {
		delete(p.uploads, id)
		p.metrics.setActive("upload", len(p.uploads))
		return nil
	}
	return p.pumpUploadPipeline(id, up, 1)
}

func (p *Peer) beginUploadPipeline(id byte, status wire.StatusCode) error {
	// A SEND_FILE we pushed unprompted may first come back as
	// APPROVAL_PENDING while the remote defers to its own approval oracle;
	// that is not a rejection, just a wait for the real terminal status.
	if status == wire.StatusApprovalPending {
		return nil
	}

	up, ok := p.uploads[id]
	if !ok {
		return nil
	}
	if status != wire.StatusOK {
		delete(p.uploads, id)
		p.metrics.setActive("upload", len(p.uploads))
		return nil
	}
	return p.pumpUploadPipeline(id, up, sendPipelineDepth)
}

// pumpUploadPipeline emits up to burst DATA_PACKETs of the upload
// registered under id, each reusing that same message-id.
func (p *Peer) pumpUploadPipeline(id byte, up *transfer.Upload, burst int) error {
	for i := 0; i < burst && !up.Finished(); i++ {
		packet, err := up.NextPacket()
		if err != nil {
			if up.Finished() {
				break
			}
			return fmt.Errorf("peer: pumpUploadPipeline: %w", err)
		}
		enc := packet.Encode()
		if err := p.queue.Reuse(id, wire.CommandDataPacket, enc); err != nil {
			return fmt.Errorf("peer: pumpUploadPipeline: %w", err)
		}
		if err := p.writeFrame(wire.CommandDataPacket, id, enc); err != nil {
			return err
		}
		p.metrics.addBytes("upload", uint64(len(packet.Data)))
	}
	if up.Finished() {
		delete(p.uploads, id)
	}
	p.metrics.setActive("upload", len(p.uploads))
	return nil
}

func (p *Peer) sendReply(id byte, status wire.StatusCode) error {
	if err := p.queue.SendReply(id, status); err != nil {
		return fmt.Errorf("peer: sendReply: %w", err)
	}
	return p.writeFrame(wire.CommandResponse, id, wire.ResponsePayload{Status: status}.Encode())
}

func (p *Peer) sendRequestRaw(code wire.CommandCode, payload []byte) (byte, error) {
	id, err := p.queue.SendRequest(code, payload)
	if err != nil {
		return 0, fmt.Errorf("peer: sendRequestRaw: %w", err)
	}
	if err := p.writeFrame(code, id, payload); err != nil {
		return 0, fmt.Errorf("peer: sendRequestRaw: %w", err)
	}
	return id, nil
}

func (p *Peer) writeFrame(code wire.CommandCode, id byte, payload []byte) error {
	_, err := p.conn.Write(wire.Encode(wire.Frame{Code: code, MessageID: id, Payload: payload}))
	if err != nil {
		return fmt.Errorf("peer: writeFrame: %w", err)
	}
	return nil
}
