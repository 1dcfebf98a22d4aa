package peer

import (
	"bytes"
	"crypto/x509"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fileshare-project/fsp/fspcrypto"
	"github.com/fileshare-project/fsp/transfer"
	"github.com/fileshare-project/fsp/vfs"
	"github.com/fileshare-project/fsp/wire"
)

// memConn is one end of an in-process, buffered duplex connection. Unlike
// net.Pipe, writes never block on a concurrent reader: they append to an
// internal buffer, and Read blocks only while that buffer is empty. This
// matches how a TLS-over-TCP connection actually behaves (the kernel
// socket buffer absorbs writes) and avoids the rendezvous deadlocks a
// synchronous pipe produces once both ends of a test need to write before
// either has read.
type memConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
	peer   *memConn
}

func newMemConnPair() (*memConn, *memConn) {
	a := &memConn{}
	a.cond = sync.NewCond(&a.mu)
	b := &memConn{}
	b.cond = sync.NewCond(&b.mu)
	a.peer, b.peer = b, a
	return a, b
}

func (c *memConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.buf.Len() == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.buf.Len() == 0 {
		return 0, io.EOF
	}
	return c.buf.Read(p)
}

func (c *memConn) Write(p []byte) (int, error) {
	other := c.peer
	other.mu.Lock()
	defer other.mu.Unlock()
	if other.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := other.buf.Write(p)
	other.cond.Broadcast()
	return n, err
}

func (c *memConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *memConn) LocalAddr() net.Addr                { return dummyAddr{} }
func (c *memConn) RemoteAddr() net.Addr               { return dummyAddr{} }
func (c *memConn) SetDeadline(time.Time) error        { return nil }
func (c *memConn) SetReadDeadline(time.Time) error    { return nil }
func (c *memConn) SetWriteDeadline(time.Time) error   { return nil }
func (c *memConn) PeerCertificate() *x509.Certificate { return nil }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "mem" }
func (dummyAddr) String() string  { return "mem" }

// newPeerPair wires two Peers over an in-process buffered connection, as if
// Handshake had already completed with the given identities.
func newPeerPair(t *testing.T, aMapping, bMapping *vfs.FileMapping, aDownloads, bDownloads string) (*Peer, *Peer) {
	t.Helper()

	connA, connB := newMemConnPair()

	preA := &PreAuthPeer{
		conn:     connA,
		side:     SideClient,
		version:  wire.SupportedVersions[len(wire.SupportedVersions)-1],
		identity: fspcrypto.Identity{UUID: "peer-b-uuid", DeviceName: "peer-b"},
	}
	preB := &PreAuthPeer{
		conn:     connB,
		side:     SideServer,
		version:  wire.SupportedVersions[len(wire.SupportedVersions)-1],
		identity: fspcrypto.Identity{UUID: "peer-a-uuid", DeviceName: "peer-a"},
	}

	a := New(preA, aMapping, aDownloads, "peer-a-uuid", fspcrypto.FileDigest, 4096, nil)
	b := New(preB, bMapping, bDownloads, "peer-b-uuid", fspcrypto.FileDigest, 4096, nil)
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

// pumpInBackground runs p.Poll() in a loop until the connection closes,
// returning a channel that closes once the loop exits.
func pumpInBackground(p *Peer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if err := p.Poll(); err != nil {
				return
			}
		}
	}()
	return done
}

func TestPeerPingRoundTrip(t *testing.T) {
	mA, err := vfs.NewFileMapping("")
	require.NoError(t, err)
	mB, err := vfs.NewFileMapping("")
	require.NoError(t, err)

	a, b := newPeerPair(t, mA, mB, t.TempDir(), t.TempDir())
	done := pumpInBackground(b)

	require.NoError(t, a.Ping())

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	<-done
}

func TestPeerSendFileReceiveFile(t *testing.T) {
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "report.txt")
	content := []byte("the quick brown fox jumps over the lazy dog, repeated for bulk. ")
	var payload []byte
	for i := 0; i < 200; i++ {
		payload = append(payload, content...)
	}
	require.NoError(t, os.WriteFile(srcPath, payload, 0o644))

	mA, err := vfs.NewFileMapping("")
	require.NoError(t, err)
	hostNode, err := vfs.NewHostNode("report.txt", vfs.HostFile, srcPath, vfs.Visible)
	require.NoError(t, err)
	require.NoError(t, mA.Root().AddChild(hostNode))

	mB, err := vfs.NewFileMapping("")
	require.NoError(t, err)

	downloadsB := t.TempDir()
	a, b := newPeerPair(t, mA, mB, t.TempDir(), downloadsB)
	done := pumpInBackground(a)

	status, err := b.ReceiveFile("/report.txt", nil)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, status)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	<-done

	got, err := os.ReadFile(filepath.Join(downloadsB, "peer-a-uuid", "report.txt"))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPeerSendFileUnpromptedPush(t *testing.T) {
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "memo.txt")
	require.NoError(t, os.WriteFile(srcPath, []byte("a short memo"), 0o644))

	mA, err := vfs.NewFileMapping("")
	require.NoError(t, err)
	mB, err := vfs.NewFileMapping("")
	require.NoError(t, err)

	downloadsB := t.TempDir()
	a, b := newPeerPair(t, mA, mB, t.TempDir(), downloadsB)
	done := pumpInBackground(a)

	go func() {
		for {
			if err := b.Poll(); err != nil {
				return
			}
			for _, req := range b.PullRequests() {
				_ = b.RespondToRequest(req.MessageID, wire.StatusOK)
			}
		}
	}()

	status, err := a.SendFile(srcPath, nil)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, status)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	<-done

	got, err := os.ReadFile(filepath.Join(downloadsB, "peer-a-uuid", "memo.txt"))
	require.NoError(t, err)
	require.Equal(t, "a short memo", string(got))
}

func TestPeerListFiles(t *testing.T) {
	mA, err := vfs.NewFileMapping("")
	require.NoError(t, err)
	for _, name := range []string{"one.txt", "two.txt", "three.txt"} {
		node, err := vfs.NewVirtualNode(name, vfs.Visible)
		require.NoError(t, err)
		require.NoError(t, mA.Root().AddChild(node))
	}
	hidden, err := vfs.NewVirtualNode("secret", vfs.Hidden)
	require.NoError(t, err)
	require.NoError(t, mA.Root().AddChild(hidden))

	mB, err := vfs.NewFileMapping("")
	require.NoError(t, err)

	a, b := newPeerPair(t, mA, mB, t.TempDir(), t.TempDir())
	done := pumpInBackground(a)

	entries, status, err := b.ListFiles("/")
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, status)
	require.Len(t, entries, 3)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	<-done
}

func TestPeerListFilesForbiddenHostFolder(t *testing.T) {
	mA, err := vfs.NewFileMapping("")
	require.NoError(t, err)
	docsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "secret.txt"), []byte("x"), 0o644))
	docs, err := vfs.NewHostNode("docs", vfs.HostFolder, docsDir, vfs.Visible)
	require.NoError(t, err)
	require.NoError(t, mA.Root().AddChild(docs))
	mA.Forbid(docsDir)

	mB, err := vfs.NewFileMapping("")
	require.NoError(t, err)

	a, b := newPeerPair(t, mA, mB, t.TempDir(), t.TempDir())
	done := pumpInBackground(a)

	_, status, err := b.ListFiles("/docs")
	require.NoError(t, err)
	require.Equal(t, wire.StatusFileNotFound, status, "a forbidden HOST_FOLDER must not be listed")

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	<-done
}

func TestPeerDataPacketUnknownIDRejected(t *testing.T) {
	mA, err := vfs.NewFileMapping("")
	require.NoError(t, err)
	mB, err := vfs.NewFileMapping("")
	require.NoError(t, err)

	a, b := newPeerPair(t, mA, mB, t.TempDir(), t.TempDir())

	packet := wire.DataPacketPayload{FilePath: "/stray.bin", PacketID: 0, Data: []byte("data")}
	id, err := a.sendRequestRaw(wire.CommandDataPacket, packet.Encode())
	require.NoError(t, err)

	require.NoError(t, b.Poll())

	status, err := a.waitForStatus(id)
	require.NoError(t, err)
	require.Equal(t, wire.StatusInvalidRequestID, status)
}

func TestPeerDataPacketWrongIDForActiveTransferRejected(t *testing.T) {
	mA, err := vfs.NewFileMapping("")
	require.NoError(t, err)
	mB, err := vfs.NewFileMapping("")
	require.NoError(t, err)

	a, b := newPeerPair(t, mA, mB, t.TempDir(), t.TempDir())

	// b has an active download for /file.bin, registered under id 5.
	req := wire.SendFilePayload{
		FilePath:     "/file.bin",
		HashAlgo:     wire.HashSHA512,
		Hash:         bytes.Repeat([]byte{0xAA}, 64),
		PacketSize:   4,
		TotalPackets: 2,
	}
	dl, err := transfer.NewDownload(filepath.Join(t.TempDir(), "file.bin"), req, fspcrypto.FileDigest)
	require.NoError(t, err)
	b.downloads[5] = dl

	// A DATA_PACKET under a different id names that same filepath: the
	// lookup is by id, so it must be rejected, not routed by path.
	packet := wire.DataPacketPayload{FilePath: "/file.bin", PacketID: 0, Data: []byte("aaaa")}
	id, err := a.sendRequestRaw(wire.CommandDataPacket, packet.Encode())
	require.NoError(t, err)
	require.NotEqual(t, byte(5), id)

	require.NoError(t, b.Poll())

	status, err := a.waitForStatus(id)
	require.NoError(t, err)
	require.Equal(t, wire.StatusInvalidRequestID, status)
	require.Equal(t, uint64(0), dl.TransferredBytes())
}

func TestPeerConcurrentListings(t *testing.T) {
	mA, err := vfs.NewFileMapping("")
	require.NoError(t, err)
	docs, err := vfs.NewVirtualNode("docs", vfs.Visible)
	require.NoError(t, err)
	for _, name := range []string{"d1.txt", "d2.txt"} {
		node, err := vfs.NewVirtualNode(name, vfs.Visible)
		require.NoError(t, err)
		require.NoError(t, docs.AddChild(node))
	}
	require.NoError(t, mA.Root().AddChild(docs))
	music, err := vfs.NewVirtualNode("music", vfs.Visible)
	require.NoError(t, err)
	for _, name := range []string{"m1.ogg", "m2.ogg", "m3.ogg"} {
		node, err := vfs.NewVirtualNode(name, vfs.Visible)
		require.NoError(t, err)
		require.NoError(t, music.AddChild(node))
	}
	require.NoError(t, mA.Root().AddChild(music))

	mB, err := vfs.NewFileMapping("")
	require.NoError(t, err)

	a, b := newPeerPair(t, mA, mB, t.TempDir(), t.TempDir())
	done := pumpInBackground(a)

	// Two LIST_FILES in flight at once: each consumer is keyed by its own
	// request's message-id, so the interleaved FILE_LIST pages sort
	// themselves out.
	reqDocs := wire.ListFilesPayload{FolderPath: "/docs", PageNb: 0, PageSize: transfer.ListPacketBudget}
	idDocs, err := b.sendRequestRaw(wire.CommandListFiles, reqDocs.Encode())
	require.NoError(t, err)
	reqMusic := wire.ListFilesPayload{FolderPath: "/music", PageNb: 0, PageSize: transfer.ListPacketBudget}
	idMusic, err := b.sendRequestRaw(wire.CommandListFiles, reqMusic.Encode())
	require.NoError(t, err)
	require.NotEqual(t, idDocs, idMusic)

	status, err := b.waitListing(idDocs)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, status)
	status, err = b.waitListing(idMusic)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, status)

	require.Len(t, b.listings[idDocs].Entries(), 2)
	require.Len(t, b.listings[idMusic].Entries(), 3)
	delete(b.listings, idDocs)
	delete(b.listings, idMusic)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	<-done
}

func TestPeerManualApprovalRejection(t *testing.T) {
	mA, err := vfs.NewFileMapping("")
	require.NoError(t, err)
	mB, err := vfs.NewFileMapping("")
	require.NoError(t, err)

	a, b := newPeerPair(t, mA, mB, t.TempDir(), t.TempDir())

	id, err := a.sendRequestRaw(wire.CommandPairRequest, nil)
	require.NoError(t, err)

	require.NoError(t, b.Poll())
	pending := b.PullRequests()
	require.Len(t, pending, 1)
	require.Equal(t, wire.CommandPairRequest, pending[0].Code)

	require.NoError(t, b.RespondToRequest(pending[0].MessageID, wire.StatusForbidden))

	status, err := a.waitForStatus(id)
	require.NoError(t, err)
	require.Equal(t, wire.StatusForbidden, status)
}
