package fsp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fileshare-project/fsp"
	"github.com/fileshare-project/fsp/fsconfig"
	"github.com/fileshare-project/fsp/fspcrypto"
)

func approveAll() fsp.ApprovalOracle {
	return fsp.OracleFunc(func(fspcrypto.Identity) bool { return true })
}

// newDeviceConfigs builds a fresh (ServerConfig, Config, KnownPeerStore)
// triple rooted under the test's temp directory, so each device in a test
// gets its own private key directory and downloads folder.
func newDeviceConfigs(t *testing.T, deviceName string) (*fsconfig.ServerConfig, *fsconfig.Config, *fsconfig.KnownPeerStore) {
	t.Helper()

	serverCfg, err := fsconfig.NewServerConfig()
	require.NoError(t, err)
	serverCfg.SetDeviceName(deviceName)
	_, err = serverCfg.SetPrivateKeysDir(t.TempDir())
	require.NoError(t, err)

	localCfg, err := fsconfig.NewConfig()
	require.NoError(t, err)
	_, err = localCfg.SetDownloadsFolder(t.TempDir())
	require.NoError(t, err)

	known, err := fsconfig.NewKnownPeerStore()
	require.NoError(t, err)

	return serverCfg, localCfg, known
}

func TestServerAcceptAndPing(t *testing.T) {
	serverCfgA, localCfgA, knownA := newDeviceConfigs(t, "device-a")
	a := fsp.NewServer(serverCfgA, localCfgA, knownA, approveAll(), nil)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Listen("127.0.0.1:0"))

	serverCfgB, localCfgB, knownB := newDeviceConfigs(t, "device-b")
	b := fsp.NewServer(serverCfgB, localCfgB, knownB, approveAll(), nil)
	t.Cleanup(func() { b.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peerB, err := b.Connect(ctx, a.Addr().String())
	require.NoError(t, err)

	select {
	case ev := <-a.Events():
		require.NotNil(t, ev.Peer)
		require.Nil(t, ev.Request)
		require.Equal(t, "device-b", ev.Peer.Identity().DeviceName)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept event")
	}

	require.NoError(t, peerB.Ping())
}

func TestServerRejectsUnapprovedPeer(t *testing.T) {
	serverCfgA, localCfgA, knownA := newDeviceConfigs(t, "device-a")
	a := fsp.NewServer(serverCfgA, localCfgA, knownA, fsp.RejectAll, nil)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Listen("127.0.0.1:0"))

	serverCfgB, localCfgB, knownB := newDeviceConfigs(t, "device-b")
	b := fsp.NewServer(serverCfgB, localCfgB, knownB, approveAll(), nil)
	t.Cleanup(func() { b.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peerB, err := b.Connect(ctx, a.Addr().String())
	require.NoError(t, err)

	// a's oracle refuses the connection; its handleIncoming goroutine closes
	// the socket, which surfaces to peerB as a Poll error on its next call.
	require.Eventually(t, func() bool {
		return peerB.Ping() != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerConnectRejectedLocallyByOracle(t *testing.T) {
	serverCfgA, localCfgA, knownA := newDeviceConfigs(t, "device-a")
	a := fsp.NewServer(serverCfgA, localCfgA, knownA, approveAll(), nil)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Listen("127.0.0.1:0"))

	serverCfgB, localCfgB, knownB := newDeviceConfigs(t, "device-b")
	b := fsp.NewServer(serverCfgB, localCfgB, knownB, fsp.RejectAll, nil)
	t.Cleanup(func() { b.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.Connect(ctx, a.Addr().String())
	require.ErrorIs(t, err, fsp.ErrPeerRejected)
}

func TestServerKnownPeerSkipsOracleOnBothEnds(t *testing.T) {
	serverCfgA, localCfgA, knownA := newDeviceConfigs(t, "device-a")
	serverCfgB, localCfgB, knownB := newDeviceConfigs(t, "device-b")

	a1 := fsp.NewServer(serverCfgA, localCfgA, knownA, approveAll(), nil)
	require.NoError(t, a1.Listen("127.0.0.1:0"))
	b1 := fsp.NewServer(serverCfgB, localCfgB, knownB, approveAll(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b1.Connect(ctx, a1.Addr().String())
	require.NoError(t, err)

	// Both KnownPeerStores are now populated. Rebuild both Servers against
	// the same configs/stores but a RejectAll oracle: since the identities
	// are already known, the oracle should never be consulted.
	require.NoError(t, a1.Close())
	require.NoError(t, b1.Close())

	a2 := fsp.NewServer(serverCfgA, localCfgA, knownA, fsp.RejectAll, nil)
	t.Cleanup(func() { a2.Close() })
	require.NoError(t, a2.Listen("127.0.0.1:0"))

	b2 := fsp.NewServer(serverCfgB, localCfgB, knownB, fsp.RejectAll, nil)
	t.Cleanup(func() { b2.Close() })

	peerB2, err := b2.Connect(ctx, a2.Addr().String())
	require.NoError(t, err)
	require.NoError(t, peerB2.Ping())
}
