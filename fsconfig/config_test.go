package fsconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fileshare-project/fsp/fsconfig"
	"github.com/fileshare-project/fsp/vfs"
)

func TestConfigSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")

	cfg, err := fsconfig.NewConfig()
	require.NoError(t, err)
	cfg.SetNickname("my-laptop")
	cfg.SetTransportMode(fsconfig.TransportModeTCP)
	_, err = cfg.SetDownloadsFolder(filepath.Join(dir, "downloads"))
	require.NoError(t, err)

	docs, err := vfs.NewHostNode("docs", vfs.HostFolder, "/home/user/docs", vfs.Visible)
	require.NoError(t, err)
	require.NoError(t, cfg.FileMapping().Root().AddChild(docs))
	cfg.FileMapping().Forbid("/home/user/docs/.ssh")

	require.NoError(t, cfg.Save(configPath))

	loaded, err := fsconfig.LoadConfig(configPath)
	require.NoError(t, err)
	require.Equal(t, "my-laptop", loaded.Nickname())
	require.Equal(t, fsconfig.TransportModeTCP, loaded.TransportMode())
	require.Equal(t, filepath.Join(dir, "downloads"), loaded.DownloadsFolder())

	node, ok := loaded.FileMapping().FindVirtualNode("//fsp/docs", false)
	require.True(t, ok)
	require.Equal(t, vfs.HostFolder, node.Type())
	require.Equal(t, "/home/user/docs", node.HostPath())

	require.True(t, loaded.FileMapping().IsForbidden("/home/user/docs/.ssh/id_rsa"))
}

func TestLoadConfigRejectsNewerArchiveVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":999,"payload":{}}`), 0o600))

	_, err := fsconfig.LoadConfig(path)
	require.ErrorIs(t, err, fsconfig.ErrUnsupportedConfigVersion)
}

func TestConfigDefaultsHaveExpandedHomePaths(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := fsconfig.NewConfig()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "Downloads", "FileShare"), cfg.DownloadsFolder())
}
