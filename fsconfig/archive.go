// Package fsconfig implements persistent configuration: the local Config
// (downloads folder, file mapping, transport mode preference), the
// ServerConfig (device identity, private key location, server enable
// switch), and the KnownPeerStore (the uuid-to-public-key registry that
// backs the peer approval gate). All three persist through the same
// versioned JSON archive envelope.
package fsconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// archiveVersion is bumped whenever a persisted struct's shape changes in a
// way older code cannot read. There is exactly one version today.
const archiveVersion = 1

// ErrUnsupportedConfigVersion indicates a config archive was written by a
// newer, incompatible version of this package.
var ErrUnsupportedConfigVersion = errors.New("fsconfig: unsupported config archive version")

// archive is the on-disk envelope every persisted config type shares:
// {"version": N, "payload": ...}.
type archive struct {
	Version uint32          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// saveArchive writes payload to path wrapped in the versioned envelope,
// writing to a ".tmp" sibling first and renaming into place so a crash
// mid-write never leaves a corrupt config file.
func saveArchive(path string, payload any) error {
	log := logrus.WithFields(logrus.Fields{"function": "saveArchive", "path": path})

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fsconfig: saveArchive: %w", err)
	}
	body, err := json.Marshal(archive{Version: archiveVersion, Payload: raw})
	if err != nil {
		return fmt.Errorf("fsconfig: saveArchive: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("fsconfig: saveArchive: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return fmt.Errorf("fsconfig: saveArchive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		log.WithError(err).Debug("rename into place failed")
		return fmt.Errorf("fsconfig: saveArchive: %w", err)
	}
	return nil
}

// loadArchive reads the versioned envelope at path and unmarshals its
// payload into out.
func loadArchive(path string, out any) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("fsconfig: loadArchive: %w", err)
	}

	var a archive
	if err := json.Unmarshal(body, &a); err != nil {
		return fmt.Errorf("fsconfig: loadArchive: %w", err)
	}
	if a.Version > archiveVersion {
		return fmt.Errorf("fsconfig: loadArchive: %w: got %d, know up to %d", ErrUnsupportedConfigVersion, a.Version, archiveVersion)
	}
	if err := json.Unmarshal(a.Payload, out); err != nil {
		return fmt.Errorf("fsconfig: loadArchive: %w", err)
	}
	return nil
}

// resolveHomeComponent expands a leading "~/" in path to the current user's
// home directory, mirroring Utils::resolve_home_component. Paths without
// the prefix pass through unchanged.
func resolveHomeComponent(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("fsconfig: resolveHomeComponent: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
