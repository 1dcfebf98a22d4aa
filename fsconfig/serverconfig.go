package fsconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultServerConfigPath = "~/.fsp/server_config"

// SecureFilePerms is the maximum permission bits a private key file may
// have (owner read/write). SecureFolderPerms is the same for the directory
// it lives in (owner-all).
const (
	SecureFilePerms   os.FileMode = 0o600
	SecureFolderPerms os.FileMode = 0o700
)

// DefaultPreAuthTimeout bounds how long a peer is given to complete
// version negotiation and certificate-based authentication before the
// connection is dropped: an unbounded pre-auth goroutine per accepted TCP
// connection is a resource-exhaustion vector.
const DefaultPreAuthTimeout = 30 * time.Second

// ErrInsecurePermissions indicates the private key directory or file has
// permissions broader than SecureFolderPerms/SecureFilePerms.
var ErrInsecurePermissions = errors.New("fsconfig: private key path has insecure permissions")

// ErrPrivateKeyNameHasSeparator indicates a private key name contains a
// path separator.
var ErrPrivateKeyNameHasSeparator = errors.New("fsconfig: private key name cannot contain a path separator")

// ServerConfig is this device's identity and server-enablement settings:
// UUID, display name, and where its TLS private key/certificate live.
type ServerConfig struct {
	filepath string

	uuid           string
	deviceName     string
	privateKeysDir string
	privateKeyName string
	disableServer  bool
	preAuthTimeout time.Duration
}

type serverConfigDTO struct {
	UUID           string        `json:"uuid"`
	DeviceName     string        `json:"device_name"`
	PrivateKeysDir string        `json:"private_keys_dir"`
	PrivateKeyName string        `json:"private_key_name"`
	DisableServer  bool          `json:"disable_server"`
	PreAuthTimeout time.Duration `json:"pre_auth_timeout"`
}

// DefaultPrivateKeysDir returns "~/.fsp/private" with the home component
// expanded.
func DefaultPrivateKeysDir() (string, error) {
	return resolveHomeComponent("~/.fsp/private")
}

// NewServerConfig returns a ServerConfig with a freshly generated device
// UUID and the default private-key location.
func NewServerConfig() (*ServerConfig, error) {
	keysDir, err := DefaultPrivateKeysDir()
	if err != nil {
		return nil, fmt.Errorf("fsconfig: NewServerConfig: %w", err)
	}
	path, err := resolveHomeComponent(defaultServerConfigPath)
	if err != nil {
		return nil, fmt.Errorf("fsconfig: NewServerConfig: %w", err)
	}

	return &ServerConfig{
		filepath:       path,
		uuid:           uuid.NewString(),
		privateKeysDir: keysDir,
		privateKeyName: "file_share",
		preAuthTimeout: DefaultPreAuthTimeout,
	}, nil
}

// LoadServerConfig loads a ServerConfig from configFile, or the default
// path if configFile is empty.
func LoadServerConfig(configFile string) (*ServerConfig, error) {
	if configFile == "" {
		configFile = defaultServerConfigPath
	}
	path, err := resolveHomeComponent(configFile)
	if err != nil {
		return nil, fmt.Errorf("fsconfig: LoadServerConfig: %w", err)
	}

	var dto serverConfigDTO
	if err := loadArchive(path, &dto); err != nil {
		return nil, fmt.Errorf("fsconfig: LoadServerConfig: %w", err)
	}

	preAuthTimeout := dto.PreAuthTimeout
	if preAuthTimeout <= 0 {
		preAuthTimeout = DefaultPreAuthTimeout
	}

	return &ServerConfig{
		filepath:       path,
		uuid:           dto.UUID,
		deviceName:     dto.DeviceName,
		privateKeysDir: dto.PrivateKeysDir,
		privateKeyName: dto.PrivateKeyName,
		disableServer:  dto.DisableServer,
		preAuthTimeout: preAuthTimeout,
	}, nil
}

// Save writes the server config to configFile, or back to its own path if
// configFile is empty.
func (c *ServerConfig) Save(configFile string) error {
	path := c.filepath
	if configFile != "" {
		resolved, err := resolveHomeComponent(configFile)
		if err != nil {
			return fmt.Errorf("fsconfig: ServerConfig.Save: %w", err)
		}
		path = resolved
	}

	dto := serverConfigDTO{
		UUID:           c.uuid,
		DeviceName:     c.deviceName,
		PrivateKeysDir: c.privateKeysDir,
		PrivateKeyName: c.privateKeyName,
		DisableServer:  c.disableServer,
		PreAuthTimeout: c.preAuthTimeout,
	}
	if err := saveArchive(path, dto); err != nil {
		return fmt.Errorf("fsconfig: ServerConfig.Save: %w", err)
	}
	return nil
}

// UUID returns this device's unique id.
func (c *ServerConfig) UUID() string { return c.uuid }

// DeviceName returns this device's display name.
func (c *ServerConfig) DeviceName() string { return c.deviceName }

// SetDeviceName updates the display name.
func (c *ServerConfig) SetDeviceName(name string) *ServerConfig {
	c.deviceName = name
	return c
}

// PrivateKeysDir returns the directory the TLS private key/certificate are
// stored in.
func (c *ServerConfig) PrivateKeysDir() string { return c.privateKeysDir }

// SetPrivateKeysDir updates the private key directory, expanding a leading
// "~/" component.
func (c *ServerConfig) SetPrivateKeysDir(path string) (*ServerConfig, error) {
	resolved, err := resolveHomeComponent(path)
	if err != nil {
		return nil, fmt.Errorf("fsconfig: ServerConfig.SetPrivateKeysDir: %w", err)
	}
	c.privateKeysDir = resolved
	return c, nil
}

// PrivateKeyName returns the private key/certificate file's base name
// (without extension).
func (c *ServerConfig) PrivateKeyName() string { return c.privateKeyName }

// SetPrivateKeyName updates the private key file's base name. Fails if name
// contains a path separator.
func (c *ServerConfig) SetPrivateKeyName(name string) (*ServerConfig, error) {
	if strings.ContainsRune(name, '/') {
		return nil, ErrPrivateKeyNameHasSeparator
	}
	c.privateKeyName = name
	return c, nil
}

// IsServerDisabled reports whether this device should refuse incoming
// connections while still being able to dial out.
func (c *ServerConfig) IsServerDisabled() bool { return c.disableServer }

// SetServerDisabled updates the server-enablement switch.
func (c *ServerConfig) SetServerDisabled(disabled bool) *ServerConfig {
	c.disableServer = disabled
	return c
}

// PreAuthTimeout returns how long a newly accepted connection has to
// complete negotiation and authentication before being dropped.
func (c *ServerConfig) PreAuthTimeout() time.Duration { return c.preAuthTimeout }

// SetPreAuthTimeout updates the pre-auth idle timeout.
func (c *ServerConfig) SetPreAuthTimeout(d time.Duration) *ServerConfig {
	c.preAuthTimeout = d
	return c
}

// CertificatePath and KeyPath return the conventional file locations for
// the certificate and private key under PrivateKeysDir, named after
// PrivateKeyName.
func (c *ServerConfig) CertificatePath() string {
	return filepath.Join(c.privateKeysDir, c.privateKeyName+"_cert.pem")
}

func (c *ServerConfig) KeyPath() string {
	return filepath.Join(c.privateKeysDir, c.privateKeyName+"_key.pem")
}

// Validate checks that, if the private keys directory already exists, it is
// actually a directory with no broader than SecureFolderPerms permissions.
// A directory that doesn't exist yet is not an error: the caller is
// expected to create it (with secure permissions) on first use.
func (c *ServerConfig) Validate() error {
	info, err := os.Stat(c.privateKeysDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fsconfig: ServerConfig.Validate: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("fsconfig: ServerConfig.Validate: %s is not a directory", c.privateKeysDir)
	}
	if info.Mode().Perm()&^SecureFolderPerms != 0 {
		return fmt.Errorf("fsconfig: ServerConfig.Validate: %s: %w", c.privateKeysDir, ErrInsecurePermissions)
	}
	return nil
}
