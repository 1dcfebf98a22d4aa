package fsconfig

import (
	"fmt"

	"github.com/fileshare-project/fsp/vfs"
)

// TransportMode is a user-facing preference for which transport to use,
// distinct from transport.Mode (which only knows TCP/UDP, not AUTOMATIC).
type TransportMode uint8

const (
	TransportModeUDP TransportMode = iota
	TransportModeTCP
	// TransportModeAutomatic lets the embedding application pick per
	// operation based on current errors/latency. Unimplemented selection
	// logic: treated as TCP until a UDP transport exists.
	TransportModeAutomatic
)

const defaultConfigPath = "~/.fsp/default_config"

// Config is the local, non-identity configuration: where downloads land,
// which host paths are exposed to peers, and the preferred transport.
type Config struct {
	filepath         string
	nickname         string
	transportMode    TransportMode
	fileMapping      *vfs.FileMapping
	downloadsFolder  string
}

// configDTO is Config's JSON shape.
type configDTO struct {
	Nickname        string        `json:"nickname"`
	TransportMode   TransportMode `json:"transport_mode"`
	FileMapping     mappingDTO    `json:"file_mapping"`
	DownloadsFolder string        `json:"downloads_folder"`
}

// NewConfig returns a Config with the default downloads folder and an
// empty file mapping rooted at vfs.DefaultRootName.
func NewConfig() (*Config, error) {
	downloads, err := resolveHomeComponent("~/Downloads/FileShare")
	if err != nil {
		return nil, fmt.Errorf("fsconfig: NewConfig: %w", err)
	}
	mapping, err := vfs.NewFileMapping(vfs.DefaultRootName)
	if err != nil {
		return nil, fmt.Errorf("fsconfig: NewConfig: %w", err)
	}
	path, err := resolveHomeComponent(defaultConfigPath)
	if err != nil {
		return nil, fmt.Errorf("fsconfig: NewConfig: %w", err)
	}

	return &Config{
		filepath:        path,
		transportMode:   TransportModeAutomatic,
		fileMapping:     mapping,
		downloadsFolder: downloads,
	}, nil
}

// LoadConfig loads a Config from configFile, or from the default path if
// configFile is empty.
func LoadConfig(configFile string) (*Config, error) {
	if configFile == "" {
		configFile = defaultConfigPath
	}
	path, err := resolveHomeComponent(configFile)
	if err != nil {
		return nil, fmt.Errorf("fsconfig: LoadConfig: %w", err)
	}

	var dto configDTO
	if err := loadArchive(path, &dto); err != nil {
		return nil, fmt.Errorf("fsconfig: LoadConfig: %w", err)
	}

	mapping, err := dtoToMapping(dto.FileMapping)
	if err != nil {
		return nil, fmt.Errorf("fsconfig: LoadConfig: %w", err)
	}

	return &Config{
		filepath:        path,
		nickname:        dto.Nickname,
		transportMode:   dto.TransportMode,
		fileMapping:     mapping,
		downloadsFolder: dto.DownloadsFolder,
	}, nil
}

// Save writes the config to configFile, or back to the path it was loaded
// from/created with if configFile is empty.
func (c *Config) Save(configFile string) error {
	path := c.filepath
	if configFile != "" {
		resolved, err := resolveHomeComponent(configFile)
		if err != nil {
			return fmt.Errorf("fsconfig: Config.Save: %w", err)
		}
		path = resolved
	}

	dto := configDTO{
		Nickname:        c.nickname,
		TransportMode:   c.transportMode,
		FileMapping:     mappingToDTO(c.fileMapping),
		DownloadsFolder: c.downloadsFolder,
	}
	if err := saveArchive(path, dto); err != nil {
		return fmt.Errorf("fsconfig: Config.Save: %w", err)
	}
	return nil
}

// DownloadsFolder returns the configured downloads directory.
func (c *Config) DownloadsFolder() string { return c.downloadsFolder }

// SetDownloadsFolder updates the downloads directory, expanding a leading
// "~/" component.
func (c *Config) SetDownloadsFolder(path string) (*Config, error) {
	resolved, err := resolveHomeComponent(path)
	if err != nil {
		return nil, fmt.Errorf("fsconfig: Config.SetDownloadsFolder: %w", err)
	}
	c.downloadsFolder = resolved
	return c, nil
}

// Nickname returns the configured display-name override.
func (c *Config) Nickname() string { return c.nickname }

// SetNickname updates the display-name override.
func (c *Config) SetNickname(name string) *Config {
	c.nickname = name
	return c
}

// TransportMode returns the configured transport preference.
func (c *Config) TransportMode() TransportMode { return c.transportMode }

// SetTransportMode updates the transport preference.
func (c *Config) SetTransportMode(mode TransportMode) *Config {
	c.transportMode = mode
	return c
}

// FileMapping returns the mutable file mapping, so callers can add mounts
// and forbidden paths in place.
func (c *Config) FileMapping() *vfs.FileMapping { return c.fileMapping }

// SetFileMapping replaces the file mapping wholesale.
func (c *Config) SetFileMapping(mapping *vfs.FileMapping) *Config {
	c.fileMapping = mapping
	return c
}
