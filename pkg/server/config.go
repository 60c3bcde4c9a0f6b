package server

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig is the on-disk configuration file format.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort  int    `toml:"tcp_port"`
	HTTPPort int    `toml:"http_port"`
	DataDir  string `toml:"data_dir"`
}

type LimitsSection struct {
	MaxClients       int `toml:"max_clients"`
	MaxMessageLength int `toml:"max_message_length"`
}

// ServerConfig is the resolved runtime configuration.
type ServerConfig struct {
	TCPPort          int
	HTTPPort         int // negative disables the HTTP listener
	DataDir          string
	MaxClients       int
	MaxMessageLength uint32
}

func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          6470,
		HTTPPort:         6471,
		DataDir:          "~/.chatrelay/data",
		MaxClients:       20,
		MaxMessageLength: 4096,
	}
}

func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:  defaults.TCPPort,
			HTTPPort: defaults.HTTPPort,
			DataDir:  defaults.DataDir,
		},
		Limits: LimitsSection{
			MaxClients:       defaults.MaxClients,
			MaxMessageLength: int(defaults.MaxMessageLength),
		},
	}
}

// LoadConfig reads the TOML config at path, creating it with defaults if it
// does not exist yet.
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to expand config path: %w", err)
	}

	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(expanded, config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to write default config: %w", err)
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(expanded, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyDefaults(&config)
	return config, nil
}

// applyDefaults fills in zero values left by a partial config file.
func applyDefaults(config *TOMLConfig) {
	defaults := DefaultTOMLConfig()
	if config.Server.TCPPort == 0 {
		config.Server.TCPPort = defaults.Server.TCPPort
	}
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = defaults.Server.HTTPPort
	}
	if config.Server.DataDir == "" {
		config.Server.DataDir = defaults.Server.DataDir
	}
	if config.Limits.MaxClients == 0 {
		config.Limits.MaxClients = defaults.Limits.MaxClients
	}
	if config.Limits.MaxMessageLength == 0 {
		config.Limits.MaxMessageLength = defaults.Limits.MaxMessageLength
	}
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(config)
}

// ToServerConfig converts the file format to the runtime configuration.
func (c TOMLConfig) ToServerConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          c.Server.TCPPort,
		HTTPPort:         c.Server.HTTPPort,
		DataDir:          c.Server.DataDir,
		MaxClients:       c.Limits.MaxClients,
		MaxMessageLength: uint32(c.Limits.MaxMessageLength),
	}
}

// ExpandPath resolves a leading ~ to the current user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	usr, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to get current user: %w", err)
	}
	if path == "~" {
		return usr.HomeDir, nil
	}
	return filepath.Join(usr.HomeDir, path[1:]), nil
}
