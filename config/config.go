// Package config handles node configuration.
//
// Settings layer in precedence order: built-in defaults, then the
// ember.conf file, then command-line flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds node-specific runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// P2P networking
	P2P P2PConfig

	// Execution pool sizing
	Pools PoolConfig

	// Logging
	Log LogConfig
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"` // Run DHT in server mode (for seeds)
}

// PoolConfig sizes the execution pools. Network and Memory stay at one
// worker so their task streams are ordered; Disk may run wide.
type PoolConfig struct {
	Network int `conf:"pools.network"`
	Disk    int `conf:"pools.disk"`
	Memory  int `conf:"pools.memory"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string `conf:"log.level"`
	File      string `conf:"log.file"`
	ErrorFile string `conf:"log.errorfile"`
	JSON      bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.ember
//	macOS:   ~/Library/Application Support/Ember
//	Windows: %APPDATA%\Ember
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ember"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Ember")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Ember")
		}
		return filepath.Join(home, "AppData", "Roaming", "Ember")
	default:
		return filepath.Join(home, ".ember")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// ChainStoreDir returns the chain history database directory.
func (c *Config) ChainStoreDir() string {
	return filepath.Join(c.ChainDataDir(), "chain")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "ember.conf")
}
