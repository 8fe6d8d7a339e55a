package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// P2P
	P2P        bool
	P2PPort    int
	Seeds      string
	MaxPeers   int
	NoDiscover bool
	DHTServer  bool

	// Pools
	DiskWorkers int

	// Logging
	LogLevel     string
	LogFile      string
	LogErrorFile string
	LogJSON      bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetP2P        bool
	SetNoDiscover bool
	SetLogJSON    bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("emberd", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	fs.StringVar(&f.Network, "testnet", "", "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// P2P
	fs.BoolVar(&f.P2P, "p2p", true, "Enable P2P networking")
	fs.IntVar(&f.P2PPort, "p2p-port", 0, "P2P listen port")
	fs.StringVar(&f.Seeds, "seeds", "", "Seed nodes as comma-separated libp2p multiaddrs")
	fs.IntVar(&f.MaxPeers, "maxpeers", 0, "Maximum number of peers")
	fs.BoolVar(&f.NoDiscover, "nodiscover", false, "Disable peer discovery")
	fs.BoolVar(&f.DHTServer, "dht-server", false, "Run DHT in server mode (for seed nodes)")

	// Pools
	fs.IntVar(&f.DiskWorkers, "disk-workers", 0, "Disk pool worker count")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.StringVar(&f.LogErrorFile, "log-error-file", "", "Secondary log file for warnings and errors")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	// Custom usage
	fs.Usage = func() {
		printUsage()
	}

	// Parse
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// Handle --testnet shorthand
	if isFlagSet(fs, "testnet") {
		f.Network = "testnet"
	}
	f.SetP2P = isFlagSet(fs, "p2p")
	f.SetNoDiscover = isFlagSet(fs, "nodiscover")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			fmt.Fprintf(os.Stderr, "Error: flag %q was not parsed (positional argument stopped parsing)\n", arg)
			os.Exit(1)
		}
	}

	return f
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// P2P
	if f.SetP2P {
		cfg.P2P.Enabled = f.P2P
	}
	if f.P2PPort != 0 {
		cfg.P2P.Port = f.P2PPort
	}
	if f.Seeds != "" {
		cfg.P2P.Seeds = parseStringList(f.Seeds)
	}
	if f.MaxPeers != 0 {
		cfg.P2P.MaxPeers = f.MaxPeers
	}
	if f.SetNoDiscover {
		cfg.P2P.NoDiscover = f.NoDiscover
	}
	if f.DHTServer {
		cfg.P2P.DHTServer = true
	}

	// Pools
	if f.DiskWorkers != 0 {
		cfg.Pools.Disk = f.DiskWorkers
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.LogErrorFile != "" {
		cfg.Log.ErrorFile = f.LogErrorFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Ember - P2P full node

Usage:
  emberd [options]
  emberd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.ember)
  --config, -c    Config file path (default: <datadir>/ember.conf)

P2P Options:
  --p2p           Enable P2P networking (default: true)
  --p2p-port      P2P listen port (mainnet: 30707, testnet: 30708)
  --seeds         Seed nodes as comma-separated libp2p multiaddrs
  --maxpeers      Maximum number of peers (default: 50)
  --nodiscover    Disable peer discovery
  --dht-server    Run DHT in server mode (for seed nodes)

Pool Options:
  --disk-workers  Disk pool worker count (default: 4)

Logging Options:
  --log-level       Log level: debug, info, warn, error (default: info)
  --log-file        Log file path (default: stdout only)
  --log-error-file  Secondary file receiving warnings and errors
  --log-json        Output logs as JSON

Examples:
  # Start mainnet node
  emberd

  # Start testnet node
  emberd --network=testnet

  # Start with custom data directory
  emberd --datadir=/path/to/data

Once running, type an address at the prompt to print its payment
history, or "stop" to shut down.
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	// Handle help/version
	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("emberd version 0.1.0")
		os.Exit(0)
	}

	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.ToLower(flags.Network) == "testnet" {
		network = Testnet
	}

	// Start with defaults
	cfg := Default(network)

	// Override datadir if specified
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	// Auto-create data directories and default config on first start.
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	// Determine config file path
	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	// Load config file
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}

	// Apply file config
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default
// config file if they don't already exist. Idempotent, safe to call on
// every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.ChainStoreDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create default config if it doesn't exist.
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
