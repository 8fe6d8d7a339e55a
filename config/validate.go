package config

import (
	"fmt"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.P2P.MaxPeers < 0 {
		return fmt.Errorf("p2p.maxpeers must not be negative")
	}
	if cfg.Pools.Network < 1 || cfg.Pools.Disk < 1 || cfg.Pools.Memory < 1 {
		return fmt.Errorf("pool sizes must be at least 1")
	}
	if cfg.Pools.Network != 1 {
		return fmt.Errorf("pools.network must be 1 (channel events are ordered)")
	}
	if cfg.Pools.Memory != 1 {
		return fmt.Errorf("pools.memory must be 1 (mempool mutations are ordered)")
	}
	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	return nil
}
