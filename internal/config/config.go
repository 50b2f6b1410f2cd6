package config

import (
	"fmt"
	"time"

	"github.com/LuKks/hyper-blockchain/internal/puzzle"
)

// ServerConfig holds all configuration for the mining server.
type ServerConfig struct {
	// P2P
	P2PPort    int  `mapstructure:"p2p-port"`
	EnableMDNS bool `mapstructure:"enable-mdns"`

	// Difficulty
	TargetInterval time.Duration `mapstructure:"target-interval"`
	RetargetPeriod time.Duration `mapstructure:"retarget-period"`

	// Puzzle
	EntropySize  int `mapstructure:"entropy-size"`
	BaseZeroBits int `mapstructure:"base-zero-bits"`

	// Per-peer budget of invalid or replayed submissions; a peer that
	// exhausts it is throttled until it refills. Zero disables throttling.
	PenaltyRate  float64 `mapstructure:"penalty-rate"`
	PenaltyBurst int     `mapstructure:"penalty-burst"`

	// Status HTTP API; zero disables it.
	StatusPort int `mapstructure:"status-port"`

	// Storage
	DataDir string `mapstructure:"data-dir"`

	// Logging
	LogLevel string `mapstructure:"log-level"`
}

// DefaultServerConfig returns a ServerConfig with the network defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		P2PPort:    9271,
		EnableMDNS: true,

		TargetInterval: 15 * time.Second,
		RetargetPeriod: 24 * time.Hour,

		EntropySize:  puzzle.DefaultEntropySize,
		BaseZeroBits: puzzle.DefaultBaseZeroBits,

		PenaltyRate:  1,
		PenaltyBurst: 20,

		StatusPort: 0,

		DataDir: ".hyperchain",

		LogLevel: "info",
	}
}

// Validate checks the config for errors.
func (c *ServerConfig) Validate() error {
	if c.P2PPort < 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p-port must be 0-65535")
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("status-port must be 0-65535")
	}
	if c.TargetInterval < time.Millisecond {
		return fmt.Errorf("target-interval must be at least 1ms")
	}
	if c.RetargetPeriod < c.TargetInterval {
		return fmt.Errorf("retarget-period must be at least target-interval")
	}
	if c.PenaltyRate < 0 {
		return fmt.Errorf("penalty-rate must not be negative")
	}
	if c.PenaltyRate > 0 && c.PenaltyBurst < 1 {
		return fmt.Errorf("penalty-burst must be at least 1")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data-dir is required")
	}
	if err := c.Puzzle().Validate(); err != nil {
		return err
	}
	return nil
}

// Puzzle returns the puzzle parameters.
func (c *ServerConfig) Puzzle() puzzle.Params {
	return puzzle.Params{EntropySize: c.EntropySize, BaseZeroBits: c.BaseZeroBits}
}

// MinerConfig holds all configuration for a miner.
type MinerConfig struct {
	// Server is a multiaddr ending in /p2p/<id>, or a bare peer ID to be
	// found on the LAN via mDNS.
	Server string `mapstructure:"server"`

	P2PPort      int           `mapstructure:"p2p-port"`
	RetryBackoff time.Duration `mapstructure:"retry-backoff"`
	FindTimeout  time.Duration `mapstructure:"find-timeout"`

	// Puzzle; must match the server.
	EntropySize  int `mapstructure:"entropy-size"`
	BaseZeroBits int `mapstructure:"base-zero-bits"`

	DataDir  string `mapstructure:"data-dir"`
	LogLevel string `mapstructure:"log-level"`
}

// DefaultMinerConfig returns a MinerConfig with the network defaults.
func DefaultMinerConfig() *MinerConfig {
	return &MinerConfig{
		P2PPort:      0,
		RetryBackoff: 2 * time.Second,
		FindTimeout:  30 * time.Second,

		EntropySize:  puzzle.DefaultEntropySize,
		BaseZeroBits: puzzle.DefaultBaseZeroBits,

		DataDir:  ".hyperchain-miner",
		LogLevel: "info",
	}
}

// Validate checks the config for errors.
func (c *MinerConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if c.P2PPort < 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p-port must be 0-65535")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry-backoff must be positive")
	}
	if c.FindTimeout <= 0 {
		return fmt.Errorf("find-timeout must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data-dir is required")
	}
	return c.Puzzle().Validate()
}

// Puzzle returns the puzzle parameters.
func (c *MinerConfig) Puzzle() puzzle.Params {
	return puzzle.Params{EntropySize: c.EntropySize, BaseZeroBits: c.BaseZeroBits}
}
