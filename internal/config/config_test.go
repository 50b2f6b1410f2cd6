package config

import (
	"testing"
	"time"
)

func TestDefaultServerConfig_Valid(t *testing.T) {
	if err := DefaultServerConfig().Validate(); err != nil {
		t.Fatalf("default server config invalid: %v", err)
	}
}

func TestServerConfig_Invalid(t *testing.T) {
	cases := map[string]func(c *ServerConfig){
		"port":            func(c *ServerConfig) { c.P2PPort = 70000 },
		"status port":     func(c *ServerConfig) { c.StatusPort = -1 },
		"target interval": func(c *ServerConfig) { c.TargetInterval = 0 },
		"period":          func(c *ServerConfig) { c.RetargetPeriod = time.Second },
		"rate":            func(c *ServerConfig) { c.PenaltyRate = -1 },
		"burst":           func(c *ServerConfig) { c.PenaltyBurst = 0 },
		"data dir":        func(c *ServerConfig) { c.DataDir = "" },
		"entropy":         func(c *ServerConfig) { c.EntropySize = 0 },
	}
	for name, mutate := range cases {
		cfg := DefaultServerConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestServerConfig_ThrottlingDisabled(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.PenaltyRate = 0
	cfg.PenaltyBurst = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled throttling rejected: %v", err)
	}
}

func TestMinerConfig_RequiresServer(t *testing.T) {
	cfg := DefaultMinerConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without server")
	}
	cfg.Server = "12D3KooWAE5cgq3g5y5PttxWXiJVwuyzGzHHht7X6Xcz27hmQBiY"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestPuzzleParams(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.EntropySize = 12
	cfg.BaseZeroBits = 4
	p := cfg.Puzzle()
	if p.EntropySize != 12 || p.BaseZeroBits != 4 {
		t.Errorf("Puzzle() = %+v", p)
	}
}
