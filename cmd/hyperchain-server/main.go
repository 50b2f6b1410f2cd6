package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LuKks/hyper-blockchain/internal/config"
	"github.com/LuKks/hyper-blockchain/internal/node"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultServerConfig()

	flag.IntVar(&cfg.P2PPort, "p2p-port", cfg.P2PPort, "p2p listen port for miners")
	flag.BoolVar(&cfg.EnableMDNS, "mdns", cfg.EnableMDNS, "announce the server on the LAN via mDNS")
	flag.DurationVar(&cfg.TargetInterval, "target-interval", cfg.TargetInterval, "target time between blocks")
	flag.DurationVar(&cfg.RetargetPeriod, "retarget-period", cfg.RetargetPeriod, "span of blocks between complexity retargets")
	flag.IntVar(&cfg.EntropySize, "entropy-size", cfg.EntropySize, "random bytes per nonce (miners must match)")
	flag.IntVar(&cfg.BaseZeroBits, "base-zero-bits", cfg.BaseZeroBits, "leading zero bits required at complexity 0 (miners must match)")
	flag.Float64Var(&cfg.PenaltyRate, "penalty-rate", cfg.PenaltyRate, "per-peer invalid submissions forgiven per second (0 disables throttling)")
	flag.IntVar(&cfg.PenaltyBurst, "penalty-burst", cfg.PenaltyBurst, "invalid submissions a peer may make before it is throttled")
	flag.IntVar(&cfg.StatusPort, "status-port", cfg.StatusPort, "HTTP status and metrics port (0 disables)")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for the ledger and identity key")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hyperchain-server - proof-of-work ledger server\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  hyperchain-server [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  HYPERCHAIN_DATA_DIR   Override -data-dir\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL             Override -log-level\n")
	}

	flag.Parse()

	// Environment variables override flags (for containerized deployments)
	if v := os.Getenv("HYPERCHAIN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting hyperchain server",
		zap.String("data_dir", cfg.DataDir),
		zap.Duration("target_interval", cfg.TargetInterval),
		zap.Duration("retarget_period", cfg.RetargetPeriod),
	)

	n := node.NewNode(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		n.Stop()
		return fmt.Errorf("start node: %w", err)
	}

	// Wait for shutdown signal or a storage failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		n.Stop()
		return nil
	case err := <-n.Fatal():
		logger.Error("fatal ledger error, shutting down", zap.Error(err))
		n.Stop()
		return fmt.Errorf("ledger failure: %w", err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return cfg.Build()
}
