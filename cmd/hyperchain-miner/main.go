package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/LuKks/hyper-blockchain/internal/config"
	"github.com/LuKks/hyper-blockchain/internal/miner"
	"github.com/LuKks/hyper-blockchain/internal/rpc"

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
	cfg := config.DefaultMinerConfig()

	flag.StringVar(&cfg.Server, "server", cfg.Server, "server multiaddr (/ip4/.../tcp/.../p2p/<id>) or bare peer ID found via mDNS")
	flag.IntVar(&cfg.P2PPort, "p2p-port", cfg.P2PPort, "local p2p listen port (0 picks one)")
	flag.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "pause before reconnecting after a lost channel")
	flag.DurationVar(&cfg.FindTimeout, "find-timeout", cfg.FindTimeout, "how long to wait for mDNS to find a bare peer ID")
	flag.IntVar(&cfg.EntropySize, "entropy-size", cfg.EntropySize, "random bytes per nonce (must match the server)")
	flag.IntVar(&cfg.BaseZeroBits, "base-zero-bits", cfg.BaseZeroBits, "leading zero bits at complexity 0 (must match the server)")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for the miner identity key")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hyperchain-miner - solves and submits proof-of-work nonces\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  hyperchain-miner [flags] [server]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  HYPERCHAIN_SERVER     Override -server\n")
		fmt.Fprintf(os.Stderr, "  HYPERCHAIN_DATA_DIR   Override -data-dir\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL             Override -log-level\n")
	}

	flag.Parse()

	if flag.NArg() > 0 {
		cfg.Server = flag.Arg(0)
	}
	if v := os.Getenv("HYPERCHAIN_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("HYPERCHAIN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if cfg.Server == "" {
		fmt.Fprintf(os.Stderr, "Error: a server address is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logger.Sync()

	serverInfo, err := rpc.ParseServerAddr(cfg.Server)
	if err != nil {
		return err
	}
	prefix, err := rpc.PeerKey(serverInfo.ID)
	if err != nil {
		return fmt.Errorf("server ledger identity: %w", err)
	}

	priv, err := rpc.LoadOrCreateIdentity(filepath.Join(cfg.DataDir, "identity.key"))
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	h, err := rpc.NewHost(priv, []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.P2PPort)}, logger)
	if err != nil {
		return fmt.Errorf("p2p host: %w", err)
	}
	defer h.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(serverInfo.Addrs) == 0 {
		disc, err := rpc.NewDiscovery(h, logger)
		if err != nil {
			return fmt.Errorf("start mDNS: %w", err)
		}
		defer disc.Close()

		logger.Info("looking for server on the LAN", zap.String("peer", serverInfo.ID.String()))
		findCtx, cancel := context.WithTimeout(ctx, cfg.FindTimeout)
		serverInfo, err = disc.WaitForPeer(findCtx, serverInfo.ID)
		cancel()
		if err != nil {
			return fmt.Errorf("find server %s: %w", cfg.Server, err)
		}
	}

	logger.Info("starting hyperchain miner",
		zap.String("miner", h.ID().String()),
		zap.String("server", serverInfo.ID.String()),
	)

	client := rpc.NewClient(h, serverInfo)
	m := miner.New(client, cfg.Puzzle(), prefix, cfg.RetryBackoff, logger)

	err = m.Run(ctx)
	stats := m.Stats()
	logger.Info("miner stopped",
		zap.Uint64("accepted", stats.Accepted),
		zap.Uint64("rejected", stats.Rejected),
		zap.Uint64("restarts", stats.Restarts),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	logger.Error("miner failed", zap.Error(err))
	return err
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
