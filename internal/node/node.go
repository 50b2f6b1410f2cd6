package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/LuKks/hyper-blockchain/internal/chain"
	"github.com/LuKks/hyper-blockchain/internal/config"
	"github.com/LuKks/hyper-blockchain/internal/ledger"
	"github.com/LuKks/hyper-blockchain/internal/metrics"
	"github.com/LuKks/hyper-blockchain/internal/rpc"
	"github.com/LuKks/hyper-blockchain/internal/web"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	statusInterval = 30 * time.Second

	// maxLimiters bounds the per-peer penalty table; the least recently
	// seen peer is evicted first.
	maxLimiters = 4096

	recentBlockCount = 10
)

// Node is the mining server: it owns the ledger and serves the complexity
// and submit operations to miners.
type Node struct {
	config *config.ServerConfig
	logger *zap.Logger

	store     *ledger.BoltStore
	coord     *chain.Coordinator
	host      host.Host
	rpcSrv    *rpc.Server
	discovery *rpc.Discovery
	httpSrv   *http.Server

	limiters *lru.Cache[string, *rate.Limiter]

	fatal     chan error
	startTime time.Time
	cancel    context.CancelFunc
}

// NewNode creates a new mining server.
func NewNode(cfg *config.ServerConfig, logger *zap.Logger) *Node {
	return &Node{
		config: cfg,
		logger: logger,
		fatal:  make(chan error, 1),
	}
}

// Start opens the ledger, restores the nonce index and difficulty, and
// starts serving miners.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if err := os.MkdirAll(n.config.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Identity: the public key doubles as the ledger prefix.
	priv, err := rpc.LoadOrCreateIdentity(filepath.Join(n.config.DataDir, "identity.key"))
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	prefix, err := rpc.PublicKeyBytes(priv)
	if err != nil {
		return fmt.Errorf("identity public key: %w", err)
	}

	// Ledger
	store, err := ledger.NewBoltStore(filepath.Join(n.config.DataDir, "chain.db"), n.logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	n.store = store

	windowSize := chain.WindowSizeFor(n.config.RetargetPeriod, n.config.TargetInterval)
	difficulty := chain.NewDifficultyController(store, windowSize, n.config.TargetInterval, n.logger)
	n.coord = chain.NewCoordinator(store, store, difficulty, n.config.Puzzle(), prefix, n.logger)
	if err := n.coord.Start(); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	n.startTime = time.Now()

	n.limiters, err = lru.New[string, *rate.Limiter](maxLimiters)
	if err != nil {
		return fmt.Errorf("create penalty table: %w", err)
	}

	metrics.LedgerLength.Set(float64(store.Length()))
	metrics.Complexity.Set(float64(n.coord.Complexity()))

	// P2P host; handlers are registered before discovery announces us.
	listen := []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", n.config.P2PPort)}
	n.host, err = rpc.NewHost(priv, listen, n.logger)
	if err != nil {
		return fmt.Errorf("p2p host: %w", err)
	}
	n.rpcSrv = rpc.NewServer(n.host, n.handleComplexity, n.handleSubmit, n.logger)

	if n.config.EnableMDNS {
		n.discovery, err = rpc.NewDiscovery(n.host, n.logger)
		if err != nil {
			n.logger.Warn("mDNS setup failed", zap.Error(err))
		}
	}

	if n.config.StatusPort > 0 {
		n.httpSrv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", n.config.StatusPort),
			Handler:           web.NewHandler(n.statusData, n.lookupBlock),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := n.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	go n.statusLoop(ctx)

	n.logger.Info("hyperchain server started",
		zap.String("peer_id", n.host.ID().String()),
		zap.String("ledger", hex.EncodeToString(prefix)),
		zap.Uint64("length", store.Length()),
		zap.Uint32("complexity", n.coord.Complexity()),
		zap.Uint64("window_size", windowSize),
		zap.Int("status_port", n.config.StatusPort),
	)

	return nil
}

// Stop gracefully stops all subsystems.
func (n *Node) Stop() {
	n.logger.Info("shutting down hyperchain server...")

	if n.cancel != nil {
		n.cancel()
	}
	if n.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n.httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if n.discovery != nil {
		n.discovery.Close()
	}
	if n.rpcSrv != nil {
		n.rpcSrv.Close()
	}
	if n.host != nil {
		n.host.Close()
	}
	if n.store != nil {
		n.store.Close()
	}

	n.logger.Info("hyperchain server stopped")
}

// Fatal delivers the first storage failure seen while handling a submission.
// The ledger can no longer be trusted once this fires.
func (n *Node) Fatal() <-chan error {
	return n.fatal
}

// PeerID returns the server's peer ID.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// AddrInfo returns the server's peer ID and listen addresses.
func (n *Node) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
}

// Coordinator returns the submission coordinator.
func (n *Node) Coordinator() *chain.Coordinator {
	return n.coord
}

// Complexity returns the complexity new nonces must meet.
func (n *Node) Complexity() uint32 {
	return n.coord.Complexity()
}

// Submit hands a submission from the peer holding submitter to the
// coordinator. Invalid and replayed nonces are charged against the peer's
// penalty budget; a peer with no budget left is throttled until it refills.
// Accepted nonces never cost budget. Rejections satisfy chain.IsRejection.
func (n *Node) Submit(submitter, nonce []byte) (*chain.Receipt, error) {
	if n.throttled(submitter) {
		metrics.SubmissionsTotal.WithLabelValues(metrics.ResultRateLimited).Inc()
		n.logger.Debug("submitter throttled", zap.String("submitter", hex.EncodeToString(submitter)))
		return nil, chain.ErrRateLimited
	}

	started := time.Now()
	receipt, err := n.coord.Submit(nonce, submitter)
	metrics.SubmitLatency.Observe(time.Since(started).Seconds())

	switch {
	case errors.Is(err, chain.ErrInvalidProof):
		metrics.SubmissionsTotal.WithLabelValues(metrics.ResultInvalidProof).Inc()
		n.penalize(submitter)
		return nil, err
	case errors.Is(err, chain.ErrNonceReplayed):
		metrics.SubmissionsTotal.WithLabelValues(metrics.ResultReplayed).Inc()
		n.penalize(submitter)
		return nil, err
	case err != nil:
		metrics.SubmissionsTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}

	metrics.SubmissionsTotal.WithLabelValues(metrics.ResultAccepted).Inc()
	metrics.LedgerLength.Set(float64(receipt.Block.Index + 1))
	if receipt.ComplexityChanged {
		metrics.ObserveRetarget(receipt.Block.Complexity, n.coord.Complexity())
	}
	return receipt, nil
}

func (n *Node) handleComplexity() uint32 {
	return n.Complexity()
}

func (n *Node) handleSubmit(remoteKey []byte, req *rpc.SubmitReq) (*rpc.SubmitResp, error) {
	receipt, err := n.Submit(remoteKey, req.Nonce)
	if chain.IsRejection(err) {
		return nil, nil
	}
	if err != nil {
		n.logger.Error("submission failed", zap.Error(err))
		select {
		case n.fatal <- err:
		default:
		}
		return nil, err
	}

	return &rpc.SubmitResp{
		Accepted:          true,
		Block:             &rpc.BlockRef{Index: receipt.Block.Index},
		ComplexityChanged: receipt.ComplexityChanged,
	}, nil
}

// throttled reports whether submitter has used up its penalty budget.
func (n *Node) throttled(submitter []byte) bool {
	if n.config.PenaltyRate <= 0 {
		return false
	}
	limiter, ok := n.limiters.Get(string(submitter))
	return ok && limiter.Tokens() < 1
}

// penalize charges one wrong submission to submitter.
func (n *Node) penalize(submitter []byte) {
	if n.config.PenaltyRate <= 0 {
		return
	}
	key := string(submitter)
	limiter, ok := n.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(n.config.PenaltyRate), n.config.PenaltyBurst)
		if prev, found, _ := n.limiters.PeekOrAdd(key, limiter); found {
			limiter = prev
		}
	}
	limiter.Allow()
}

func (n *Node) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.logStatus()
		}
	}
}

func (n *Node) logStatus() {
	length := n.store.Length()
	complexity := n.coord.Complexity()
	peers := len(n.host.Network().Peers())

	n.logger.Info("status",
		zap.Uint64("length", length),
		zap.Uint32("complexity", complexity),
		zap.Int("peers", peers),
		zap.Int("nonces", n.store.NonceCount()),
	)

	metrics.LedgerLength.Set(float64(length))
	metrics.Complexity.Set(float64(complexity))
}

func (n *Node) statusData() *web.StatusData {
	difficulty := n.coord.Difficulty()
	length := n.store.Length()
	window := difficulty.WindowSize()

	data := &web.StatusData{
		Length:             length,
		Complexity:         difficulty.Complexity(),
		WindowSize:         window,
		TargetIntervalSecs: difficulty.TargetInterval().Seconds(),
		NextRetargetAt:     (length/window + 1) * window,
		PeerID:             n.host.ID().String(),
		Peers:              len(n.host.Network().Peers()),
		Uptime:             int64(time.Since(n.startTime).Seconds()),
	}

	recent, err := ledger.Recent(n.store, recentBlockCount)
	if err != nil {
		n.logger.Warn("read recent blocks", zap.Error(err))
		return data
	}
	for i := len(recent) - 1; i >= 0; i-- {
		data.RecentBlocks = append(data.RecentBlocks, *blockInfo(recent[i]))
	}
	if len(data.RecentBlocks) > 0 {
		tip := data.RecentBlocks[0]
		data.Tip = &tip
	}
	return data
}

func (n *Node) lookupBlock(index uint64) *web.BlockInfo {
	block, err := n.store.Get(index)
	if err != nil {
		return nil
	}
	return blockInfo(block)
}

func blockInfo(b *ledger.Block) *web.BlockInfo {
	return &web.BlockInfo{
		Index:      b.Index,
		Nonce:      b.NonceHex(),
		Complexity: b.Complexity,
		Timestamp:  b.Timestamp,
		Submitter:  hex.EncodeToString(b.Submitter),
	}
}
