package miner

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LuKks/hyper-blockchain/internal/puzzle"
	"github.com/LuKks/hyper-blockchain/internal/rpc"

	"go.uber.org/zap"
)

// DefaultRetryBackoff is the pause before restarting after a lost channel.
const DefaultRetryBackoff = 2 * time.Second

// Remote is the mining service as seen from the miner.
type Remote interface {
	Complexity(ctx context.Context) (uint32, error)
	// Submit returns nil without error when the nonce was rejected.
	Submit(ctx context.Context, nonce []byte) (*rpc.SubmitResult, error)
}

// Solver finds a nonce for complexity bound to prefix.
type Solver interface {
	Solve(ctx context.Context, complexity uint32, prefix []byte) ([]byte, error)
}

// State is the miner's position in its control loop.
type State int

const (
	StateIdle State = iota
	StateFetchingComplexity
	StateSolving
	StateSubmitting
	StateAccepted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingComplexity:
		return "fetching_complexity"
	case StateSolving:
		return "solving"
	case StateSubmitting:
		return "submitting"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Stats are running totals for one miner.
type Stats struct {
	Accepted uint64
	Rejected uint64
	Restarts uint64
}

// Miner repeatedly fetches the complexity, solves and submits.
type Miner struct {
	remote  Remote
	solver  Solver
	prefix  []byte
	backoff time.Duration
	logger  *zap.Logger

	state    atomic.Int32
	accepted atomic.Uint64
	rejected atomic.Uint64
	restarts atomic.Uint64

	hookMu sync.Mutex
	hook   func(State)
}

// New creates a miner that solves puzzles bound to prefix, the server's
// ledger identity.
func New(remote Remote, solver Solver, prefix []byte, backoff time.Duration, logger *zap.Logger) *Miner {
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	return &Miner{
		remote:  remote,
		solver:  solver,
		prefix:  bytes.Clone(prefix),
		backoff: backoff,
		logger:  logger,
	}
}

// OnStateChange registers fn to be called on every state transition.
func (m *Miner) OnStateChange(fn func(State)) {
	m.hookMu.Lock()
	m.hook = fn
	m.hookMu.Unlock()
}

// State returns the current state.
func (m *Miner) State() State {
	return State(m.state.Load())
}

// Stats returns the running totals.
func (m *Miner) Stats() Stats {
	return Stats{
		Accepted: m.accepted.Load(),
		Rejected: m.rejected.Load(),
		Restarts: m.restarts.Load(),
	}
}

func (m *Miner) setState(s State) {
	m.state.Store(int32(s))
	m.hookMu.Lock()
	hook := m.hook
	m.hookMu.Unlock()
	if hook != nil {
		hook(s)
	}
}

// Run mines until ctx is cancelled or a non-retryable error occurs. A lost
// channel restarts the loop after the backoff, dropping any solved nonce
// that was not yet submitted. Run returns ctx.Err() when stopped.
func (m *Miner) Run(ctx context.Context) error {
	defer m.setState(StateIdle)

	for {
		err := m.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !rpc.IsRetryable(err) {
			return err
		}

		m.restarts.Add(1)
		m.logger.Warn("channel lost, retrying",
			zap.Duration("backoff", m.backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.backoff):
		}
	}
}

// session runs the fetch, solve, submit loop until an error occurs.
func (m *Miner) session(ctx context.Context) error {
	m.setState(StateFetchingComplexity)
	complexity, err := m.fetchComplexity(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("mining", zap.Uint32("complexity", complexity))

	for {
		m.setState(StateSolving)
		started := time.Now()
		nonce, err := m.solver.Solve(ctx, complexity, m.prefix)
		if err != nil {
			return err
		}
		elapsed := time.Since(started)

		m.setState(StateSubmitting)
		m.logger.Debug("submitting",
			zap.String("nonce", hex.EncodeToString(nonce)),
			zap.Duration("solve_time", elapsed),
		)
		result, err := m.submit(ctx, nonce)
		if err != nil {
			return err
		}

		if result == nil {
			m.setState(StateRejected)
			m.rejected.Add(1)
			m.logger.Info("submission rejected",
				zap.String("nonce", hex.EncodeToString(nonce)),
				zap.Uint32("complexity", complexity),
				zap.Uint64("rejected", m.rejected.Load()),
			)

			// Most likely the complexity moved under us.
			m.setState(StateFetchingComplexity)
			if complexity, err = m.fetchComplexity(ctx); err != nil {
				return err
			}
			m.logger.Info("complexity refreshed", zap.Uint32("complexity", complexity))
			continue
		}

		m.setState(StateAccepted)
		m.accepted.Add(1)
		m.logger.Info("block added",
			zap.Uint64("index", result.BlockIndex),
			zap.Uint32("complexity", complexity),
			zap.Duration("solve_time", elapsed),
			zap.Uint64("accepted", m.accepted.Load()),
		)

		if result.ComplexityChanged {
			m.setState(StateFetchingComplexity)
			if complexity, err = m.fetchComplexity(ctx); err != nil {
				return err
			}
			m.logger.Info("new complexity", zap.Uint32("complexity", complexity))
		}
	}
}

func (m *Miner) fetchComplexity(ctx context.Context) (uint32, error) {
	complexity, err := m.remote.Complexity(ctx)
	if rpc.IsRetryable(err) && ctx.Err() == nil {
		m.logger.Debug("complexity request failed, retrying once", zap.Error(err))
		complexity, err = m.remote.Complexity(ctx)
	}
	return complexity, err
}

func (m *Miner) submit(ctx context.Context, nonce []byte) (*rpc.SubmitResult, error) {
	result, err := m.remote.Submit(ctx, nonce)
	if rpc.IsRetryable(err) && ctx.Err() == nil {
		m.logger.Debug("submit request failed, retrying once", zap.Error(err))
		result, err = m.remote.Submit(ctx, nonce)
	}
	return result, err
}

var (
	_ Remote = (*rpc.Client)(nil)
	_ Solver = puzzle.Params{}
)
