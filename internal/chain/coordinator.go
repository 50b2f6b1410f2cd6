package chain

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LuKks/hyper-blockchain/internal/ledger"
	"github.com/LuKks/hyper-blockchain/internal/puzzle"

	"go.uber.org/zap"
)

var (
	// ErrInvalidProof is returned when a nonce does not solve the puzzle at
	// the current complexity.
	ErrInvalidProof = errors.New("invalid proof of work")

	// ErrNonceReplayed is returned when a nonce was already accepted.
	ErrNonceReplayed = errors.New("nonce already used")

	// ErrRateLimited is returned when a submitter exceeds its submit rate.
	ErrRateLimited = errors.New("submit rate exceeded")
)

// IsRejection reports whether err is an expected rejection rather than a
// failure of the node.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidProof) ||
		errors.Is(err, ErrNonceReplayed) ||
		errors.Is(err, ErrRateLimited)
}

// Receipt describes an accepted submission.
type Receipt struct {
	Block             *ledger.Block
	ComplexityChanged bool
}

// Verifier checks a nonce against the puzzle.
type Verifier interface {
	Check(nonce []byte, complexity uint32, prefix []byte) bool
}

// Coordinator is the single writer of the ledger and nonce index. Every
// submission runs validate, index, append and retarget under one lock.
type Coordinator struct {
	mu sync.Mutex

	ledger     ledger.Ledger
	nonces     ledger.NonceIndex
	difficulty *DifficultyController
	verifier   Verifier
	prefix     []byte
	now        func() time.Time
	logger     *zap.Logger
}

// NewCoordinator creates a coordinator validating nonces against prefix.
func NewCoordinator(l ledger.Ledger, nonces ledger.NonceIndex, difficulty *DifficultyController, verifier Verifier, prefix []byte, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		ledger:     l,
		nonces:     nonces,
		difficulty: difficulty,
		verifier:   verifier,
		prefix:     bytes.Clone(prefix),
		now:        time.Now,
		logger:     logger,
	}
}

// SetClock replaces the clock used to timestamp blocks.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Prefix returns the ledger identity nonces are bound to.
func (c *Coordinator) Prefix() []byte {
	return bytes.Clone(c.prefix)
}

// Complexity returns the current complexity without taking the lock.
func (c *Coordinator) Complexity() uint32 {
	return c.difficulty.Complexity()
}

// Start rebuilds the nonce index from the ledger and initializes the
// difficulty controller. It must run before the first Submit.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("syncing nonce index", zap.Uint64("ledger_length", c.ledger.Length()))
	inserted, err := ledger.SyncNonceIndex(c.ledger, c.nonces)
	if err != nil {
		return fmt.Errorf("sync nonce index: %w", err)
	}
	c.logger.Info("nonce index synced", zap.Int("inserted", inserted))

	if err := c.difficulty.Initialize(); err != nil {
		return fmt.Errorf("initialize difficulty: %w", err)
	}
	return nil
}

// Submit validates nonce and, if it is a fresh solution at the current
// complexity, appends a block for submitter. Rejections are reported as
// ErrInvalidProof or ErrNonceReplayed; any other error is a storage failure.
func (c *Coordinator) Submit(nonce, submitter []byte) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	complexity := c.difficulty.Complexity()

	// 1. Proof of work
	if !c.verifier.Check(nonce, complexity, c.prefix) {
		c.logger.Debug("nonce is invalid", zap.Uint32("complexity", complexity))
		return nil, ErrInvalidProof
	}

	// 2. Replay
	used, err := c.nonces.Has(nonce)
	if err != nil {
		return nil, fmt.Errorf("lookup nonce: %w", err)
	}
	if used {
		c.logger.Debug("nonce already used")
		return nil, ErrNonceReplayed
	}

	// 3. Index before append to close the replay window early
	nonce = bytes.Clone(nonce)
	if err := c.nonces.Put(nonce); err != nil {
		return nil, fmt.Errorf("index nonce: %w", err)
	}

	// 4. Append
	block := &ledger.Block{
		Nonce:      nonce,
		Complexity: complexity,
		Timestamp:  c.now().UnixMilli(),
		Submitter:  bytes.Clone(submitter),
	}
	if _, err := c.ledger.Append(block); err != nil {
		if rbErr := c.nonces.Delete(nonce); rbErr != nil {
			c.logger.Error("failed to roll back nonce after append failure",
				zap.String("nonce", block.NonceHex()),
				zap.Error(rbErr),
			)
		}
		return nil, fmt.Errorf("append block: %w", err)
	}

	c.logger.Info("block added",
		zap.Uint64("index", block.Index),
		zap.Uint64("length", c.ledger.Length()),
		zap.Uint32("complexity", complexity),
		zap.String("submitter", block.SubmitterShort()),
	)

	// 5. Retarget
	changed, err := c.difficulty.MaybeRetarget(c.ledger.Length())
	if err != nil {
		return nil, fmt.Errorf("retarget: %w", err)
	}

	return &Receipt{Block: block, ComplexityChanged: changed}, nil
}

// Ledger returns the underlying ledger for read access.
func (c *Coordinator) Ledger() ledger.Ledger {
	return c.ledger
}

// Difficulty returns the difficulty controller.
func (c *Coordinator) Difficulty() *DifficultyController {
	return c.difficulty
}

var _ Verifier = puzzle.Params{}
