package chain

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/LuKks/hyper-blockchain/internal/ledger"

	"go.uber.org/zap"
)

const (
	// DefaultTargetInterval is the desired time between blocks.
	DefaultTargetInterval = 15 * time.Second

	// DefaultRetargetPeriod is the wall-clock period a retarget window
	// approximates.
	DefaultRetargetPeriod = 24 * time.Hour

	// MinComplexity is the complexity floor.
	MinComplexity uint32 = 1
)

// WindowSizeFor returns the number of blocks that approximate period at the
// given block interval.
func WindowSizeFor(period, interval time.Duration) uint64 {
	if interval <= 0 {
		return 1
	}
	n := uint64(period / interval)
	if n < 1 {
		return 1
	}
	return n
}

// DifficultyController derives the current complexity from ledger history.
// The complexity is read lock-free; writes happen only from Initialize and
// MaybeRetarget, which the Coordinator calls under its submission lock.
type DifficultyController struct {
	ledger         ledger.Ledger
	windowSize     uint64
	targetInterval time.Duration
	logger         *zap.Logger

	complexity atomic.Uint32
}

// NewDifficultyController creates a controller retargeting every windowSize
// blocks towards targetInterval.
func NewDifficultyController(l ledger.Ledger, windowSize uint64, targetInterval time.Duration, logger *zap.Logger) *DifficultyController {
	if windowSize < 1 {
		windowSize = 1
	}
	dc := &DifficultyController{
		ledger:         l,
		windowSize:     windowSize,
		targetInterval: targetInterval,
		logger:         logger,
	}
	dc.complexity.Store(MinComplexity)
	return dc
}

// Complexity returns the current complexity.
func (dc *DifficultyController) Complexity() uint32 {
	return dc.complexity.Load()
}

// WindowSize returns the retarget window in blocks.
func (dc *DifficultyController) WindowSize() uint64 {
	return dc.windowSize
}

// TargetInterval returns the desired time between blocks.
func (dc *DifficultyController) TargetInterval() time.Duration {
	return dc.targetInterval
}

// Initialize restores the complexity from the last block and runs the
// retarget check once, in case a window boundary was crossed before a restart.
func (dc *DifficultyController) Initialize() error {
	tip, ok, err := ledger.Tip(dc.ledger)
	if err != nil {
		return fmt.Errorf("read tip: %w", err)
	}

	complexity := MinComplexity
	if ok && tip.Complexity >= MinComplexity {
		complexity = tip.Complexity
	}
	dc.complexity.Store(complexity)

	if _, err := dc.MaybeRetarget(dc.ledger.Length()); err != nil {
		return err
	}

	dc.logger.Info("difficulty initialized",
		zap.Uint32("complexity", dc.Complexity()),
		zap.Uint64("window_size", dc.windowSize),
		zap.Duration("target_interval", dc.targetInterval),
	)
	return nil
}

// MaybeRetarget recomputes the complexity when length sits on a window
// boundary and reports whether it changed.
func (dc *DifficultyController) MaybeRetarget(length uint64) (bool, error) {
	if length == 0 || length%dc.windowSize != 0 {
		return false, nil
	}

	window, err := ledger.Recent(dc.ledger, dc.windowSize)
	if err != nil {
		return false, fmt.Errorf("read retarget window: %w", err)
	}

	old := dc.Complexity()
	next := dc.nextComplexity(window, old)
	if next == old {
		dc.logger.Debug("retarget kept complexity",
			zap.Uint64("length", length),
			zap.Uint32("complexity", old),
		)
		return false, nil
	}

	dc.complexity.Store(next)
	dc.logger.Info("complexity retargeted",
		zap.Uint64("length", length),
		zap.Uint32("old_complexity", old),
		zap.Uint32("new_complexity", next),
	)
	return true, nil
}

// nextComplexity applies the step rule to window (oldest first). The step is
// taken from the newest block's complexity so re-running a retarget for the
// same boundary yields the same result.
func (dc *DifficultyController) nextComplexity(window []*ledger.Block, current uint32) uint32 {
	if len(window) < 2 {
		return current
	}

	base := window[len(window)-1].Complexity
	if base < MinComplexity {
		base = MinComplexity
	}

	// Mean delta vs target, compared as total vs target*(n-1) to stay in
	// integers.
	total := window[len(window)-1].Timestamp - window[0].Timestamp
	expected := dc.targetInterval.Milliseconds() * int64(len(window)-1)

	switch {
	case total == expected:
		return base
	case total > expected:
		if base <= MinComplexity {
			return MinComplexity
		}
		return base - 1
	default:
		return base + 1
	}
}
