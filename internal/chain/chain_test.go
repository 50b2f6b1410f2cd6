package chain

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/LuKks/hyper-blockchain/internal/ledger"
	"github.com/LuKks/hyper-blockchain/internal/puzzle"

	"go.uber.org/zap"
)

var testPrefix = []byte("test-ledger-key-0123456789abcdef")

// testParams keeps solving cheap: complexity c needs c leading zero bits.
func testParams() puzzle.Params {
	return puzzle.Params{EntropySize: 8, BaseZeroBits: 0}
}

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// testCoordinator builds a started coordinator over an in-memory store.
func testCoordinator(t *testing.T, window uint64, target time.Duration) (*Coordinator, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	c := newCoordinatorOn(t, store, store, window, target)
	return c, store
}

func newCoordinatorOn(t *testing.T, l ledger.Ledger, idx ledger.NonceIndex, window uint64, target time.Duration) *Coordinator {
	t.Helper()
	logger := zap.NewNop()
	dc := NewDifficultyController(l, window, target, logger)
	c := NewCoordinator(l, idx, dc, testParams(), testPrefix, logger)
	if err := c.Start(); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	return c
}

func solve(t *testing.T, complexity uint32) []byte {
	t.Helper()
	nonce, err := testParams().Solve(context.Background(), complexity, testPrefix)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	return nonce
}

// invalidNonce returns a nonce that fails the puzzle at complexity.
func invalidNonce(t *testing.T, complexity uint32) []byte {
	t.Helper()
	p := testParams()
	for i := 0; i < 1000; i++ {
		nonce := make([]byte, p.NonceSize())
		copy(nonce, fmt.Sprintf("bad%05d", i))
		if !p.Check(nonce, complexity, testPrefix) {
			return nonce
		}
	}
	t.Fatal("could not find an invalid nonce")
	return nil
}

// stepClock returns a clock yielding the given millisecond timestamps in order.
func stepClock(ms ...int64) func() time.Time {
	var mu sync.Mutex
	i := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		v := ms[len(ms)-1]
		if i < len(ms) {
			v = ms[i]
		}
		i++
		return time.UnixMilli(v)
	}
}

// evenClock returns a clock advancing by step on each call.
func evenClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := time.UnixMilli(1700000000000)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}

func TestEmptyLedger_ComplexityIsOne(t *testing.T) {
	c, _ := testCoordinator(t, 4, time.Second)
	if got := c.Complexity(); got != 1 {
		t.Errorf("complexity = %d, want 1", got)
	}
}

func TestSubmit_InvalidProofRejected(t *testing.T) {
	c, store := testCoordinator(t, 4, time.Second)

	_, err := c.Submit(invalidNonce(t, 1), []byte("miner"))
	if !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("err = %v, want ErrInvalidProof", err)
	}
	if !IsRejection(err) {
		t.Error("invalid proof should be a rejection")
	}
	if store.Length() != 0 {
		t.Errorf("ledger length = %d, want 0", store.Length())
	}
	if store.NonceCount() != 0 {
		t.Errorf("nonce index size = %d, want 0", store.NonceCount())
	}
}

func TestSubmit_FreshNonceAccepted(t *testing.T) {
	c, store := testCoordinator(t, 4, time.Second)

	receipt, err := c.Submit(solve(t, 1), []byte("miner"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Block.Index != 0 {
		t.Errorf("index = %d, want 0", receipt.Block.Index)
	}
	if receipt.ComplexityChanged {
		t.Error("complexity should not change on first block")
	}
	if receipt.Block.Complexity != 1 {
		t.Errorf("block complexity = %d, want 1", receipt.Block.Complexity)
	}
	if string(receipt.Block.Submitter) != "miner" {
		t.Errorf("submitter = %q", receipt.Block.Submitter)
	}
	if store.Length() != 1 {
		t.Errorf("ledger length = %d, want 1", store.Length())
	}
}

func TestSubmit_ReplayRejected(t *testing.T) {
	c, store := testCoordinator(t, 4, time.Second)
	nonce := solve(t, 1)

	if _, err := c.Submit(nonce, []byte("miner-a")); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := c.Submit(nonce, []byte("miner-b"))
		if !errors.Is(err, ErrNonceReplayed) {
			t.Fatalf("replay %d: err = %v, want ErrNonceReplayed", i, err)
		}
	}
	if store.Length() != 1 {
		t.Errorf("ledger length = %d, want 1", store.Length())
	}
}

func TestSubmit_NonceBufferNotRetained(t *testing.T) {
	c, _ := testCoordinator(t, 100, time.Second)
	nonce := solve(t, 1)
	original := string(nonce)

	receipt, err := c.Submit(nonce, []byte("miner"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := range nonce {
		nonce[i] = 0
	}
	if string(receipt.Block.Nonce) != original {
		t.Error("block nonce aliases the caller's buffer")
	}
	_, err = c.Submit([]byte(original), []byte("miner"))
	if !errors.Is(err, ErrNonceReplayed) {
		t.Errorf("err = %v, want ErrNonceReplayed", err)
	}
}

func TestSubmit_ContiguousIndices(t *testing.T) {
	c, store := testCoordinator(t, 5, time.Second)
	c.SetClock(evenClock(time.Second))

	for i := 0; i < 12; i++ {
		receipt, err := c.Submit(solve(t, c.Complexity()), []byte("miner"))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if receipt.Block.Index != uint64(i) {
			t.Fatalf("submit %d got index %d", i, receipt.Block.Index)
		}
	}

	err := store.Range(0, store.Length(), func(b *ledger.Block) error {
		want, _ := store.Get(b.Index)
		if want != b {
			return fmt.Errorf("block %d mismatch", b.Index)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRetarget_FastMiningRaisesComplexity(t *testing.T) {
	c, _ := testCoordinator(t, 4, 1000*time.Millisecond)
	c.SetClock(stepClock(0, 500, 1000, 1500))

	for i := 0; i < 4; i++ {
		receipt, err := c.Submit(solve(t, c.Complexity()), []byte("miner"))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if i < 3 && receipt.ComplexityChanged {
			t.Errorf("complexity changed before window boundary at block %d", i)
		}
		if i == 3 && !receipt.ComplexityChanged {
			t.Error("expected complexity change at window boundary")
		}
	}

	if got := c.Complexity(); got != 2 {
		t.Errorf("complexity = %d, want 2", got)
	}
}

func TestRetarget_SlowMiningLowersComplexity(t *testing.T) {
	c, _ := testCoordinator(t, 2, 1000*time.Millisecond)

	// Raise to 3 with fast blocks, then mine slowly.
	c.SetClock(stepClock(0, 100, 200, 300, 10000, 20000))
	for i := 0; i < 4; i++ {
		if _, err := c.Submit(solve(t, c.Complexity()), []byte("miner")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if got := c.Complexity(); got != 3 {
		t.Fatalf("complexity after fast window = %d, want 3", got)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Submit(solve(t, c.Complexity()), []byte("miner")); err != nil {
			t.Fatalf("slow submit %d: %v", i, err)
		}
	}
	if got := c.Complexity(); got != 2 {
		t.Errorf("complexity after slow window = %d, want 2", got)
	}
}

func TestRetarget_ExactTargetKeepsComplexity(t *testing.T) {
	c, _ := testCoordinator(t, 3, 1000*time.Millisecond)
	c.SetClock(evenClock(1000 * time.Millisecond))

	for i := 0; i < 3; i++ {
		receipt, err := c.Submit(solve(t, c.Complexity()), []byte("miner"))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if receipt.ComplexityChanged {
			t.Errorf("complexity changed at block %d with on-target timing", i)
		}
	}
	if got := c.Complexity(); got != 1 {
		t.Errorf("complexity = %d, want 1", got)
	}
}

func TestRetarget_NeverBelowOne(t *testing.T) {
	c, _ := testCoordinator(t, 2, time.Second)
	c.SetClock(evenClock(time.Hour))

	for i := 0; i < 10; i++ {
		receipt, err := c.Submit(solve(t, c.Complexity()), []byte("miner"))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if receipt.ComplexityChanged {
			t.Errorf("complexity changed at block %d while already at floor", i)
		}
		if c.Complexity() < 1 {
			t.Fatalf("complexity dropped to %d", c.Complexity())
		}
	}
}

func TestRetarget_OnlyOnWindowBoundaries(t *testing.T) {
	c, store := testCoordinator(t, 3, time.Hour)
	c.SetClock(evenClock(time.Millisecond))

	for i := 0; i < 9; i++ {
		receipt, err := c.Submit(solve(t, c.Complexity()), []byte("miner"))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		onBoundary := store.Length()%3 == 0
		if receipt.ComplexityChanged != onBoundary {
			t.Errorf("length %d: changed=%v, want %v", store.Length(), receipt.ComplexityChanged, onBoundary)
		}
	}
	if got := c.Complexity(); got != 4 {
		t.Errorf("complexity = %d, want 4", got)
	}
}

func TestDifficulty_SingleBlockWindowUnchanged(t *testing.T) {
	store := ledger.NewMemoryStore()
	store.Append(&ledger.Block{Nonce: []byte("a"), Complexity: 5, Timestamp: 0})

	dc := NewDifficultyController(store, 1, time.Second, zap.NewNop())
	if err := dc.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := dc.Complexity(); got != 5 {
		t.Errorf("complexity = %d, want 5", got)
	}
}

func TestDifficulty_InitializeOnBoundaryIsIdempotent(t *testing.T) {
	store := ledger.NewMemoryStore()
	c := newCoordinatorOn(t, store, store, 4, time.Second)
	c.SetClock(stepClock(0, 500, 1000, 1500))
	for i := 0; i < 4; i++ {
		if _, err := c.Submit(solve(t, c.Complexity()), []byte("miner")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if c.Complexity() != 2 {
		t.Fatalf("complexity = %d, want 2", c.Complexity())
	}

	// Restart with the ledger sitting exactly on the boundary.
	dc := NewDifficultyController(store, 4, time.Second, zap.NewNop())
	if err := dc.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := dc.Complexity(); got != 2 {
		t.Errorf("complexity after restart = %d, want 2", got)
	}
}

func TestDifficulty_InitializeRestoresLastComplexity(t *testing.T) {
	store := ledger.NewMemoryStore()
	for i := 0; i < 3; i++ {
		store.Append(&ledger.Block{Nonce: []byte{byte(i)}, Complexity: 7, Timestamp: int64(i * 1000)})
	}

	dc := NewDifficultyController(store, 10, time.Second, zap.NewNop())
	if err := dc.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := dc.Complexity(); got != 7 {
		t.Errorf("complexity = %d, want 7", got)
	}
}

func TestWindowSizeFor(t *testing.T) {
	if got := WindowSizeFor(DefaultRetargetPeriod, DefaultTargetInterval); got != 5760 {
		t.Errorf("default window = %d, want 5760", got)
	}
	if got := WindowSizeFor(time.Second, time.Minute); got != 1 {
		t.Errorf("window shorter than interval = %d, want 1", got)
	}
}

func TestSubmit_ConcurrentDistinctNonces(t *testing.T) {
	c, store := testCoordinator(t, 1000, time.Second)

	a := solve(t, 1)
	b := solve(t, 1)

	var wg sync.WaitGroup
	results := make([]*Receipt, 2)
	errs := make([]error, 2)
	for i, nonce := range [][]byte{a, b} {
		wg.Add(1)
		go func(i int, nonce []byte) {
			defer wg.Done()
			results[i], errs[i] = c.Submit(nonce, []byte("miner"))
		}(i, nonce)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	indices := []int{int(results[0].Block.Index), int(results[1].Block.Index)}
	sort.Ints(indices)
	if indices[0] != 0 || indices[1] != 1 {
		t.Errorf("indices = %v, want [0 1]", indices)
	}
	if store.Length() != 2 {
		t.Errorf("ledger length = %d, want 2", store.Length())
	}
}

func TestSubmit_ConcurrentManyMiners(t *testing.T) {
	c, store := testCoordinator(t, 1000, time.Second)

	const miners = 16
	nonces := make([][]byte, miners)
	for i := range nonces {
		nonces[i] = solve(t, 1)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	for i := 0; i < miners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every miner races the same nonce once plus its own.
			c.Submit(nonces[0], []byte("racer"))
			receipt, err := c.Submit(nonces[i], []byte("miner"))
			if i == 0 {
				return
			}
			if err != nil {
				t.Errorf("miner %d: %v", i, err)
				return
			}
			mu.Lock()
			if seen[receipt.Block.Index] {
				t.Errorf("index %d assigned twice", receipt.Block.Index)
			}
			seen[receipt.Block.Index] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if store.Length() != miners {
		t.Errorf("ledger length = %d, want %d", store.Length(), miners)
	}
	if store.NonceCount() != miners {
		t.Errorf("nonce index size = %d, want %d", store.NonceCount(), miners)
	}
}

func TestSubmit_ReplayRejectedAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.db")

	store, err := ledger.NewBoltStore(path, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c := newCoordinatorOn(t, store, store, 100, time.Second)
	nonce := solve(t, 1)
	if _, err := c.Submit(nonce, []byte("miner")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	store.Close()

	// Reopen the ledger but start from an empty, in-memory nonce index.
	reopened, err := ledger.NewBoltStore(path, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	c2 := newCoordinatorOn(t, reopened, ledger.NewMemoryStore(), 100, time.Second)

	_, err = c2.Submit(nonce, []byte("miner"))
	if !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("err = %v, want ErrNonceReplayed", err)
	}

	receipt, err := c2.Submit(solve(t, 1), []byte("miner"))
	if err != nil {
		t.Fatalf("fresh submit after restart: %v", err)
	}
	if receipt.Block.Index != 1 {
		t.Errorf("index = %d, want 1", receipt.Block.Index)
	}
}

// failingLedger fails every Append.
type failingLedger struct {
	*ledger.MemoryStore
}

var errDiskFull = errors.New("disk full")

func (f failingLedger) Append(*ledger.Block) (uint64, error) {
	return 0, errDiskFull
}

func TestSubmit_AppendFailureRollsBackNonce(t *testing.T) {
	mem := ledger.NewMemoryStore()
	l := failingLedger{mem}
	idx := ledger.NewMemoryStore()
	c := newCoordinatorOn(t, l, idx, 100, time.Second)

	nonce := solve(t, 1)
	_, err := c.Submit(nonce, []byte("miner"))
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("err = %v, want errDiskFull", err)
	}
	if IsRejection(err) {
		t.Error("storage failure must not be a rejection")
	}
	if idx.NonceCount() != 0 {
		t.Errorf("nonce left in index after failed append")
	}

	// The same nonce is still usable once storage recovers.
	c2 := newCoordinatorOn(t, mem, idx, 100, time.Second)
	if _, err := c2.Submit(nonce, []byte("miner")); err != nil {
		t.Errorf("resubmit after recovery: %v", err)
	}
}
