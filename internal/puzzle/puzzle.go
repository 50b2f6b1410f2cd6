package puzzle

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/bits"
	"time"
)

const (
	// timestampSize is the length of the big-endian millisecond timestamp
	// that opens every nonce.
	timestampSize = 8

	// pollInterval is how many attempts Solve makes between context checks.
	pollInterval = 1 << 12

	// MaxNonceSize bounds accepted nonces so they always fit a storage key.
	MaxNonceSize = 1024

	// DefaultEntropySize is the number of random bytes following the timestamp.
	DefaultEntropySize = 16

	// DefaultBaseZeroBits is the number of leading zero bits required at
	// complexity 0. Complexity 1 therefore needs DefaultBaseZeroBits+1 bits.
	DefaultBaseZeroBits = 8
)

// Params controls nonce layout and the acceptance threshold.
type Params struct {
	EntropySize  int
	BaseZeroBits int
}

// DefaultParams returns the parameters used when none are configured.
func DefaultParams() Params {
	return Params{
		EntropySize:  DefaultEntropySize,
		BaseZeroBits: DefaultBaseZeroBits,
	}
}

// Validate checks the parameters for errors.
func (p Params) Validate() error {
	if p.EntropySize < 1 || p.EntropySize > 64 {
		return fmt.Errorf("entropy size must be 1-64 bytes")
	}
	if p.BaseZeroBits < 0 || p.BaseZeroBits > 200 {
		return fmt.Errorf("base zero bits must be 0-200")
	}
	return nil
}

// NonceSize returns the exact length of nonces produced by Solve.
func (p Params) NonceSize() int {
	return timestampSize + p.EntropySize
}

// RequiredZeroBits returns how many leading zero bits a digest needs at the
// given complexity.
func (p Params) RequiredZeroBits(complexity uint32) int {
	return p.BaseZeroBits + int(complexity)
}

// Check reports whether nonce solves the puzzle for complexity and prefix.
// It has no hidden state: the same inputs always give the same answer.
func (p Params) Check(nonce []byte, complexity uint32, prefix []byte) bool {
	if len(nonce) < p.NonceSize() || len(nonce) > MaxNonceSize {
		return false
	}
	return LeadingZeroBits(Digest(prefix, nonce)) >= p.RequiredZeroBits(complexity)
}

// Solve searches for a nonce satisfying Check. The search runs until a
// solution is found or ctx is cancelled; ctx is polled between rounds.
func (p Params) Solve(ctx context.Context, complexity uint32, prefix []byte) ([]byte, error) {
	nonce := make([]byte, p.NonceSize())
	binary.BigEndian.PutUint64(nonce[:timestampSize], uint64(time.Now().UnixMilli()))
	if _, err := rand.Read(nonce[timestampSize:]); err != nil {
		return nil, fmt.Errorf("read entropy: %w", err)
	}

	required := p.RequiredZeroBits(complexity)
	h := sha256.New()

	for attempt := 0; ; attempt++ {
		if attempt%pollInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		h.Reset()
		h.Write(prefix)
		h.Write(nonce)
		var digest [sha256.Size]byte
		h.Sum(digest[:0])
		if LeadingZeroBits(digest) >= required {
			return nonce, nil
		}

		// Entropy wrapped around: restamp so the search space stays fresh.
		if !increment(nonce[timestampSize:]) {
			binary.BigEndian.PutUint64(nonce[:timestampSize], uint64(time.Now().UnixMilli()))
		}
	}
}

// Digest returns sha256(prefix || nonce).
func Digest(prefix, nonce []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write(prefix)
	h.Write(nonce)
	var digest [sha256.Size]byte
	h.Sum(digest[:0])
	return digest
}

// LeadingZeroBits counts the zero bits at the start of digest.
func LeadingZeroBits(digest [sha256.Size]byte) int {
	n := 0
	for _, b := range digest {
		if b != 0 {
			return n + bits.LeadingZeros8(b)
		}
		n += 8
	}
	return n
}

// increment treats b as a big-endian counter. It returns false on wrap-around.
func increment(b []byte) bool {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return true
		}
	}
	return false
}

// Timestamp returns the creation time embedded in a nonce produced by Solve.
func Timestamp(nonce []byte) (time.Time, bool) {
	if len(nonce) < timestampSize {
		return time.Time{}, false
	}
	ms := int64(binary.BigEndian.Uint64(nonce[:timestampSize]))
	return time.UnixMilli(ms), true
}
