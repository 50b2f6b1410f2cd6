package ledger

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a block index is out of range.
var ErrNotFound = errors.New("block not found")

// Ledger is an append-only sequence of blocks.
type Ledger interface {
	Length() uint64
	Get(index uint64) (*Block, error)
	// Append stores block at the next index, overwriting block.Index, and
	// returns that index.
	Append(block *Block) (uint64, error)
	// Range calls fn for each block in [start, end) in order. A call to fn
	// returning an error stops the walk and Range returns that error.
	Range(start, end uint64, fn func(*Block) error) error
}

// NonceIndex is a set of consumed nonces.
type NonceIndex interface {
	Has(nonce []byte) (bool, error)
	// Put inserts nonce. Inserting a present nonce is a no-op.
	Put(nonce []byte) error
	// Delete removes nonce. Deleting an absent nonce is a no-op.
	Delete(nonce []byte) error
}

// Tip returns the last block of l, or false if l is empty.
func Tip(l Ledger) (*Block, bool, error) {
	n := l.Length()
	if n == 0 {
		return nil, false, nil
	}
	b, err := l.Get(n - 1)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Recent returns up to count blocks from the end of l, oldest first.
func Recent(l Ledger, count uint64) ([]*Block, error) {
	end := l.Length()
	start := uint64(0)
	if end > count {
		start = end - count
	}

	blocks := make([]*Block, 0, end-start)
	err := l.Range(start, end, func(b *Block) error {
		blocks = append(blocks, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// MemoryStore is an in-memory Ledger and NonceIndex.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks []*Block
	nonces map[string]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nonces: make(map[string]struct{}),
	}
}

func (s *MemoryStore) Length() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.blocks))
}

func (s *MemoryStore) Get(index uint64) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index >= uint64(len(s.blocks)) {
		return nil, fmt.Errorf("block %d: %w", index, ErrNotFound)
	}
	return s.blocks[index], nil
}

func (s *MemoryStore) Append(block *Block) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block.Index = uint64(len(s.blocks))
	s.blocks = append(s.blocks, block)
	return block.Index, nil
}

func (s *MemoryStore) Range(start, end uint64, fn func(*Block) error) error {
	return rangeBlocks(&s.mu, &s.blocks, start, end, fn)
}

func (s *MemoryStore) Has(nonce []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nonces[string(nonce)]
	return ok, nil
}

func (s *MemoryStore) Put(nonce []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[string(nonce)] = struct{}{}
	return nil
}

func (s *MemoryStore) Delete(nonce []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nonces, string(nonce))
	return nil
}

// NonceCount returns the number of indexed nonces.
func (s *MemoryStore) NonceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nonces)
}

func (s *MemoryStore) Close() error { return nil }

// rangeBlocks walks a snapshot of *blocks so fn may call back into the store.
func rangeBlocks(mu *sync.RWMutex, blocks *[]*Block, start, end uint64, fn func(*Block) error) error {
	mu.RLock()
	n := uint64(len(*blocks))
	if end > n {
		end = n
	}
	var snapshot []*Block
	if start < end {
		snapshot = (*blocks)[start:end]
	}
	mu.RUnlock()

	for _, b := range snapshot {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}
