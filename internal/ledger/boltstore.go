package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketBlocks = []byte("blocks")
	bucketNonces = []byte("nonces")
)

// BoltStore is a write-through persistent Ledger and NonceIndex backed by
// bbolt. All reads come from memory; writes go to both memory and disk.
type BoltStore struct {
	mu     sync.RWMutex
	db     *bbolt.DB
	blocks []*Block
	nonces map[string]struct{}
	logger *zap.Logger
}

// NewBoltStore opens (or creates) a bbolt database at path, loads all
// existing blocks and indexed nonces into memory, and returns the store.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBlocks); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketNonces)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &BoltStore{
		db:     db,
		nonces: make(map[string]struct{}),
		logger: logger,
	}

	// Keys are big-endian indices, so cursor order is ledger order.
	err = db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBlocks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			index := binary.BigEndian.Uint64(k)
			if index != uint64(len(s.blocks)) {
				return fmt.Errorf("ledger gap: found block %d at position %d", index, len(s.blocks))
			}
			block, err := decodeBlock(v)
			if err != nil {
				return fmt.Errorf("decode block %d: %w", index, err)
			}
			block.Index = index
			s.blocks = append(s.blocks, block)
		}

		return tx.Bucket(bucketNonces).ForEach(func(k, _ []byte) error {
			s.nonces[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	logger.Info("ledger loaded from disk",
		zap.Int("blocks_loaded", len(s.blocks)),
		zap.Int("nonces_loaded", len(s.nonces)),
	)

	return s, nil
}

func (s *BoltStore) Length() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.blocks))
}

func (s *BoltStore) Get(index uint64) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index >= uint64(len(s.blocks)) {
		return nil, fmt.Errorf("block %d: %w", index, ErrNotFound)
	}
	return s.blocks[index], nil
}

func (s *BoltStore) Append(block *Block) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := uint64(len(s.blocks))
	block.Index = index

	data, err := encodeBlock(block)
	if err != nil {
		return 0, fmt.Errorf("encode block: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(indexKey(index), data)
	})
	if err != nil {
		return 0, fmt.Errorf("persist block %d: %w", index, err)
	}

	s.blocks = append(s.blocks, block)
	return index, nil
}

func (s *BoltStore) Range(start, end uint64, fn func(*Block) error) error {
	return rangeBlocks(&s.mu, &s.blocks, start, end, fn)
}

func (s *BoltStore) Has(nonce []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nonces[string(nonce)]
	return ok, nil
}

func (s *BoltStore) Put(nonce []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nonces[string(nonce)]; ok {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNonces).Put(nonce, []byte{})
	})
	if err != nil {
		return fmt.Errorf("persist nonce: %w", err)
	}

	s.nonces[string(nonce)] = struct{}{}
	return nil
}

func (s *BoltStore) Delete(nonce []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nonces[string(nonce)]; !ok {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNonces).Delete(nonce)
	})
	if err != nil {
		return fmt.Errorf("delete nonce from disk: %w", err)
	}

	delete(s.nonces, string(nonce))
	return nil
}

// NonceCount returns the number of indexed nonces.
func (s *BoltStore) NonceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nonces)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func indexKey(index uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], index)
	return k[:]
}
