package ledger

import "fmt"

// SyncNonceIndex inserts the nonce of every block in l that idx does not
// already hold, walking l from genesis. It returns the number of nonces
// inserted and is safe to run repeatedly.
func SyncNonceIndex(l Ledger, idx NonceIndex) (int, error) {
	inserted := 0
	err := l.Range(0, l.Length(), func(b *Block) error {
		ok, err := idx.Has(b.Nonce)
		if err != nil {
			return fmt.Errorf("lookup nonce of block %d: %w", b.Index, err)
		}
		if ok {
			return nil
		}
		if err := idx.Put(b.Nonce); err != nil {
			return fmt.Errorf("index nonce of block %d: %w", b.Index, err)
		}
		inserted++
		return nil
	})
	return inserted, err
}
