package ledger

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Block is one accepted proof-of-work solution. Blocks are immutable once
// appended to a Ledger.
type Block struct {
	Index      uint64 `cbor:"1,keyasint"`
	Nonce      []byte `cbor:"2,keyasint"`
	Complexity uint32 `cbor:"3,keyasint"`
	Timestamp  int64  `cbor:"4,keyasint"` // milliseconds since epoch
	Submitter  []byte `cbor:"5,keyasint"` // raw public key of the miner
}

// Time returns the block timestamp as a time.Time.
func (b *Block) Time() time.Time {
	return time.UnixMilli(b.Timestamp)
}

// NonceHex returns the hex-encoded nonce.
func (b *Block) NonceHex() string {
	return hex.EncodeToString(b.Nonce)
}

// SubmitterShort returns an abbreviated submitter key for logs.
func (b *Block) SubmitterShort() string {
	if len(b.Submitter) > 8 {
		return hex.EncodeToString(b.Submitter[:8]) + ".."
	}
	return hex.EncodeToString(b.Submitter)
}

// String returns a brief description of the block.
func (b *Block) String() string {
	return fmt.Sprintf("Block{index=%d, complexity=%d, nonce=%s}", b.Index, b.Complexity, b.NonceHex())
}

func encodeBlock(b *Block) ([]byte, error) {
	return cbor.Marshal(b)
}

func decodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
