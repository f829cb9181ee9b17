package database

import (
	"fmt"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/signature"
)

// BlockHeader represents common information required for each block.
type BlockHeader struct {
	Number     uint64    `json:"number"`      // Ethereum: Block number in the chain.
	ParentHash string    `json:"parent_hash"` // Bitcoin: Hash of the previous block in the chain.
	TimeStamp  uint64    `json:"timestamp"`   // Bitcoin: Time the block was assembled.
	ProposerID AccountID `json:"proposer"`    // Ethereum: The authority account that signed the block.
	TxRoot     string    `json:"tx_root"`     // Hash over the ordered transaction hashes.
}

// Block represents a group of transactions batched together. A block is never
// changed once it has been persisted.
type Block struct {
	Header    BlockHeader       `json:"header"`
	Trans     []Tx              `json:"trans"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Signature string            `json:"signature,omitempty"`
}

// Genesis returns the block every chain starts from.
func Genesis(date time.Time) Block {
	return Block{
		Header: BlockHeader{
			Number:     0,
			ParentHash: signature.ZeroHash,
			TimeStamp:  uint64(date.UTC().UnixMilli()),
			TxRoot:     TxRoot(nil),
		},
	}
}

// Hash returns the unique hash for the Block.
func (b Block) Hash() string {
	if b.Header.Number == 0 {
		return signature.ZeroHash
	}

	// Only the header is hashed. The transactions are committed to by the
	// tx root so a chain can be checked with headers alone.
	return signature.Hash(b.Header)
}

// TxHashes returns the hashes of the transactions in block order.
func (b Block) TxHashes() []string {
	hashes := make([]string, len(b.Trans))
	for i, tx := range b.Trans {
		hashes[i] = tx.Hash
	}
	return hashes
}

// ValidateBlock takes a block and validates it can follow the previous block.
// The proposer signature is checked by the consensus collaborator.
func (b Block) ValidateBlock(previousBlock Block, evHandler func(v string, args ...any)) error {
	evHandler("database: ValidateBlock: validate: blk[%d]: check: chain is not forked", b.Header.Number)

	nextNumber := previousBlock.Header.Number + 1
	if b.Header.Number >= (nextNumber + 2) {
		return ErrChainForked
	}

	evHandler("database: ValidateBlock: validate: blk[%d]: check: block number is the next number", b.Header.Number)

	if b.Header.Number != nextNumber {
		return fmt.Errorf("this block is not the next number, got %d, exp %d", b.Header.Number, nextNumber)
	}

	evHandler("database: ValidateBlock: validate: blk[%d]: check: parent hash does match parent block", b.Header.Number)

	if b.Header.ParentHash != previousBlock.Hash() {
		return fmt.Errorf("parent block hash doesn't match our known parent, got %s, exp %s", b.Header.ParentHash, previousBlock.Hash())
	}

	if previousBlock.Header.TimeStamp > 0 {
		evHandler("database: ValidateBlock: validate: blk[%d]: check: block's timestamp is not before parent block's timestamp", b.Header.Number)

		if b.Header.TimeStamp < previousBlock.Header.TimeStamp {
			return fmt.Errorf("block timestamp is before parent block, parent %d, block %d", previousBlock.Header.TimeStamp, b.Header.TimeStamp)
		}
	}

	evHandler("database: ValidateBlock: validate: blk[%d]: check: tx root does match transactions", b.Header.Number)

	if root := TxRoot(b.Trans); b.Header.TxRoot != root {
		return fmt.Errorf("tx root does not match transactions, got %s, exp %s", root, b.Header.TxRoot)
	}

	return nil
}

// TxRoot returns the hash committing to the ordered list of transaction
// hashes. Hashes are normalized so the representation doesn't change the root.
func TxRoot(trans []Tx) string {
	hashes := make([]string, len(trans))
	for i, tx := range trans {
		hashes[i] = NormalizeHash(tx.Hash)
	}

	return signature.Hash(hashes)
}
