package store

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/cellchain/cellchain/types"
)

// ErrBlockNotFound is returned when no block starts at the requested offset.
var ErrBlockNotFound = errors.New("block not found")

// InvalidNextBlockError is returned when a block written to the chain does
// not start where the last block ends.
type InvalidNextBlockError struct {
	Offset         uint64
	ExpectedOffset uint64
}

func (e *InvalidNextBlockError) Error() string {
	return fmt.Sprintf("invalid next block: offset %d, expected %d", e.Offset, e.ExpectedOffset)
}

// ChainStore is the append-only log of the blocks of the chain, addressed by
// offset.
type ChainStore interface {
	// GetLastBlock returns the tip of the chain, or nil if the chain is empty.
	GetLastBlock() (*types.Block, error)
	// GetBlock returns the block starting at offset, or ErrBlockNotFound.
	GetBlock(offset uint64) (*types.Block, error)
	// GetBlockByOperationID returns the block containing the given entry,
	// or proposed by the given proposal. It returns nil if there is none.
	GetBlockByOperationID(id types.OperationID) (*types.Block, error)
	// WriteBlock appends a block and returns the offset of the next one. It
	// fails with *InvalidNextBlockError if the block doesn't start at the
	// end of the chain.
	WriteBlock(block *types.Block) (uint64, error)
	// BlocksIterator iterates over the blocks starting at fromOffset.
	BlocksIterator(fromOffset uint64) (BlockIterator, error)
	// TruncateFrom removes the block starting at offset and every block
	// after it.
	TruncateFrom(offset uint64) error
}

// BlockIterator walks blocks in offset order. It must be closed.
type BlockIterator interface {
	Valid() bool
	Next()
	Block() (*types.Block, error)
	Error() error
	Close() error
}

/*
BlockStore is a ChainStore kept in a tm-db database.

There are two types of information stored:
  - Block:           The encoded block, keyed by its offset
  - Operation index: The offset of the block holding each entry operation
    and of the block each proposal resulted in

NOTE: BlockStore methods will panic if they encounter errors
deserializing loaded data, indicating probable corruption on disk.
*/
type BlockStore struct {
	db dbm.DB

	// serializes writers so the next offset check and the write are atomic
	mtx sync.Mutex
}

var _ ChainStore = (*BlockStore)(nil)

// NewBlockStore returns a new BlockStore with the given DB.
func NewBlockStore(db dbm.DB) *BlockStore {
	return &BlockStore{db: db}
}

// InitChain writes the genesis block of the cell if the chain is empty.
func (bs *BlockStore) InitChain(cellID string) error {
	last, err := bs.GetLastBlock()
	if err != nil {
		return err
	}
	if last != nil {
		return nil
	}
	_, err = bs.WriteBlock(types.NewGenesisBlock(cellID))
	return err
}

// GetLastBlock implements ChainStore.
func (bs *BlockStore) GetLastBlock() (*types.Block, error) {
	iter, err := bs.db.ReverseIterator(blockKey(0), blockKey(math.MaxUint64))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if iter.Valid() {
		return mustDecodeBlock(iter.Value()), nil
	}
	return nil, iter.Error()
}

// GetBlock implements ChainStore.
func (bs *BlockStore) GetBlock(offset uint64) (*types.Block, error) {
	bz, err := bs.db.Get(blockKey(offset))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, fmt.Errorf("%w at offset %d", ErrBlockNotFound, offset)
	}
	return mustDecodeBlock(bz), nil
}

// GetBlockByOperationID implements ChainStore.
func (bs *BlockStore) GetBlockByOperationID(id types.OperationID) (*types.Block, error) {
	bz, err := bs.db.Get(operationKey(id))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, nil
	}
	offset, err := strconv.ParseUint(string(bz), 10, 64)
	if err != nil {
		panic(fmt.Errorf("failed to extract offset from %s: %w", string(bz), err))
	}
	block, err := bs.GetBlock(offset)
	if errors.Is(err, ErrBlockNotFound) {
		// index entries of truncated blocks are removed with them
		panic(fmt.Errorf("operation %d indexes missing block at offset %d", id, offset))
	}
	return block, err
}

// WriteBlock implements ChainStore.
func (bs *BlockStore) WriteBlock(block *types.Block) (uint64, error) {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	var expected uint64
	last, err := bs.GetLastBlock()
	if err != nil {
		return 0, err
	}
	if last != nil {
		expected = last.NextOffset()
	}
	if block.Offset() != expected {
		return 0, &InvalidNextBlockError{Offset: block.Offset(), ExpectedOffset: expected}
	}

	bz, err := block.Bytes()
	if err != nil {
		return 0, err
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(blockKey(block.Offset()), bz); err != nil {
		return 0, err
	}
	offsetValue := []byte(strconv.FormatUint(block.Offset(), 10))
	for _, id := range indexedOperations(block) {
		if err := batch.Set(operationKey(id), offsetValue); err != nil {
			return 0, err
		}
	}
	if err := batch.WriteSync(); err != nil {
		return 0, err
	}
	return block.NextOffset(), nil
}

// BlocksIterator implements ChainStore.
func (bs *BlockStore) BlocksIterator(fromOffset uint64) (BlockIterator, error) {
	iter, err := bs.db.Iterator(blockKey(fromOffset), blockKey(math.MaxUint64))
	if err != nil {
		return nil, err
	}
	return &blockIterator{Iterator: iter}, nil
}

// TruncateFrom implements ChainStore.
func (bs *BlockStore) TruncateFrom(offset uint64) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	iter, err := bs.db.Iterator(blockKey(offset), blockKey(math.MaxUint64))
	if err != nil {
		return err
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	for ; iter.Valid(); iter.Next() {
		block := mustDecodeBlock(iter.Value())
		for _, id := range indexedOperations(block) {
			if err := batch.Delete(operationKey(id)); err != nil {
				iter.Close()
				return err
			}
		}
		// tm-db iterators don't own their keys
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		if err := batch.Delete(key); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return err
	}
	// iterators must be released before writing
	if err := iter.Close(); err != nil {
		return err
	}
	return batch.WriteSync()
}

// Close closes the underlying database.
func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

func indexedOperations(block *types.Block) []types.OperationID {
	ids := make([]types.OperationID, 0, len(block.Header.OperationIDs)+1)
	ids = append(ids, block.Header.OperationIDs...)
	if block.Header.ProposedOperationID != 0 {
		ids = append(ids, block.Header.ProposedOperationID)
	}
	return ids
}

type blockIterator struct {
	dbm.Iterator
}

func (it *blockIterator) Block() (*types.Block, error) {
	return types.DecodeBlock(it.Value())
}

//-----------------------------------------------------------------------------

// key prefixes
const (
	// prefixes are unique across all cellchain dbs
	prefixBlock     = int64(0)
	prefixOperation = int64(1)
)

func blockKey(offset uint64) []byte {
	key, err := orderedcode.Append(nil, prefixBlock, offset)
	if err != nil {
		panic(err)
	}
	return key
}

func operationKey(id types.OperationID) []byte {
	key, err := orderedcode.Append(nil, prefixOperation, uint64(id))
	if err != nil {
		panic(err)
	}
	return key
}

func mustDecodeBlock(bz []byte) *types.Block {
	block, err := types.DecodeBlock(bz)
	if err != nil {
		panic(fmt.Errorf("error reading block: %w", err))
	}
	return block
}
