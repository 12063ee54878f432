// Package pending keeps the operations that are not yet sequenced in the
// chain: entries waiting for a block, and the proposals, signatures and
// refusals exchanged to commit them.
package pending

import (
	"fmt"
	"math"
	"sync"

	"github.com/gogo/protobuf/proto"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/cellchain/cellchain/types"
)

// CommitStatus tells whether an entry made it into a block. The zero value
// is the unknown status.
type CommitStatus struct {
	Committed bool
	Offset    uint64
	Height    uint64
}

// CommitStatusUnknown is the status of an operation not known to be committed.
var CommitStatusUnknown = CommitStatus{}

// NewCommittedStatus is the status of an operation held by the block at the
// given offset and height.
func NewCommittedStatus(offset, height uint64) CommitStatus {
	return CommitStatus{Committed: true, Offset: offset, Height: height}
}

// StoredOperation is an operation with its local commit status.
type StoredOperation struct {
	Operation    *types.Operation
	CommitStatus CommitStatus
}

// Store holds pending operations keyed by operation ID.
type Store interface {
	// PutOperation stores an operation. Storing an operation already present
	// is a no-op that keeps its commit status.
	PutOperation(op *types.Operation) error
	// GetOperation returns the operation with the given ID, or nil.
	GetOperation(id types.OperationID) (*StoredOperation, error)
	// OperationsIterator iterates over operations with IDs in [from, to) in
	// ascending order. A zero to leaves the range open.
	OperationsIterator(from, to types.OperationID) (Iterator, error)
	UpdateOperationCommitStatus(id types.OperationID, status CommitStatus) error
	DeleteOperation(id types.OperationID) error
}

// Iterator walks stored operations. It must be closed.
type Iterator interface {
	Valid() bool
	Next()
	Operation() (*StoredOperation, error)
	Error() error
	Close() error
}

// CollectOperations reads every operation of the range [from, to).
func CollectOperations(store Store, from, to types.OperationID) ([]*StoredOperation, error) {
	iter, err := store.OperationsIterator(from, to)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ops []*StoredOperation
	for ; iter.Valid(); iter.Next() {
		op, err := iter.Operation()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, iter.Error()
}

// DBStore is a Store kept in a tm-db database.
type DBStore struct {
	db dbm.DB

	// serializes read-modify-write updates
	mtx sync.Mutex
}

var _ Store = (*DBStore)(nil)

// NewDBStore returns a store backed by db.
func NewDBStore(db dbm.DB) *DBStore {
	return &DBStore{db: db}
}

// PutOperation implements Store.
func (s *DBStore) PutOperation(op *types.Operation) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	key := operationKey(op.ID)
	exists, err := s.db.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	bz, err := encodeStoredOperation(&StoredOperation{Operation: op})
	if err != nil {
		return err
	}
	return s.db.Set(key, bz)
}

// GetOperation implements Store.
func (s *DBStore) GetOperation(id types.OperationID) (*StoredOperation, error) {
	bz, err := s.db.Get(operationKey(id))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, nil
	}
	return decodeStoredOperation(bz)
}

// OperationsIterator implements Store.
func (s *DBStore) OperationsIterator(from, to types.OperationID) (Iterator, error) {
	end := operationKey(math.MaxUint64)
	if to != 0 {
		end = operationKey(to)
	}
	iter, err := s.db.Iterator(operationKey(from), end)
	if err != nil {
		return nil, err
	}
	return &operationIterator{Iterator: iter}, nil
}

// UpdateOperationCommitStatus implements Store.
func (s *DBStore) UpdateOperationCommitStatus(id types.OperationID, status CommitStatus) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	stored, err := s.GetOperation(id)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("operation %d not found", id)
	}
	stored.CommitStatus = status
	bz, err := encodeStoredOperation(stored)
	if err != nil {
		return err
	}
	return s.db.Set(operationKey(id), bz)
}

// DeleteOperation implements Store.
func (s *DBStore) DeleteOperation(id types.OperationID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.db.Delete(operationKey(id))
}

// Close closes the underlying database.
func (s *DBStore) Close() error {
	return s.db.Close()
}

type operationIterator struct {
	dbm.Iterator
}

func (it *operationIterator) Operation() (*StoredOperation, error) {
	return decodeStoredOperation(it.Value())
}

//-----------------------------------------------------------------------------

const (
	prefixOperation = int64(0)
)

func operationKey(id types.OperationID) []byte {
	key, err := orderedcode.Append(nil, prefixOperation, uint64(id))
	if err != nil {
		panic(err)
	}
	return key
}

func encodeStoredOperation(stored *StoredOperation) ([]byte, error) {
	opBz, err := stored.Operation.Encode()
	if err != nil {
		return nil, err
	}
	var committed uint64
	if stored.CommitStatus.Committed {
		committed = 1
	}

	buf := proto.NewBuffer(nil)
	for _, write := range []func() error{
		func() error { return buf.EncodeRawBytes(opBz) },
		func() error { return buf.EncodeVarint(committed) },
		func() error { return buf.EncodeVarint(stored.CommitStatus.Offset) },
		func() error { return buf.EncodeVarint(stored.CommitStatus.Height) },
	} {
		if err := write(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeStoredOperation(bz []byte) (*StoredOperation, error) {
	buf := proto.NewBuffer(bz)
	opBz, err := buf.DecodeRawBytes(false)
	if err != nil {
		return nil, fmt.Errorf("decoding pending operation: %w", err)
	}
	op, err := types.DecodeOperation(opBz)
	if err != nil {
		return nil, err
	}

	var fields [3]uint64
	for i := range fields {
		if fields[i], err = buf.DecodeVarint(); err != nil {
			return nil, fmt.Errorf("decoding commit status of operation %d: %w", op.ID, err)
		}
	}
	return &StoredOperation{
		Operation: op,
		CommitStatus: CommitStatus{
			Committed: fields[0] == 1,
			Offset:    fields[1],
			Height:    fields[2],
		},
	}, nil
}
