package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

	"github.com/cellchain/cellchain/libs/clock"
)

// OperationID is a consistent timestamp (see libs/clock) that orders the
// operations of a cell. The ID of a block proposal also identifies its
// proposal group.
type OperationID uint64

// Time returns the wall time, in milliseconds, at which the ID was created.
func (id OperationID) Time() time.Time {
	return clock.TimestampTime(uint64(id))
}

// OperationType tells what an operation of the pending store stands for.
type OperationType uint8

const (
	OperationTypeUnknown OperationType = iota
	OperationTypeEntry
	OperationTypeBlockPropose
	OperationTypeBlockSign
	OperationTypeBlockRefuse
)

func (t OperationType) String() string {
	switch t {
	case OperationTypeEntry:
		return "entry"
	case OperationTypeBlockPropose:
		return "block_propose"
	case OperationTypeBlockSign:
		return "block_sign"
	case OperationTypeBlockRefuse:
		return "block_refuse"
	default:
		return "unknown"
	}
}

// Operation is a signed unit of the pending store. Entries carry application
// data; block operations carry a proposal (BlockPropose), a signature of the
// proposed block hash (BlockSign) or nothing (BlockRefuse), and point at
// their proposal through GroupID.
type Operation struct {
	GroupID   OperationID
	ID        OperationID
	NodeID    NodeID
	Type      OperationType
	Data      []byte
	Signature []byte
}

// NewEntryOperation returns an unsigned entry operation.
func NewEntryOperation(id OperationID, nodeID NodeID, data []byte) *Operation {
	return &Operation{GroupID: id, ID: id, NodeID: nodeID, Type: OperationTypeEntry, Data: data}
}

// NewBlockProposeOperation wraps a proposed block. The proposal's ID is the
// group ID of every signature or refusal that targets it.
func NewBlockProposeOperation(id OperationID, nodeID NodeID, proposal *Block) (*Operation, error) {
	bz, err := proposal.Bytes()
	if err != nil {
		return nil, err
	}
	return &Operation{GroupID: id, ID: id, NodeID: nodeID, Type: OperationTypeBlockPropose, Data: bz}, nil
}

// NewBlockSignOperation returns an approval of the proposal identified by groupID.
func NewBlockSignOperation(id, groupID OperationID, nodeID NodeID, blockSignature []byte) *Operation {
	return &Operation{GroupID: groupID, ID: id, NodeID: nodeID, Type: OperationTypeBlockSign, Data: blockSignature}
}

// NewBlockRefuseOperation returns a refusal of the proposal identified by groupID.
func NewBlockRefuseOperation(id, groupID OperationID, nodeID NodeID) *Operation {
	return &Operation{GroupID: groupID, ID: id, NodeID: nodeID, Type: OperationTypeBlockRefuse}
}

// IsBlockOperation is true for proposals, signatures and refusals.
func (op *Operation) IsBlockOperation() bool {
	switch op.Type {
	case OperationTypeBlockPropose, OperationTypeBlockSign, OperationTypeBlockRefuse:
		return true
	}
	return false
}

// ValidateBasic performs stateless validation.
func (op *Operation) ValidateBasic() error {
	if op.ID == 0 {
		return errors.New("operation has no id")
	}
	if op.GroupID == 0 {
		return errors.New("operation has no group id")
	}
	if err := op.NodeID.Validate(); err != nil {
		return fmt.Errorf("operation %d: %w", op.ID, err)
	}
	switch op.Type {
	case OperationTypeEntry, OperationTypeBlockPropose:
		if op.GroupID != op.ID {
			return fmt.Errorf("operation %d of type %v must be its own group", op.ID, op.Type)
		}
	case OperationTypeBlockSign:
		if len(op.Data) != ed25519.SignatureSize {
			return fmt.Errorf("block signature of operation %d has size %d", op.ID, len(op.Data))
		}
	case OperationTypeBlockRefuse:
	default:
		return fmt.Errorf("operation %d has unknown type %d", op.ID, op.Type)
	}
	if len(op.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("operation %d is not signed", op.ID)
	}
	return nil
}

// Proposal decodes the block carried by a BlockPropose operation.
func (op *Operation) Proposal() (*Block, error) {
	if op.Type != OperationTypeBlockPropose {
		return nil, fmt.Errorf("operation %d is not a proposal", op.ID)
	}
	return DecodeBlock(op.Data)
}

func (op *Operation) encode(withSignature bool) ([]byte, error) {
	enc := newEncoder()
	enc.uvarint(uint64(op.GroupID))
	enc.uvarint(uint64(op.ID))
	enc.string(string(op.NodeID))
	enc.uvarint(uint64(op.Type))
	enc.bytes(op.Data)
	if withSignature {
		enc.bytes(op.Signature)
	}
	return enc.result()
}

// SignBytes returns the bytes the author signs.
func (op *Operation) SignBytes() ([]byte, error) {
	return op.encode(false)
}

// Encode returns the canonical encoding of the signed operation.
func (op *Operation) Encode() ([]byte, error) {
	return op.encode(true)
}

// Sign sets the operation's author and signs it with the given key.
func (op *Operation) Sign(key NodeKey) error {
	op.NodeID = key.ID
	bz, err := op.SignBytes()
	if err != nil {
		return err
	}
	op.Signature = key.Sign(bz)
	return nil
}

// VerifySignature checks the author signature against pubKey.
func (op *Operation) VerifySignature(pubKey ed25519.PublicKey) bool {
	bz, err := op.SignBytes()
	if err != nil {
		return false
	}
	return VerifySignature(pubKey, bz, op.Signature)
}

// DecodeOperation is the inverse of Encode.
func DecodeOperation(bz []byte) (*Operation, error) {
	dec := newDecoder(bz)
	op := &Operation{
		GroupID: OperationID(dec.uvarint()),
		ID:      OperationID(dec.uvarint()),
		NodeID:  NodeID(dec.string()),
		Type:    OperationType(dec.uvarint()),
		Data:    dec.bytes(),
	}
	op.Signature = dec.bytes()
	if dec.err != nil {
		return nil, fmt.Errorf("decoding operation: %w", dec.err)
	}
	return op, nil
}

func (op *Operation) String() string {
	return fmt.Sprintf("Operation{%d %v group:%d node:%s}", op.ID, op.Type, op.GroupID, op.NodeID.Short())
}
