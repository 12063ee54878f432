package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/gogo/protobuf/proto"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
)

// BlockHeader describes a block of the chain. The header is the only part
// covered by the block hash: operations are bound to it through
// OperationsHash and signatures are computed over the hash.
type BlockHeader struct {
	Offset              uint64
	Height              uint64
	PreviousOffset      uint64
	PreviousHash        []byte
	ProposedOperationID OperationID
	ProposedNodeID      NodeID
	OperationIDs        []OperationID
	OperationsSize      uint64
	OperationsHash      []byte
	// SignaturesSize is the room reserved for the signatures frame, so the
	// size of a block is known before it gets signed.
	SignaturesSize uint64
}

// encode panics if the buffer fails, which the varint codec never does.
func (h *BlockHeader) encode() []byte {
	enc := newEncoder()
	enc.uvarint(h.Offset)
	enc.uvarint(h.Height)
	enc.uvarint(h.PreviousOffset)
	enc.bytes(h.PreviousHash)
	enc.uvarint(uint64(h.ProposedOperationID))
	enc.string(string(h.ProposedNodeID))
	enc.uvarint(uint64(len(h.OperationIDs)))
	for _, id := range h.OperationIDs {
		enc.uvarint(uint64(id))
	}
	enc.uvarint(h.OperationsSize)
	enc.bytes(h.OperationsHash)
	enc.uvarint(h.SignaturesSize)
	bz, err := enc.result()
	if err != nil {
		panic(fmt.Sprintf("encoding block header: %v", err))
	}
	return bz
}

func decodeBlockHeader(bz []byte) (BlockHeader, error) {
	dec := newDecoder(bz)
	h := BlockHeader{
		Offset:              dec.uvarint(),
		Height:              dec.uvarint(),
		PreviousOffset:      dec.uvarint(),
		PreviousHash:        dec.bytes(),
		ProposedOperationID: OperationID(dec.uvarint()),
		ProposedNodeID:      NodeID(dec.string()),
	}
	if n := dec.count(); n > 0 {
		h.OperationIDs = make([]OperationID, n)
		for i := range h.OperationIDs {
			h.OperationIDs[i] = OperationID(dec.uvarint())
		}
	}
	h.OperationsSize = dec.uvarint()
	h.OperationsHash = dec.bytes()
	h.SignaturesSize = dec.uvarint()
	if dec.err != nil {
		return BlockHeader{}, fmt.Errorf("decoding block header: %w", dec.err)
	}
	return h, nil
}

// BlockSignature is the approval of a block by a chain node: an ed25519
// signature of the block hash.
type BlockSignature struct {
	NodeID    NodeID
	Signature []byte
}

// Block is a header, the encoded entry operations it sequences and the
// signatures that committed it.
type Block struct {
	Header         BlockHeader
	OperationsData []byte
	Signatures     []BlockSignature
}

// SignaturesCapacity returns the size of a signatures frame able to hold one
// signature from each of the given nodes.
func SignaturesCapacity(nodeIDs []NodeID) uint64 {
	size := proto.SizeVarint(uint64(len(nodeIDs)))
	for _, id := range nodeIDs {
		size += sizeBytes(len(id)) + sizeBytes(ed25519.SignatureSize)
	}
	return uint64(size)
}

// EncodeOperations builds the operations section of a block.
func EncodeOperations(ops []*Operation) ([]byte, error) {
	enc := newEncoder()
	enc.uvarint(uint64(len(ops)))
	for _, op := range ops {
		bz, err := op.Encode()
		if err != nil {
			return nil, err
		}
		enc.bytes(bz)
	}
	return enc.result()
}

// NewBlockProposal builds an unsigned block that follows previous and
// sequences ops in ascending operation ID order. signers are the nodes that
// may sign it.
func NewBlockProposal(
	previous *Block,
	proposalID OperationID,
	proposer NodeID,
	ops []*Operation,
	signers []NodeID,
) (*Block, error) {
	sorted := make([]*Operation, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var ids []OperationID
	for _, op := range sorted {
		if op.Type != OperationTypeEntry {
			return nil, fmt.Errorf("operation %d of type %v cannot be part of a block", op.ID, op.Type)
		}
		ids = append(ids, op.ID)
	}
	opsData, err := EncodeOperations(sorted)
	if err != nil {
		return nil, err
	}

	return &Block{
		Header: BlockHeader{
			Offset:              previous.NextOffset(),
			Height:              previous.Header.Height + 1,
			PreviousOffset:      previous.Header.Offset,
			PreviousHash:        previous.Hash(),
			ProposedOperationID: proposalID,
			ProposedNodeID:      proposer,
			OperationIDs:        ids,
			OperationsSize:      uint64(len(opsData)),
			OperationsHash:      Hash(opsData),
			SignaturesSize:      SignaturesCapacity(signers),
		},
		OperationsData: opsData,
	}, nil
}

// NewGenesisBlock returns the first block of the chain of the given cell. It
// only depends on the cell ID, so every node of the cell builds the same one.
func NewGenesisBlock(cellID string) *Block {
	opsData, _ := EncodeOperations(nil)
	return &Block{
		Header: BlockHeader{
			PreviousHash:   Hash([]byte(cellID)),
			OperationsSize: uint64(len(opsData)),
			OperationsHash: Hash(opsData),
			SignaturesSize: SignaturesCapacity(nil),
		},
		OperationsData: opsData,
	}
}

// Hash returns the hash of the block header.
func (b *Block) Hash() []byte {
	return Hash(b.Header.encode())
}

// Offset returns the position of the block in the chain.
func (b *Block) Offset() uint64 { return b.Header.Offset }

// Height returns the block height. Genesis has height 0.
func (b *Block) Height() uint64 { return b.Header.Height }

// Size returns the size of the encoded block. It does not depend on the
// signatures the block holds.
func (b *Block) Size() uint64 {
	return uint64(sizeBytes(len(b.Header.encode())) +
		sizeBytes(len(b.OperationsData)) +
		sizeBytes(int(b.Header.SignaturesSize)))
}

// NextOffset returns the offset of the block that follows this one.
func (b *Block) NextOffset() uint64 {
	return b.Header.Offset + b.Size()
}

// Operations decodes the entry operations of the block.
func (b *Block) Operations() ([]*Operation, error) {
	dec := newDecoder(b.OperationsData)
	n := dec.count()
	ops := make([]*Operation, 0, n)
	for i := 0; i < n && dec.err == nil; i++ {
		op, err := DecodeOperation(dec.bytes())
		if dec.err != nil {
			break
		}
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if dec.err != nil {
		return nil, fmt.Errorf("decoding block operations: %w", dec.err)
	}
	return ops, nil
}

// ValidateBasic checks that the operations section matches the header.
func (b *Block) ValidateBasic() error {
	if uint64(len(b.OperationsData)) != b.Header.OperationsSize {
		return fmt.Errorf("operations size %d does not match header (%d)",
			len(b.OperationsData), b.Header.OperationsSize)
	}
	if !bytes.Equal(Hash(b.OperationsData), b.Header.OperationsHash) {
		return errors.New("operations hash does not match header")
	}
	if len(b.Header.PreviousHash) != HashSize {
		return fmt.Errorf("wrong previous hash size %d", len(b.Header.PreviousHash))
	}
	return nil
}

// SetSignatures replaces the block signatures, sorted by node ID. It fails
// if they don't fit the space reserved by the header.
func (b *Block) SetSignatures(sigs []BlockSignature) error {
	sorted := make([]BlockSignature, len(sigs))
	copy(sorted, sigs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NodeID < sorted[j].NodeID })

	frame, err := encodeSignatures(sorted)
	if err != nil {
		return err
	}
	if uint64(len(frame)) > b.Header.SignaturesSize {
		return fmt.Errorf("%d signatures need %d bytes, block reserves %d",
			len(sorted), len(frame), b.Header.SignaturesSize)
	}
	b.Signatures = sorted
	return nil
}

// SignBytes are the bytes a chain node signs to approve the block.
func (b *Block) SignBytes() []byte {
	return b.Hash()
}

// VerifySignature checks sig against the block hash.
func (b *Block) VerifySignature(pubKey ed25519.PublicKey, sig []byte) bool {
	return VerifySignature(pubKey, b.SignBytes(), sig)
}

// Bytes returns the encoded block.
func (b *Block) Bytes() ([]byte, error) {
	header := b.Header.encode()
	frame, err := encodeSignatures(b.Signatures)
	if err != nil {
		return nil, err
	}
	if uint64(len(frame)) > b.Header.SignaturesSize {
		return nil, fmt.Errorf("signatures frame of %d bytes exceeds reserved %d",
			len(frame), b.Header.SignaturesSize)
	}
	padded := make([]byte, b.Header.SignaturesSize)
	copy(padded, frame)

	enc := newEncoder()
	enc.bytes(header)
	enc.bytes(b.OperationsData)
	enc.bytes(padded)
	return enc.result()
}

// DecodeBlock is the inverse of Bytes.
func DecodeBlock(bz []byte) (*Block, error) {
	dec := newDecoder(bz)
	headerBz := dec.bytes()
	opsData := dec.bytes()
	frame := dec.bytes()
	if dec.err != nil {
		return nil, fmt.Errorf("decoding block: %w", dec.err)
	}

	header, err := decodeBlockHeader(headerBz)
	if err != nil {
		return nil, err
	}
	if uint64(len(frame)) != header.SignaturesSize {
		return nil, fmt.Errorf("signatures frame has %d bytes, header declares %d",
			len(frame), header.SignaturesSize)
	}
	sigs, err := decodeSignatures(frame)
	if err != nil {
		return nil, err
	}
	return &Block{Header: header, OperationsData: opsData, Signatures: sigs}, nil
}

func encodeSignatures(sigs []BlockSignature) ([]byte, error) {
	enc := newEncoder()
	enc.uvarint(uint64(len(sigs)))
	for _, sig := range sigs {
		enc.string(string(sig.NodeID))
		enc.bytes(sig.Signature)
	}
	return enc.result()
}

func decodeSignatures(frame []byte) ([]BlockSignature, error) {
	dec := newDecoder(frame)
	n := dec.count()
	var sigs []BlockSignature
	for i := 0; i < n && dec.err == nil; i++ {
		sigs = append(sigs, BlockSignature{NodeID: NodeID(dec.string()), Signature: dec.bytes()})
	}
	if dec.err != nil {
		return nil, fmt.Errorf("decoding block signatures: %w", dec.err)
	}
	return sigs, nil
}

//-----------------------------------------------------------------------------

// BlockMetadata summarizes a block for header synchronization.
type BlockMetadata struct {
	Offset         uint64
	Height         uint64
	BlockHash      []byte
	BlockSize      uint64
	OperationsSize uint64
	OperationsHash []byte
}

// NewBlockMetadata summarizes b.
func NewBlockMetadata(b *Block) BlockMetadata {
	return BlockMetadata{
		Offset:         b.Header.Offset,
		Height:         b.Header.Height,
		BlockHash:      b.Hash(),
		BlockSize:      b.Size(),
		OperationsSize: b.Header.OperationsSize,
		OperationsHash: b.Header.OperationsHash,
	}
}

// NextOffset returns the offset of the block following the described one.
func (bm BlockMetadata) NextOffset() uint64 {
	return bm.Offset + bm.BlockSize
}

// Equal compares two summaries by position and hash.
func (bm BlockMetadata) Equal(other BlockMetadata) bool {
	return bm.Offset == other.Offset && bm.Height == other.Height && bytes.Equal(bm.BlockHash, other.BlockHash)
}

func (bm BlockMetadata) String() string {
	return fmt.Sprintf("BlockMetadata{offset:%d height:%d hash:%X}", bm.Offset, bm.Height, bm.BlockHash)
}

func encodeBlockMetadata(enc *encoder, bm BlockMetadata) {
	enc.uvarint(bm.Offset)
	enc.uvarint(bm.Height)
	enc.bytes(bm.BlockHash)
	enc.uvarint(bm.BlockSize)
	enc.uvarint(bm.OperationsSize)
	enc.bytes(bm.OperationsHash)
}

func decodeBlockMetadata(dec *decoder) BlockMetadata {
	return BlockMetadata{
		Offset:         dec.uvarint(),
		Height:         dec.uvarint(),
		BlockHash:      dec.bytes(),
		BlockSize:      dec.uvarint(),
		OperationsSize: dec.uvarint(),
		OperationsHash: dec.bytes(),
	}
}
