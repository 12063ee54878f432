package rpc

import (
	"time"

	ccbytes "github.com/cellchain/cellchain/libs/bytes"
	"github.com/cellchain/cellchain/types"
	"github.com/cellchain/cellchain/version"
)

// ResultStatus is returned by GET /status.
type ResultStatus struct {
	NodeID     types.NodeID `json:"node_id"`
	CellID     string       `json:"cell_id"`
	SyncStatus string       `json:"sync_status"`
	Leader     types.NodeID `json:"leader,omitempty"`

	LatestBlockOffset uint64           `json:"latest_block_offset"`
	LatestBlockHeight uint64           `json:"latest_block_height"`
	LatestBlockHash   ccbytes.HexBytes `json:"latest_block_hash"`

	PendingOperations int       `json:"pending_operations"`
	LastTick          time.Time `json:"last_tick"`
	LastError         string    `json:"last_error,omitempty"`

	Version version.Info `json:"version"`
}

// RequestSubmitEntry is the body of POST /entry. Data is base64 encoded.
type RequestSubmitEntry struct {
	Data []byte `json:"data"`
}

// ResultEntry describes an entry and where it stands.
type ResultEntry struct {
	ID     types.OperationID `json:"id,string"`
	NodeID types.NodeID      `json:"node_id"`
	Data   []byte            `json:"data,omitempty"`

	Committed bool   `json:"committed"`
	Offset    uint64 `json:"offset,omitempty"`
	Height    uint64 `json:"height,omitempty"`
}

// ResultBlockSignature is a signature of a block.
type ResultBlockSignature struct {
	NodeID    types.NodeID     `json:"node_id"`
	Signature ccbytes.HexBytes `json:"signature"`
}

// ResultBlock is returned by GET /block.
type ResultBlock struct {
	Offset              uint64                 `json:"offset"`
	Height              uint64                 `json:"height"`
	Hash                ccbytes.HexBytes       `json:"hash"`
	PreviousOffset      uint64                 `json:"previous_offset"`
	PreviousHash        ccbytes.HexBytes       `json:"previous_hash"`
	ProposedOperationID types.OperationID      `json:"proposed_operation_id,string"`
	ProposedNodeID      types.NodeID           `json:"proposed_node_id,omitempty"`
	NextOffset          uint64                 `json:"next_offset"`
	Entries             []ResultEntry          `json:"entries"`
	Signatures          []ResultBlockSignature `json:"signatures"`
}

// ResultError is the body of every failed request.
type ResultError struct {
	Error string `json:"error"`
}

func newResultBlock(block *types.Block) (*ResultBlock, error) {
	ops, err := block.Operations()
	if err != nil {
		return nil, err
	}
	res := &ResultBlock{
		Offset:              block.Offset(),
		Height:              block.Height(),
		Hash:                block.Hash(),
		PreviousOffset:      block.Header.PreviousOffset,
		PreviousHash:        block.Header.PreviousHash,
		ProposedOperationID: block.Header.ProposedOperationID,
		ProposedNodeID:      block.Header.ProposedNodeID,
		NextOffset:          block.NextOffset(),
		Entries:             make([]ResultEntry, 0, len(ops)),
		Signatures:          make([]ResultBlockSignature, 0, len(block.Signatures)),
	}
	for _, op := range ops {
		res.Entries = append(res.Entries, ResultEntry{
			ID:        op.ID,
			NodeID:    op.NodeID,
			Data:      op.Data,
			Committed: true,
			Offset:    block.Offset(),
			Height:    block.Height(),
		})
	}
	for _, sig := range block.Signatures {
		res.Signatures = append(res.Signatures, ResultBlockSignature{
			NodeID:    sig.NodeID,
			Signature: sig.Signature,
		})
	}
	return res, nil
}
