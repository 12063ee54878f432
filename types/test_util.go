package types

import (
	"fmt"
)

// MakeCells returns the views of a cell of n chain-role nodes, one per node,
// ordered by node ID.
func MakeCells(cellID string, n int) ([]*Cell, error) {
	keys := make([]NodeKey, n)
	nodes := make([]CellNode, n)
	for i := range keys {
		key, err := GenNodeKey()
		if err != nil {
			return nil, err
		}
		keys[i] = key
		nodes[i] = CellNode{
			ID:        key.ID,
			PublicKey: key.PubKey(),
			Address:   fmt.Sprintf("node%d", i),
			Roles:     []NodeRole{RoleChain, RoleStore},
		}
	}

	cells := make([]*Cell, 0, n)
	for _, key := range keys {
		cell, err := NewCell(cellID, key, nodes)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	sortCellsByNodeID(cells)
	return cells, nil
}

func sortCellsByNodeID(cells []*Cell) {
	for i := 1; i < len(cells); i++ {
		for j := i; j > 0 && cells[j].LocalNodeID() < cells[j-1].LocalNodeID(); j-- {
			cells[j], cells[j-1] = cells[j-1], cells[j]
		}
	}
}

// MakeSignedEntry returns an entry operation signed by key.
func MakeSignedEntry(key NodeKey, id OperationID, data []byte) (*Operation, error) {
	op := NewEntryOperation(id, key.ID, data)
	if err := op.Sign(key); err != nil {
		return nil, err
	}
	return op, nil
}
