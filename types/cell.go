package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

	ccos "github.com/cellchain/cellchain/libs/os"
)

// NodeRole is a responsibility a node holds in its cell.
type NodeRole string

const (
	// RoleChain nodes replicate the chain and take part in block commits.
	RoleChain NodeRole = "chain"
	// RoleStore nodes keep a copy of the chain for queries.
	RoleStore NodeRole = "store"
	// RoleAppHost nodes host applications that submit entries.
	RoleAppHost NodeRole = "app_host"
)

func (r NodeRole) validate() error {
	switch r {
	case RoleChain, RoleStore, RoleAppHost:
		return nil
	}
	return fmt.Errorf("unknown node role %q", r)
}

// CellNode is a member of a cell.
type CellNode struct {
	ID        NodeID
	PublicKey ed25519.PublicKey
	Address   string
	Roles     []NodeRole
}

// HasRole reports whether the node holds the given role.
func (n CellNode) HasRole(role NodeRole) bool {
	for _, r := range n.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Cell is the fixed membership of a chain, seen from the local node.
type Cell struct {
	id    string
	key   NodeKey
	nodes []CellNode // sorted by ID
	index map[NodeID]int
}

// NewCell validates the membership. The local node, identified by key, must
// be one of the nodes.
func NewCell(id string, key NodeKey, nodes []CellNode) (*Cell, error) {
	if id == "" {
		return nil, errors.New("empty cell id")
	}
	if len(nodes) > maxCellNodes {
		return nil, fmt.Errorf("cell has %d nodes, at most %d are supported", len(nodes), maxCellNodes)
	}

	sorted := make([]CellNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	index := make(map[NodeID]int, len(sorted))
	for i, n := range sorted {
		if err := n.ID.Validate(); err != nil {
			return nil, err
		}
		if len(n.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("node %s: invalid public key size %d", n.ID, len(n.PublicKey))
		}
		if NodeIDFromPubKey(n.PublicKey) != n.ID {
			return nil, fmt.Errorf("node %s: id does not match public key", n.ID)
		}
		for _, r := range n.Roles {
			if err := r.validate(); err != nil {
				return nil, fmt.Errorf("node %s: %w", n.ID, err)
			}
		}
		if _, ok := index[n.ID]; ok {
			return nil, fmt.Errorf("duplicate node %s", n.ID)
		}
		index[n.ID] = i
	}

	local, ok := index[key.ID]
	if !ok {
		return nil, fmt.Errorf("local node %s is not part of cell %s", key.ID, id)
	}
	if !bytes.Equal(sorted[local].PublicKey, key.PubKey()) {
		return nil, fmt.Errorf("local node %s: key does not match cell public key", key.ID)
	}

	return &Cell{id: id, key: key, nodes: sorted, index: index}, nil
}

// maxCellNodes bounds the membership so node seeds fit consistent timestamps.
const maxCellNodes = 100

// ID returns the cell identifier.
func (c *Cell) ID() string { return c.id }

// Key returns the local node key.
func (c *Cell) Key() NodeKey { return c.key }

// LocalNode returns the local node.
func (c *Cell) LocalNode() CellNode { return c.nodes[c.index[c.key.ID]] }

// LocalNodeID returns the ID of the local node.
func (c *Cell) LocalNodeID() NodeID { return c.key.ID }

// Node returns the node with the given ID.
func (c *Cell) Node(id NodeID) (CellNode, bool) {
	i, ok := c.index[id]
	if !ok {
		return CellNode{}, false
	}
	return c.nodes[i], true
}

// Nodes returns every node of the cell sorted by ID.
func (c *Cell) Nodes() []CellNode {
	nodes := make([]CellNode, len(c.nodes))
	copy(nodes, c.nodes)
	return nodes
}

// ChainNodes returns the chain-role nodes sorted by ID.
func (c *Cell) ChainNodes() []CellNode {
	var nodes []CellNode
	for _, n := range c.nodes {
		if n.HasRole(RoleChain) {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// ChainNodeIDs returns the IDs of ChainNodes.
func (c *Cell) ChainNodeIDs() []NodeID {
	var ids []NodeID
	for _, n := range c.ChainNodes() {
		ids = append(ids, n.ID)
	}
	return ids
}

// PeerChainNodes returns the chain-role nodes other than the local one.
func (c *Cell) PeerChainNodes() []CellNode {
	var nodes []CellNode
	for _, n := range c.ChainNodes() {
		if n.ID != c.key.ID {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// IsChainNode reports whether id is a chain-role node of the cell.
func (c *Cell) IsChainNode(id NodeID) bool {
	n, ok := c.Node(id)
	return ok && n.HasRole(RoleChain)
}

// Quorum returns the number of chain nodes needed for a decision.
func (c *Cell) Quorum() int {
	return len(c.ChainNodes())/2 + 1
}

// IsQuorum reports whether count chain nodes make a quorum.
func (c *Cell) IsQuorum(count int) bool {
	return count >= c.Quorum()
}

// NodeSeed returns the seed a node mixes in its consistent timestamps: its
// index among the sorted nodes of the cell, unique within the cell.
func (c *Cell) NodeSeed(id NodeID) uint64 {
	return uint64(c.index[id])
}

//-----------------------------------------------------------------------------
// Cell file

// CellFile is the TOML document describing a cell's membership.
type CellFile struct {
	ID    string         `toml:"id"`
	Nodes []CellFileNode `toml:"nodes"`
}

// CellFileNode is a node entry of a CellFile. The public key is hex encoded.
type CellFileNode struct {
	ID        string   `toml:"id"`
	PublicKey string   `toml:"public_key"`
	Address   string   `toml:"address"`
	Roles     []string `toml:"roles"`
}

// NewCellFileNode describes the node owning the given public key.
func NewCellFileNode(pubKey ed25519.PublicKey, address string, roles ...NodeRole) CellFileNode {
	n := CellFileNode{
		ID:        string(NodeIDFromPubKey(pubKey)),
		PublicKey: hex.EncodeToString(pubKey),
		Address:   address,
	}
	for _, r := range roles {
		n.Roles = append(n.Roles, string(r))
	}
	return n
}

// LoadCellFile reads a cell file.
func LoadCellFile(filePath string) (CellFile, error) {
	var cf CellFile
	if _, err := toml.DecodeFile(filePath, &cf); err != nil {
		return CellFile{}, fmt.Errorf("reading cell file %s: %w", filePath, err)
	}
	return cf, nil
}

// SaveAs writes the cell file atomically.
func (cf CellFile) SaveAs(filePath string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cf); err != nil {
		return err
	}
	return ccos.WriteFileAtomic(filePath, buf.Bytes(), 0644)
}

// Cell builds the cell seen from the node owning key.
func (cf CellFile) Cell(key NodeKey) (*Cell, error) {
	nodes := make([]CellNode, 0, len(cf.Nodes))
	for _, fn := range cf.Nodes {
		pub, err := hex.DecodeString(fn.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("node %s: decoding public key: %w", fn.ID, err)
		}
		id, err := NewNodeID(fn.ID)
		if err != nil {
			return nil, err
		}
		n := CellNode{ID: id, PublicKey: ed25519.PublicKey(pub), Address: fn.Address}
		for _, r := range fn.Roles {
			n.Roles = append(n.Roles, NodeRole(r))
		}
		nodes = append(nodes, n)
	}
	return NewCell(cf.ID, key, nodes)
}
