package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
)

// NodeIDByteLength is the length of a node's address in bytes.
const NodeIDByteLength = 20

// NodeID is a hex-encoded address derived from the node's public key.
type NodeID string

// NodeIDFromPubKey creates a node ID from a given ed25519 public key.
func NodeIDFromPubKey(pubKey ed25519.PublicKey) NodeID {
	return NodeID(hex.EncodeToString(Hash(pubKey)[:NodeIDByteLength]))
}

// NewNodeID returns a lowercased (normalized) NodeID, or errors if the node ID
// is invalid.
func NewNodeID(nodeID string) (NodeID, error) {
	n := NodeID(strings.ToLower(nodeID))
	return n, n.Validate()
}

// Validate validates the NodeID.
func (id NodeID) Validate() error {
	switch {
	case len(id) == 0:
		return errors.New("empty node ID")

	case len(id) != 2*NodeIDByteLength:
		return fmt.Errorf("invalid node ID length %d, expected %d", len(id), 2*NodeIDByteLength)

	default:
		if _, err := hex.DecodeString(string(id)); err != nil {
			return fmt.Errorf("node ID can only contain hex characters: %w", err)
		}
		if strings.ToLower(string(id)) != string(id) {
			return fmt.Errorf("node ID %q must be lowercase", id)
		}
	}
	return nil
}

// Short returns a prefix of the ID, handy in logs.
func (id NodeID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}
