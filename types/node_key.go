package types

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

	ccos "github.com/cellchain/cellchain/libs/os"
)

//------------------------------------------------------------------------------
// Persistent node key

// NodeKey is the persistent key of a node. It signs the operations the node
// authors and the blocks it approves.
type NodeKey struct {
	// Canonical ID - hex-encoded pubkey's address (NodeIDByteLength bytes)
	ID NodeID
	// Private key
	PrivKey ed25519.PrivateKey
}

type nodeKeyJSON struct {
	ID      NodeID `json:"id"`
	PrivKey []byte `json:"priv_key"`
}

func (nk NodeKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeKeyJSON{ID: nk.ID, PrivKey: nk.PrivKey})
}

func (nk *NodeKey) UnmarshalJSON(bz []byte) error {
	var raw nodeKeyJSON
	if err := json.Unmarshal(bz, &raw); err != nil {
		return err
	}
	if len(raw.PrivKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key size %d", len(raw.PrivKey))
	}
	nk.PrivKey = ed25519.PrivateKey(raw.PrivKey)
	nk.ID = NodeIDFromPubKey(nk.PubKey())
	if raw.ID != "" && raw.ID != nk.ID {
		return fmt.Errorf("node key id %s does not match its private key (%s)", raw.ID, nk.ID)
	}
	return nil
}

// PubKey returns the node's public key.
func (nk NodeKey) PubKey() ed25519.PublicKey {
	return nk.PrivKey.Public().(ed25519.PublicKey)
}

// Sign signs msg with the node's private key.
func (nk NodeKey) Sign(msg []byte) []byte {
	return ed25519.Sign(nk.PrivKey, msg)
}

// SaveAs persists the NodeKey to filePath.
func (nk NodeKey) SaveAs(filePath string) error {
	jsonBytes, err := json.MarshalIndent(nk, "", "  ")
	if err != nil {
		return err
	}
	return ccos.WriteFileAtomic(filePath, jsonBytes, 0600)
}

// LoadOrGenNodeKey attempts to load the NodeKey from the given filePath. If
// the file does not exist, it generates and saves a new NodeKey.
func LoadOrGenNodeKey(filePath string) (NodeKey, error) {
	if ccos.FileExists(filePath) {
		return LoadNodeKey(filePath)
	}

	nodeKey, err := GenNodeKey()
	if err != nil {
		return NodeKey{}, err
	}
	if err := nodeKey.SaveAs(filePath); err != nil {
		return NodeKey{}, err
	}
	return nodeKey, nil
}

// GenNodeKey generates a new node key.
func GenNodeKey() (NodeKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return NodeKey{}, fmt.Errorf("generating node key: %w", err)
	}
	return NodeKey{
		ID:      NodeIDFromPubKey(pub),
		PrivKey: priv,
	}, nil
}

// LoadNodeKey loads NodeKey located in filePath.
func LoadNodeKey(filePath string) (NodeKey, error) {
	jsonBytes, err := os.ReadFile(filePath)
	if err != nil {
		return NodeKey{}, err
	}
	nodeKey := NodeKey{}
	if err := json.Unmarshal(jsonBytes, &nodeKey); err != nil {
		return NodeKey{}, fmt.Errorf("reading node key %s: %w", filePath, err)
	}
	return nodeKey, nil
}

// VerifySignature checks sig over msg against the given public key.
func VerifySignature(pubKey ed25519.PublicKey, msg, sig []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, msg, sig)
}
