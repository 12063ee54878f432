package types

import (
	"crypto/sha256"
)

const (
	// HashSize is the size in bytes of block and operation hashes.
	HashSize = sha256.Size
)

// Hash returns the SHA256 of bz.
func Hash(bz []byte) []byte {
	h := sha256.Sum256(bz)
	return h[:]
}
