package util

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// NewID mints a random hex id, prefixed when a prefix is given.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewShareToken mints a share-link token and its storage hash. Only the
// hash is persisted; the raw token travels in the link.
func NewShareToken() (token, hash string) {
	bytes := make([]byte, 24)
	_, _ = rand.Read(bytes)
	token = hex.EncodeToString(bytes)
	return token, HashToken(token)
}

// HashToken derives the storage hash for a share token.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
