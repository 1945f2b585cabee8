package crypt

import "crypto/sha256"

// MessageDigest returns the SHA-256 digest used for identity signatures.
func MessageDigest(msg []byte) [32]byte {
	return sha256.Sum256(msg)
}
