package crypt

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// OnionPub is an X25519 public key used to derive per-hop packet keys.
type OnionPub [32]byte

// OnionPriv is an X25519 secret key. Every node, relay or client, holds one
// for the lifetime of the process.
type OnionPriv struct {
	sk [32]byte
}

// GenerateOnion creates a fresh onion secret.
func GenerateOnion() *OnionPriv {
	var o OnionPriv
	if _, err := rand.Read(o.sk[:]); err != nil {
		panic(err)
	}

	return &o
}

// OnionFromBytes parses a 32-byte onion secret.
func OnionFromBytes(b []byte) (*OnionPriv, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: onion secret must be 32 bytes",
			ErrInvalidIdentity)
	}

	var o OnionPriv
	copy(o.sk[:], b)

	return &o, nil
}

// Public returns the X25519 public key of the secret.
func (o *OnionPriv) Public() OnionPub {
	pub, err := curve25519.X25519(o.sk[:], curve25519.Basepoint)
	if err != nil {
		panic(err)
	}

	var out OnionPub
	copy(out[:], pub)

	return out
}

// SharedSecret computes the X25519 shared secret with the given public key.
func (o *OnionPriv) SharedSecret(pub OnionPub) ([]byte, error) {
	return curve25519.X25519(o.sk[:], pub[:])
}

// Bytes returns the raw secret key bytes.
func (o *OnionPriv) Bytes() []byte {
	b := make([]byte, 32)
	copy(b, o.sk[:])

	return b
}
