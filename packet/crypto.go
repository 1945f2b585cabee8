package packet

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// HKDF info labels for the keys derived from one per-hop shared secret.
// Every key is used at most once, so all ciphers run with a zero nonce.
const (
	infoHeader   = "earendil-header"
	infoBody     = "earendil-body"
	infoBodySeal = "earendil-body-seal"
)

// deriveKey expands a shared secret into a 32-byte subkey for the given
// label.
func deriveKey(shared []byte, info string) []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, shared, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		panic(err)
	}

	return key
}

var zeroNonce [chacha20poly1305.NonceSize]byte

// sealLayer AEAD-seals plaintext under a single-use key.
func sealLayer(key, plaintext []byte) []byte {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		panic(err)
	}

	return aead.Seal(nil, zeroNonce[:], plaintext, nil)
}

// openLayer reverses sealLayer.
func openLayer(key, ct []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		panic(err)
	}

	return aead.Open(nil, zeroNonce[:], ct, nil)
}

// garbleBody XORs src with the keystream for key into dst. The operation is
// an involution: applying the same key twice restores the input, which is
// what lets the origin pre-compensate forward bodies and the degarbler
// strip reply garbling in any order.
func garbleBody(key []byte, dst, src []byte) {
	var nonce [chacha20.NonceSize]byte
	cipher, err := chacha20.NewUnauthenticatedCipher(key, nonce[:])
	if err != nil {
		panic(err)
	}

	cipher.XORKeyStream(dst, src)
}
