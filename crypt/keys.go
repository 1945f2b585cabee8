package crypt

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
)

// FingerprintSize is the size, in bytes, of a relay fingerprint.
const FingerprintSize = 20

// RelayFingerprint is the 20-byte digest of a relay identity public key. It
// is the relay's address on the overlay, and is totally ordered so that any
// two relays agree on which of them is "left" of the other.
type RelayFingerprint [FingerprintSize]byte

// NewRelayFingerprint derives the fingerprint of the given identity public
// key by hashing its compressed serialization.
func NewRelayFingerprint(pub *btcec.PublicKey) RelayFingerprint {
	var fp RelayFingerprint
	copy(fp[:], btcutil.Hash160(pub.SerializeCompressed()))

	return fp
}

// RelayFingerprintFromBytes parses a fingerprint from a 20-byte slice.
func RelayFingerprintFromBytes(b []byte) (RelayFingerprint, error) {
	var fp RelayFingerprint
	if len(b) != FingerprintSize {
		return fp, fmt.Errorf("%w: fingerprint must be %d bytes, "+
			"got %d", ErrInvalidFingerprint, FingerprintSize,
			len(b))
	}
	copy(fp[:], b)

	return fp, nil
}

// RelayFingerprintFromString parses a hex-encoded fingerprint.
func RelayFingerprintFromString(s string) (RelayFingerprint, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return RelayFingerprint{}, fmt.Errorf("%w: %v",
			ErrInvalidFingerprint, err)
	}

	return RelayFingerprintFromBytes(b)
}

// String returns the hex encoding of the fingerprint.
func (f RelayFingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Compare returns -1, 0 or 1 depending on whether f sorts before, equal to
// or after other.
func (f RelayFingerprint) Compare(other RelayFingerprint) int {
	return bytes.Compare(f[:], other[:])
}

// Less reports whether f sorts strictly before other.
func (f RelayFingerprint) Less(other RelayFingerprint) bool {
	return f.Compare(other) < 0
}

// ClientID is the ephemeral numeric identifier of a client node. The zero
// value is reserved to mean "sender is a relay" and is never allocated to a
// client.
type ClientID uint64

// RelayClientID is the reserved client id used by relays in SURB
// serialization.
const RelayClientID ClientID = 0

// IdentityPriv is a long-term relay identity secret key.
type IdentityPriv struct {
	priv *btcec.PrivateKey
}

// GenerateIdentity creates a fresh relay identity key.
func GenerateIdentity() (*IdentityPriv, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	return &IdentityPriv{priv: priv}, nil
}

// IdentityFromBytes parses a 32-byte identity secret key.
func IdentityFromBytes(b []byte) (*IdentityPriv, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: secret key must be 32 bytes",
			ErrInvalidIdentity)
	}
	priv, _ := btcec.PrivKeyFromBytes(b)

	return &IdentityPriv{priv: priv}, nil
}

// Public returns the identity public key.
func (i *IdentityPriv) Public() *btcec.PublicKey {
	return i.priv.PubKey()
}

// Fingerprint returns the fingerprint of the identity public key.
func (i *IdentityPriv) Fingerprint() RelayFingerprint {
	return NewRelayFingerprint(i.priv.PubKey())
}

// Sign produces a DER-encoded ECDSA signature over the SHA-256 digest of
// msg.
func (i *IdentityPriv) Sign(msg []byte) []byte {
	digest := MessageDigest(msg)
	sig := ecdsa.Sign(i.priv, digest[:])

	return sig.Serialize()
}

// Bytes returns the raw 32-byte secret key.
func (i *IdentityPriv) Bytes() []byte {
	return i.priv.Serialize()
}

// VerifySig checks a DER-encoded signature over msg against the given
// identity public key.
func VerifySig(pub *btcec.PublicKey, msg, sigBytes []byte) error {
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	digest := MessageDigest(msg)
	if !sig.Verify(digest[:], pub) {
		return ErrInvalidSignature
	}

	return nil
}

// ReadIdentityFile loads a hex-encoded identity secret key from disk. If the
// file is missing or malformed, a fresh identity is generated and written
// back, so that a damaged identity file never prevents startup.
func ReadIdentityFile(path string) (*IdentityPriv, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		decoded, err := hex.DecodeString(
			string(bytes.TrimSpace(raw)),
		)
		if err == nil {
			id, err := IdentityFromBytes(decoded)
			if err == nil {
				return id, nil
			}
		}
	}

	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}

	encoded := hex.EncodeToString(id.Bytes())
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("unable to write identity file: %w",
			err)
	}

	return id, nil
}
