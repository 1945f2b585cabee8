// Package topology maintains the relay graph: the identity descriptors of
// known relays and the mutually signed adjacencies between them, together
// with shortest-path queries over the resulting edge set.
package topology

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/xtexChooser/earendil/crypt"
)

// IdentityDescriptor binds a relay's identity key to its onion key. The
// signature is produced by the identity key over the canonical encoding of
// the remaining fields, so that a descriptor cannot be reassembled with a
// foreign onion key.
type IdentityDescriptor struct {
	// IdentityPub is the compressed identity public key.
	IdentityPub []byte

	// OnionPub is the relay's onion (X25519) public key.
	OnionPub crypt.OnionPub

	// UnixTimestamp is when the descriptor was issued; newer supersedes.
	UnixTimestamp uint64

	// Sig is the identity signature over the canonical encoding of the
	// fields above.
	Sig []byte
}

// NewIdentityDescriptor creates and signs a descriptor for the given
// identity and onion keys.
func NewIdentityDescriptor(id *crypt.IdentityPriv, onionPub crypt.OnionPub,
	unixTimestamp uint64) (*IdentityDescriptor, error) {

	desc := &IdentityDescriptor{
		IdentityPub:   id.Public().SerializeCompressed(),
		OnionPub:      onionPub,
		UnixTimestamp: unixTimestamp,
	}

	signed, err := desc.SignedBytes()
	if err != nil {
		return nil, err
	}
	desc.Sig = id.Sign(signed)

	return desc, nil
}

// Fingerprint derives the relay fingerprint of the descriptor's identity
// key.
func (d *IdentityDescriptor) Fingerprint() (crypt.RelayFingerprint, error) {
	pub, err := btcec.ParsePubKey(d.IdentityPub)
	if err != nil {
		return crypt.RelayFingerprint{}, fmt.Errorf("%w: %v",
			ErrInvalidDescriptor, err)
	}

	return crypt.NewRelayFingerprint(pub), nil
}

// SignedBytes returns the canonical encoding covered by the signature.
func (d *IdentityDescriptor) SignedBytes() ([]byte, error) {
	idPub := d.IdentityPub
	onionPub := [32]byte(d.OnionPub)
	ts := d.UnixTimestamp

	var buf bytes.Buffer
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(tlv.Type(1), &idPub),
		tlv.MakePrimitiveRecord(tlv.Type(2), &onionPub),
		tlv.MakePrimitiveRecord(tlv.Type(3), &ts),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Verify checks the descriptor's signature under its own identity key.
func (d *IdentityDescriptor) Verify() error {
	pub, err := btcec.ParsePubKey(d.IdentityPub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	signed, err := d.SignedBytes()
	if err != nil {
		return err
	}

	if err := crypt.VerifySig(pub, signed, d.Sig); err != nil {
		return fmt.Errorf("%w: identity signature: %v",
			ErrInvalidDescriptor, err)
	}

	return nil
}

// Encode serializes the full descriptor, signature included.
func (d *IdentityDescriptor) Encode() ([]byte, error) {
	idPub := d.IdentityPub
	onionPub := [32]byte(d.OnionPub)
	ts := d.UnixTimestamp
	sig := d.Sig

	var buf bytes.Buffer
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(tlv.Type(1), &idPub),
		tlv.MakePrimitiveRecord(tlv.Type(2), &onionPub),
		tlv.MakePrimitiveRecord(tlv.Type(3), &ts),
		tlv.MakePrimitiveRecord(tlv.Type(4), &sig),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeIdentityDescriptor parses a descriptor serialized by Encode.
func DecodeIdentityDescriptor(b []byte) (*IdentityDescriptor, error) {
	var (
		idPub    []byte
		onionPub [32]byte
		ts       uint64
		sig      []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(tlv.Type(1), &idPub),
		tlv.MakePrimitiveRecord(tlv.Type(2), &onionPub),
		tlv.MakePrimitiveRecord(tlv.Type(3), &ts),
		tlv.MakePrimitiveRecord(tlv.Type(4), &sig),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	return &IdentityDescriptor{
		IdentityPub:   idPub,
		OnionPub:      crypt.OnionPub(onionPub),
		UnixTimestamp: ts,
		Sig:           sig,
	}, nil
}

// parseIdentityPub parses the compressed identity key of a descriptor.
func parseIdentityPub(id *IdentityDescriptor) (*btcec.PublicKey, error) {
	pub, err := btcec.ParsePubKey(id.IdentityPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	return pub, nil
}

// AdjacencyDescriptor is a mutually signed, timestamped edge between two
// relays. The ordering invariant Left < Right makes every pair of relays
// agree on the edge's canonical orientation.
type AdjacencyDescriptor struct {
	Left  crypt.RelayFingerprint
	Right crypt.RelayFingerprint

	LeftSig  []byte
	RightSig []byte

	UnixTimestamp uint64
}

// SignedBytes returns the canonical encoding both sides sign: every field
// except the signatures themselves.
func (a *AdjacencyDescriptor) SignedBytes() ([]byte, error) {
	left := a.Left[:]
	right := a.Right[:]
	ts := a.UnixTimestamp

	var buf bytes.Buffer
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(tlv.Type(1), &left),
		tlv.MakePrimitiveRecord(tlv.Type(2), &right),
		tlv.MakePrimitiveRecord(tlv.Type(3), &ts),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Encode serializes the full adjacency, signatures included.
func (a *AdjacencyDescriptor) Encode() ([]byte, error) {
	left := a.Left[:]
	right := a.Right[:]
	leftSig := a.LeftSig
	rightSig := a.RightSig
	ts := a.UnixTimestamp

	var buf bytes.Buffer
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(tlv.Type(1), &left),
		tlv.MakePrimitiveRecord(tlv.Type(2), &right),
		tlv.MakePrimitiveRecord(tlv.Type(3), &ts),
		tlv.MakePrimitiveRecord(tlv.Type(4), &leftSig),
		tlv.MakePrimitiveRecord(tlv.Type(5), &rightSig),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeAdjacencyDescriptor parses an adjacency serialized by Encode.
func DecodeAdjacencyDescriptor(b []byte) (*AdjacencyDescriptor, error) {
	var (
		left, right       []byte
		leftSig, rightSig []byte
		ts                uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(tlv.Type(1), &left),
		tlv.MakePrimitiveRecord(tlv.Type(2), &right),
		tlv.MakePrimitiveRecord(tlv.Type(3), &ts),
		tlv.MakePrimitiveRecord(tlv.Type(4), &leftSig),
		tlv.MakePrimitiveRecord(tlv.Type(5), &rightSig),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	leftFp, err := crypt.RelayFingerprintFromBytes(left)
	if err != nil {
		return nil, err
	}
	rightFp, err := crypt.RelayFingerprintFromBytes(right)
	if err != nil {
		return nil, err
	}

	return &AdjacencyDescriptor{
		Left:          leftFp,
		Right:         rightFp,
		LeftSig:       leftSig,
		RightSig:      rightSig,
		UnixTimestamp: ts,
	}, nil
}
