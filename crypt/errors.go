package crypt

import "errors"

var (
	// ErrInvalidFingerprint is returned when parsing a malformed relay
	// fingerprint.
	ErrInvalidFingerprint = errors.New("invalid relay fingerprint")

	// ErrInvalidIdentity is returned when parsing a malformed identity
	// secret key.
	ErrInvalidIdentity = errors.New("invalid identity key")

	// ErrInvalidSignature is returned when a signature does not verify
	// under the expected identity key.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidNeighborID is returned when parsing a malformed neighbor
	// id.
	ErrInvalidNeighborID = errors.New("invalid neighbor id")
)
