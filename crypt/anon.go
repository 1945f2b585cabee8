package crypt

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Dock is an application-level port number within a node.
type Dock = uint32

// AnonEndpoint is a (anonymous identity, dock) pair used as the source or
// destination of application messages carried through SURBs. It never
// appears on the wire in a form linkable to the node that owns it.
type AnonEndpoint struct {
	ID   [16]byte
	Dock Dock
}

// NewAnonEndpoint creates a fresh random anonymous endpoint on the given
// dock.
func NewAnonEndpoint(dock Dock) AnonEndpoint {
	var ep AnonEndpoint
	if _, err := rand.Read(ep.ID[:]); err != nil {
		// The system CSPRNG never fails on supported platforms.
		panic(err)
	}
	ep.Dock = dock

	return ep
}

// String returns a short human-readable form of the endpoint.
func (a AnonEndpoint) String() string {
	return fmt.Sprintf("anon %s:%d", hex.EncodeToString(a.ID[:4]), a.Dock)
}

// remoteKind discriminates RemoteId variants on the wire.
type remoteKind byte

const (
	remoteRelay remoteKind = 0
	remoteAnon  remoteKind = 1
)

// RemoteID identifies the far end of an end-to-end exchange: either a named
// relay or an anonymous endpoint.
type RemoteID struct {
	kind  remoteKind
	relay RelayFingerprint
	anon  AnonEndpoint
}

// RemoteRelay constructs the remote id of a relay.
func RemoteRelay(fp RelayFingerprint) RemoteID {
	return RemoteID{kind: remoteRelay, relay: fp}
}

// RemoteAnon constructs the remote id of an anonymous endpoint.
func RemoteAnon(ep AnonEndpoint) RemoteID {
	return RemoteID{kind: remoteAnon, anon: ep}
}

// Relay returns the relay fingerprint and whether the remote is a relay.
func (r RemoteID) Relay() (RelayFingerprint, bool) {
	return r.relay, r.kind == remoteRelay
}

// Anon returns the anonymous endpoint and whether the remote is anonymous.
func (r RemoteID) Anon() (AnonEndpoint, bool) {
	return r.anon, r.kind == remoteAnon
}

// remoteIDSize is the fixed wire size of a RemoteID.
const remoteIDSize = 1 + FingerprintSize + 16 + 4

// Encode appends the fixed-size wire form of the remote id to b.
func (r RemoteID) Encode(b []byte) []byte {
	b = append(b, byte(r.kind))
	b = append(b, r.relay[:]...)
	b = append(b, r.anon.ID[:]...)
	b = binary.BigEndian.AppendUint32(b, r.anon.Dock)

	return b
}

// DecodeRemoteID parses a RemoteID from the front of b, returning the rest.
func DecodeRemoteID(b []byte) (RemoteID, []byte, error) {
	if len(b) < remoteIDSize {
		return RemoteID{}, nil, fmt.Errorf("%w: short remote id",
			ErrInvalidNeighborID)
	}

	var r RemoteID
	r.kind = remoteKind(b[0])
	if r.kind != remoteRelay && r.kind != remoteAnon {
		return RemoteID{}, nil, fmt.Errorf("%w: unknown remote kind "+
			"%d", ErrInvalidNeighborID, b[0])
	}
	copy(r.relay[:], b[1:1+FingerprintSize])
	copy(r.anon.ID[:], b[1+FingerprintSize:1+FingerprintSize+16])
	r.anon.Dock = binary.BigEndian.Uint32(
		b[1+FingerprintSize+16 : remoteIDSize],
	)

	return r, b[remoteIDSize:], nil
}

// String returns a human-readable form of the remote id.
func (r RemoteID) String() string {
	if r.kind == remoteRelay {
		return "relay " + r.relay.String()
	}

	return r.anon.String()
}
