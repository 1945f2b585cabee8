package crypt

import (
	"fmt"
	"strconv"
	"strings"
)

// NeighborID identifies a directly connected neighbor, which is either a
// relay (by fingerprint) or a client (by client id). It is used as the key
// for chat logs and the debt ledger.
type NeighborID struct {
	isRelay bool
	relay   RelayFingerprint
	client  ClientID
}

// RelayNeighbor constructs the neighbor id of a relay.
func RelayNeighbor(fp RelayFingerprint) NeighborID {
	return NeighborID{isRelay: true, relay: fp}
}

// ClientNeighbor constructs the neighbor id of a client.
func ClientNeighbor(id ClientID) NeighborID {
	return NeighborID{client: id}
}

// IsRelay reports whether the neighbor is a relay.
func (n NeighborID) IsRelay() bool {
	return n.isRelay
}

// Relay returns the relay fingerprint and whether the neighbor is a relay.
func (n NeighborID) Relay() (RelayFingerprint, bool) {
	return n.relay, n.isRelay
}

// Client returns the client id and whether the neighbor is a client.
func (n NeighborID) Client() (ClientID, bool) {
	return n.client, !n.isRelay
}

// String returns the stable textual encoding used as the persistence key:
// "relay:<hex fingerprint>" or "client:<decimal id>".
func (n NeighborID) String() string {
	if n.isRelay {
		return "relay:" + n.relay.String()
	}

	return "client:" + strconv.FormatUint(uint64(n.client), 10)
}

// ParseNeighborID parses the textual encoding produced by String.
func ParseNeighborID(s string) (NeighborID, error) {
	switch {
	case strings.HasPrefix(s, "relay:"):
		fp, err := RelayFingerprintFromString(
			strings.TrimPrefix(s, "relay:"),
		)
		if err != nil {
			return NeighborID{}, err
		}

		return RelayNeighbor(fp), nil

	case strings.HasPrefix(s, "client:"):
		id, err := strconv.ParseUint(
			strings.TrimPrefix(s, "client:"), 10, 64,
		)
		if err != nil {
			return NeighborID{}, fmt.Errorf("%w: %v",
				ErrInvalidNeighborID, err)
		}

		return ClientNeighbor(ClientID(id)), nil

	default:
		return NeighborID{}, fmt.Errorf("%w: %q",
			ErrInvalidNeighborID, s)
	}
}
