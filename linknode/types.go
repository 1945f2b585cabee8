// Package linknode implements the packet-forwarding, peeling and
// link-management core of an earendil node: the link manager, the peel
// engine, route selection, topology gossip, neighbor chat and the public
// LinkNode facade.
package linknode

import (
	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/packet"
)

// NodeIdentity is what this node is on the overlay: a relay with a
// long-term identity key, or a client with a persistent numeric id.
type NodeIdentity struct {
	relay    *crypt.IdentityPriv
	clientID crypt.ClientID
}

// RelayIdentity wraps a relay identity secret.
func RelayIdentity(id *crypt.IdentityPriv) NodeIdentity {
	return NodeIdentity{relay: id, clientID: crypt.RelayClientID}
}

// ClientIdentity wraps a client id.
func ClientIdentity(id crypt.ClientID) NodeIdentity {
	return NodeIdentity{clientID: id}
}

// IsRelay reports whether the node holds a relay identity.
func (n NodeIdentity) IsRelay() bool {
	return n.relay != nil
}

// Relay returns the relay identity secret, when present.
func (n NodeIdentity) Relay() (*crypt.IdentityPriv, bool) {
	return n.relay, n.relay != nil
}

// ClientID returns the node's client id; zero for relays.
func (n NodeIdentity) ClientID() crypt.ClientID {
	return n.clientID
}

// Fingerprint returns the relay fingerprint, when the node is a relay.
func (n NodeIdentity) Fingerprint() (crypt.RelayFingerprint, bool) {
	if n.relay == nil {
		return crypt.RelayFingerprint{}, false
	}

	return n.relay.Fingerprint(), true
}

// IncomingForward is an end-to-end payload that terminated at this node.
type IncomingForward struct {
	From crypt.RemoteID
	Body *packet.InnerPacket
}

// IncomingBackward is a reply that travelled through one of our SURBs.
type IncomingBackward struct {
	RbID uint64
	Body packet.RawBody
}

// IncomingMsg is one message delivered to the application layer. Exactly
// one variant is non-nil.
type IncomingMsg struct {
	Forward  *IncomingForward
	Backward *IncomingBackward
}

// relayMsg is what travels through the relay spider: a packet and its
// designated peeler.
type relayMsg struct {
	pkt        packet.RawPacket
	nextPeeler crypt.RelayFingerprint
}

// clientMsg is what travels through the client spider: a garbled reply
// body and its reply block id.
type clientMsg struct {
	body packet.RawBody
	rbID uint64
}
