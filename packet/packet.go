// Package packet implements the onion packet codec: fixed-size packets that
// are peeled one encryption layer at a time, single-use reply blocks
// (SURBs), and the degarbler that recovers replies at their issuer.
//
// A packet is split into a header region and a body region. The header is a
// nest of AEAD-sealed per-hop layers, each derived from an X25519 exchange
// between a per-layer ephemeral key and the hop's onion key. The body is a
// fixed-size buffer that intermediate hops transform with a per-hop XOR
// keystream, so that its size never changes in flight.
package packet

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/xtexChooser/earendil/crypt"
)

const (
	// HeaderSize is the fixed size of the onion header region.
	HeaderSize = 1024

	// BodySize is the fixed size of the packet body region.
	BodySize = 4096

	// RawPacketSize is the total wire size of an onion packet.
	RawPacketSize = HeaderSize + BodySize

	// headerLenOffset is where the header ciphertext length lives,
	// right after the 32-byte ephemeral public key.
	headerLenOffset = 32

	// headerCtOffset is where the header ciphertext starts.
	headerCtOffset = 34

	// maxHeaderCt is the maximum header ciphertext length.
	maxHeaderCt = HeaderSize - headerCtOffset

	// sealOverhead is the poly1305 tag appended by the AEAD.
	sealOverhead = 16

	// relayMetaSize is the size of a relay layer's fixed metadata: the
	// variant tag, the next peeler, the hop delay and the child header
	// length.
	relayMetaSize = 1 + crypt.FingerprintSize + 2 + 2

	// layerOverhead is how much header capacity one additional hop
	// costs.
	layerOverhead = headerCtOffset + sealOverhead + relayMetaSize

	// MaxBodyPlaintext is the largest payload that fits in the sealed
	// body region: the AEAD tag and the 2-byte length prefix are
	// carried inside the region.
	MaxBodyPlaintext = BodySize - sealOverhead - 2
)

// Peeled layer variant tags.
const (
	tagRelay        byte = 0
	tagReceived     byte = 1
	tagGarbledReply byte = 2
)

// RawPacket is a fixed-size opaque onion packet.
type RawPacket [RawPacketSize]byte

// RawBody is the fixed-size body region of a packet, delivered verbatim to
// a client holding the matching degarbler.
type RawBody [BodySize]byte

// ForwardInstruction tells the onion builder how to address one hop: the
// hop's onion key, and the peeler the hop should forward to.
type ForwardInstruction struct {
	// ThisOnionPub is the onion public key of the hop that peels this
	// layer.
	ThisOnionPub crypt.OnionPub

	// NextFingerprint is the peeler the packet travels to after this
	// layer is removed.
	NextFingerprint crypt.RelayFingerprint
}

// PrivacyConfig bounds the shape of onions built at this node.
type PrivacyConfig struct {
	// MaxPeelers is the maximum number of peelers in a route.
	MaxPeelers uint8

	// MaxHopDelayMs bounds the random per-hop mixing delay embedded in
	// each relay layer.
	MaxHopDelayMs uint16
}

// DefaultPrivacyConfig returns the privacy settings used when the config
// file does not override them.
func DefaultPrivacyConfig() PrivacyConfig {
	return PrivacyConfig{
		MaxPeelers:    5,
		MaxHopDelayMs: 500,
	}
}

// PeeledPacket is the result of removing one layer from a RawPacket.
// Exactly one of the three variants is non-nil.
type PeeledPacket struct {
	// Relay is set when the packet must travel onward to another
	// peeler.
	Relay *PeeledRelay

	// Received is set when this node is the packet's final destination.
	Received *PeeledReceived

	// GarbledReply is set when the packet is a reply travelling through
	// a SURB, to be handed to the issuing client.
	GarbledReply *PeeledGarbledReply
}

// PeeledRelay is a packet that must be re-emitted toward its next peeler
// after a mixing delay.
type PeeledRelay struct {
	NextPeeler crypt.RelayFingerprint
	Pkt        RawPacket
	DelayMs    uint16
}

// PeeledReceived is a packet that terminated at this node.
type PeeledReceived struct {
	From  crypt.RemoteID
	Inner *InnerPacket
}

// PeeledGarbledReply is a reply body to be forwarded to the client that
// issued the SURB it travelled through. A ClientID of zero means the
// issuer is this relay itself.
type PeeledGarbledReply struct {
	RbID     uint64
	Body     RawBody
	ClientID crypt.ClientID
}

// Peel removes one onion layer using the node's onion secret.
func (p *RawPacket) Peel(sk *crypt.OnionPriv) (*PeeledPacket, error) {
	header := p[:HeaderSize]
	body := p[HeaderSize:]

	var ephPub crypt.OnionPub
	copy(ephPub[:], header[:32])

	ctLen := int(binary.BigEndian.Uint16(
		header[headerLenOffset:headerCtOffset],
	))
	if ctLen < sealOverhead || ctLen > maxHeaderCt {
		return nil, fmt.Errorf("%w: header ct length %d",
			ErrMalformedPacket, ctLen)
	}
	ct := header[headerCtOffset : headerCtOffset+ctLen]

	shared, err := sk.SharedSecret(ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeelFailed, err)
	}

	plain, err := openLayer(deriveKey(shared, infoHeader), ct)
	if err != nil {
		return nil, fmt.Errorf("%w: header does not open",
			ErrPeelFailed)
	}
	if len(plain) == 0 {
		return nil, fmt.Errorf("%w: empty layer", ErrMalformedPacket)
	}

	switch plain[0] {
	case tagRelay:
		return peelRelay(plain, body, shared)

	case tagReceived:
		return peelReceived(plain, body, shared)

	case tagGarbledReply:
		return peelGarbled(plain, body)

	default:
		return nil, fmt.Errorf("%w: unknown layer tag %d",
			ErrMalformedPacket, plain[0])
	}
}

// peelRelay reconstructs the child packet: the inner header bytes are
// re-padded to a full header region, and the body is transformed with this
// hop's XOR keystream.
func peelRelay(plain, body, shared []byte) (*PeeledPacket, error) {
	if len(plain) < relayMetaSize {
		return nil, fmt.Errorf("%w: short relay meta",
			ErrMalformedPacket)
	}

	next, err := crypt.RelayFingerprintFromBytes(
		plain[1 : 1+crypt.FingerprintSize],
	)
	if err != nil {
		return nil, err
	}

	delayMs := binary.BigEndian.Uint16(
		plain[1+crypt.FingerprintSize : 1+crypt.FingerprintSize+2],
	)
	childLen := int(binary.BigEndian.Uint16(
		plain[1+crypt.FingerprintSize+2 : relayMetaSize],
	))
	if childLen > HeaderSize || len(plain) < relayMetaSize+childLen {
		return nil, fmt.Errorf("%w: child header length %d",
			ErrMalformedPacket, childLen)
	}

	peeled := &PeeledRelay{
		NextPeeler: next,
		DelayMs:    delayMs,
	}

	copy(peeled.Pkt[:childLen], plain[relayMetaSize:relayMetaSize+childLen])
	if _, err := rand.Read(peeled.Pkt[childLen:HeaderSize]); err != nil {
		return nil, err
	}

	garbleBody(deriveKey(shared, infoBody), peeled.Pkt[HeaderSize:], body)

	return &PeeledPacket{Relay: peeled}, nil
}

// peelReceived opens the sealed body and decodes the inner packet.
func peelReceived(plain, body, shared []byte) (*PeeledPacket, error) {
	src, _, err := crypt.DecodeRemoteID(plain[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	bodyPlain, err := openLayer(deriveKey(shared, infoBodySeal), body)
	if err != nil {
		return nil, fmt.Errorf("%w: body does not open",
			ErrPeelFailed)
	}

	inner, err := decodeBodyPlaintext(bodyPlain)
	if err != nil {
		return nil, err
	}

	return &PeeledPacket{
		Received: &PeeledReceived{
			From:  src,
			Inner: inner,
		},
	}, nil
}

// peelGarbled hands the still-garbled body back together with the reply
// block id and the issuing client.
func peelGarbled(plain, body []byte) (*PeeledPacket, error) {
	if len(plain) < 1+8+8 {
		return nil, fmt.Errorf("%w: short garbled meta",
			ErrMalformedPacket)
	}

	peeled := &PeeledGarbledReply{
		RbID: binary.BigEndian.Uint64(plain[1:9]),
		ClientID: crypt.ClientID(
			binary.BigEndian.Uint64(plain[9:17]),
		),
	}
	copy(peeled.Body[:], body)

	return &PeeledPacket{GarbledReply: peeled}, nil
}

// decodeBodyPlaintext strips the length prefix and padding from an opened
// body region.
func decodeBodyPlaintext(plain []byte) (*InnerPacket, error) {
	if len(plain) < 2 {
		return nil, fmt.Errorf("%w: short body", ErrMalformedPacket)
	}

	innerLen := int(binary.BigEndian.Uint16(plain[:2]))
	if innerLen > len(plain)-2 {
		return nil, fmt.Errorf("%w: body length %d",
			ErrMalformedPacket, innerLen)
	}

	return DecodeInnerPacket(plain[2 : 2+innerLen])
}
