package packet

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/xtexChooser/earendil/crypt"
)

// SurbSize is the fixed wire size of a serialized reply block.
const SurbSize = crypt.FingerprintSize + 32 + HeaderSize

// Surb is a single-use reply block: a pre-built onion header that lets the
// holder send exactly one reply back to the issuer without learning the
// issuer's address. The reply key seals the reply body so that the first
// peeler cannot read it.
type Surb struct {
	// FirstPeeler is where the holder must inject the assembled reply
	// packet.
	FirstPeeler crypt.RelayFingerprint

	// ReplyKey seals the reply body; the issuer's degarbler holds the
	// same key.
	ReplyKey [32]byte

	// Header is the pre-built onion header region.
	Header [HeaderSize]byte
}

// encode appends the fixed-size wire form of the surb to b.
func (s *Surb) encode(b []byte) []byte {
	b = append(b, s.FirstPeeler[:]...)
	b = append(b, s.ReplyKey[:]...)
	b = append(b, s.Header[:]...)

	return b
}

// decodeSurb parses a surb from the front of b, returning the rest.
func decodeSurb(b []byte) (Surb, []byte, error) {
	var s Surb
	if len(b) < SurbSize {
		return s, nil, fmt.Errorf("%w: short surb",
			ErrMalformedPacket)
	}

	copy(s.FirstPeeler[:], b[:crypt.FingerprintSize])
	copy(s.ReplyKey[:], b[crypt.FingerprintSize:crypt.FingerprintSize+32])
	copy(s.Header[:], b[crypt.FingerprintSize+32:SurbSize])

	return s, b[SurbSize:], nil
}

// ReplyDegarbler undoes the per-hop garbling a reply accumulated on its way
// through the surb route, then opens the reply seal. It is bound to a
// single reply block id and destroyed after one use.
type ReplyDegarbler struct {
	rbID     uint64
	replyKey [32]byte
	hopKeys  [][]byte
	myAnon   crypt.AnonEndpoint
}

// RbID returns the reply block id this degarbler matches.
func (d *ReplyDegarbler) RbID() uint64 {
	return d.rbID
}

// MyAnon returns the anonymous endpoint the reply is addressed to.
func (d *ReplyDegarbler) MyAnon() crypt.AnonEndpoint {
	return d.myAnon
}

// Degarble strips the hop garbling from a delivered reply body and opens
// it, returning the inner packet and the identity the replier claimed.
func (d *ReplyDegarbler) Degarble(body *RawBody) (*InnerPacket,
	crypt.RemoteID, error) {

	buf := make([]byte, BodySize)
	copy(buf, body[:])
	for _, key := range d.hopKeys {
		garbleBody(key, buf, buf)
	}

	plain, err := openLayer(d.replyKey[:], buf)
	if err != nil {
		return nil, crypt.RemoteID{}, fmt.Errorf("%w: reply does "+
			"not open", ErrPeelFailed)
	}

	src, rest, err := crypt.DecodeRemoteID(plain)
	if err != nil {
		return nil, crypt.RemoteID{}, err
	}

	if len(rest) < 2 {
		return nil, crypt.RemoteID{}, fmt.Errorf("%w: short reply "+
			"body", ErrMalformedPacket)
	}
	innerLen := int(binary.BigEndian.Uint16(rest[:2]))
	if innerLen > len(rest)-2 {
		return nil, crypt.RemoteID{}, fmt.Errorf("%w: reply length "+
			"%d", ErrMalformedPacket, innerLen)
	}

	inner, err := DecodeInnerPacket(rest[2 : 2+innerLen])
	if err != nil {
		return nil, crypt.RemoteID{}, err
	}

	return inner, src, nil
}

// NewSurb builds a reply block whose route runs through reverseInstructs
// and terminates at the relay holding destOnionPub, which will hand the
// garbled reply to the client identified by clientID (zero when the issuer
// is the destination relay itself).
func NewSurb(reverseInstructs []ForwardInstruction,
	firstPeeler crypt.RelayFingerprint, destOnionPub crypt.OnionPub,
	clientID crypt.ClientID, myAnon crypt.AnonEndpoint,
	cfg PrivacyConfig) (*Surb, uint64, *ReplyDegarbler, error) {

	var rbIDBytes [8]byte
	if _, err := rand.Read(rbIDBytes[:]); err != nil {
		return nil, 0, nil, err
	}
	rbID := binary.BigEndian.Uint64(rbIDBytes[:])

	finalMeta := make([]byte, 0, 17)
	finalMeta = append(finalMeta, tagGarbledReply)
	finalMeta = binary.BigEndian.AppendUint64(finalMeta, rbID)
	finalMeta = binary.BigEndian.AppendUint64(finalMeta, uint64(clientID))

	header, _, hopBodyKeys, err := buildOnionHeader(
		reverseInstructs, destOnionPub, finalMeta, cfg,
	)
	if err != nil {
		return nil, 0, nil, err
	}

	surb := &Surb{FirstPeeler: firstPeeler}
	if _, err := rand.Read(surb.ReplyKey[:]); err != nil {
		return nil, 0, nil, err
	}
	copy(surb.Header[:], header)
	if _, err := rand.Read(surb.Header[len(header):]); err != nil {
		return nil, 0, nil, err
	}

	degarbler := &ReplyDegarbler{
		rbID:     rbID,
		replyKey: surb.ReplyKey,
		hopKeys:  hopBodyKeys,
		myAnon:   myAnon,
	}

	return surb, rbID, degarbler, nil
}

// NewReply assembles the packet that consumes a reply block: the surb's
// pre-built header plus the sealed reply body. myID is the identity the
// replier presents to the issuer.
func NewReply(surb *Surb, inner *InnerPacket,
	myID crypt.RemoteID) (*RawPacket, error) {

	innerBytes, err := inner.Encode()
	if err != nil {
		return nil, err
	}

	prefix := myID.Encode(nil)
	if len(prefix)+2+len(innerBytes) > BodySize-sealOverhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge,
			len(innerBytes))
	}

	body := sealLayer(
		surb.ReplyKey[:],
		encodeBodyPlaintext(prefix, innerBytes),
	)

	return assemblePacket(surb.Header[:], body)
}
