// Package link implements a single neighbor session over one obfuscated
// pipe: the auth handshake, the onion datagram channel, and the
// newline-delimited JSON-RPC channel used for gossip, chat and settlement.
package link

import (
	"encoding/binary"
	"fmt"

	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/packet"
)

// Datagram tags on the wire.
const (
	msgTagToRelay  byte = 0
	msgTagToClient byte = 1
)

// ToRelay carries an onion packet toward the relay that should peel it
// next.
type ToRelay struct {
	Packet     packet.RawPacket
	NextPeeler crypt.RelayFingerprint
}

// ToClient carries a garbled reply body to a neighboring client.
type ToClient struct {
	Body packet.RawBody
	RbID uint64
}

// Message is one datagram on a link. Exactly one variant is non-nil.
type Message struct {
	ToRelay  *ToRelay
	ToClient *ToClient
}

// Encode produces the stable wire serialization of the datagram.
func (m *Message) Encode() ([]byte, error) {
	switch {
	case m.ToRelay != nil:
		b := make([]byte, 0,
			1+packet.RawPacketSize+crypt.FingerprintSize)
		b = append(b, msgTagToRelay)
		b = append(b, m.ToRelay.Packet[:]...)
		b = append(b, m.ToRelay.NextPeeler[:]...)

		return b, nil

	case m.ToClient != nil:
		b := make([]byte, 0, 1+4+packet.BodySize+8)
		b = append(b, msgTagToClient)
		b = binary.BigEndian.AppendUint32(
			b, uint32(len(m.ToClient.Body)),
		)
		b = append(b, m.ToClient.Body[:]...)
		b = binary.BigEndian.AppendUint64(b, m.ToClient.RbID)

		return b, nil

	default:
		return nil, fmt.Errorf("%w: empty link message",
			ErrInvalidMessage)
	}
}

// DecodeMessage parses a datagram off the wire.
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidMessage)
	}

	switch b[0] {
	case msgTagToRelay:
		want := 1 + packet.RawPacketSize + crypt.FingerprintSize
		if len(b) != want {
			return nil, fmt.Errorf("%w: ToRelay frame of %d "+
				"bytes", ErrInvalidMessage, len(b))
		}

		msg := &ToRelay{}
		copy(msg.Packet[:], b[1:1+packet.RawPacketSize])
		copy(
			msg.NextPeeler[:],
			b[1+packet.RawPacketSize:],
		)

		return &Message{ToRelay: msg}, nil

	case msgTagToClient:
		want := 1 + 4 + packet.BodySize + 8
		if len(b) != want {
			return nil, fmt.Errorf("%w: ToClient frame of %d "+
				"bytes", ErrInvalidMessage, len(b))
		}
		bodyLen := binary.BigEndian.Uint32(b[1:5])
		if bodyLen != packet.BodySize {
			return nil, fmt.Errorf("%w: ToClient body of %d "+
				"bytes", ErrInvalidMessage, bodyLen)
		}

		msg := &ToClient{}
		copy(msg.Body[:], b[5:5+packet.BodySize])
		msg.RbID = binary.BigEndian.Uint64(b[5+packet.BodySize:])

		return &Message{ToClient: msg}, nil

	default:
		return nil, fmt.Errorf("%w: unknown tag %d",
			ErrInvalidMessage, b[0])
	}
}
