package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/xtexChooser/earendil/crypt"
)

// Inner packet variant tags.
const (
	innerTagMessage     byte = 0
	innerTagReplyBlocks byte = 1
)

// Message is an application datagram addressed between two docks.
type Message struct {
	SrcDock crypt.Dock
	DstDock crypt.Dock
	Body    []byte
}

// InnerPacket is the end-to-end payload of an onion packet: either an
// application message or a batch of reply blocks. Exactly one field is
// non-nil.
type InnerPacket struct {
	Message     *Message
	ReplyBlocks []Surb
}

// NewMessagePacket wraps an application message in an inner packet.
func NewMessagePacket(srcDock, dstDock crypt.Dock, body []byte) *InnerPacket {
	return &InnerPacket{
		Message: &Message{
			SrcDock: srcDock,
			DstDock: dstDock,
			Body:    body,
		},
	}
}

// NewReplyBlocksPacket wraps a batch of SURBs in an inner packet.
func NewReplyBlocksPacket(surbs []Surb) *InnerPacket {
	return &InnerPacket{ReplyBlocks: surbs}
}

// Encode serializes the inner packet.
func (i *InnerPacket) Encode() ([]byte, error) {
	switch {
	case i.Message != nil:
		b := make([]byte, 0, 13+len(i.Message.Body))
		b = append(b, innerTagMessage)
		b = binary.BigEndian.AppendUint32(b, i.Message.SrcDock)
		b = binary.BigEndian.AppendUint32(b, i.Message.DstDock)
		b = binary.BigEndian.AppendUint32(
			b, uint32(len(i.Message.Body)),
		)
		b = append(b, i.Message.Body...)

		return b, nil

	case i.ReplyBlocks != nil:
		b := make([]byte, 0, 3+len(i.ReplyBlocks)*SurbSize)
		b = append(b, innerTagReplyBlocks)
		b = binary.BigEndian.AppendUint16(
			b, uint16(len(i.ReplyBlocks)),
		)
		for _, surb := range i.ReplyBlocks {
			b = surb.encode(b)
		}

		return b, nil

	default:
		return nil, fmt.Errorf("%w: empty inner packet",
			ErrMalformedPacket)
	}
}

// DecodeInnerPacket parses a serialized inner packet.
func DecodeInnerPacket(b []byte) (*InnerPacket, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty inner packet",
			ErrMalformedPacket)
	}

	switch b[0] {
	case innerTagMessage:
		if len(b) < 13 {
			return nil, fmt.Errorf("%w: short message",
				ErrMalformedPacket)
		}
		bodyLen := int(binary.BigEndian.Uint32(b[9:13]))
		if len(b) < 13+bodyLen {
			return nil, fmt.Errorf("%w: message body length %d",
				ErrMalformedPacket, bodyLen)
		}

		body := make([]byte, bodyLen)
		copy(body, b[13:13+bodyLen])

		return &InnerPacket{
			Message: &Message{
				SrcDock: binary.BigEndian.Uint32(b[1:5]),
				DstDock: binary.BigEndian.Uint32(b[5:9]),
				Body:    body,
			},
		}, nil

	case innerTagReplyBlocks:
		if len(b) < 3 {
			return nil, fmt.Errorf("%w: short reply block batch",
				ErrMalformedPacket)
		}
		count := int(binary.BigEndian.Uint16(b[1:3]))
		rest := b[3:]

		surbs := make([]Surb, 0, count)
		for idx := 0; idx < count; idx++ {
			var (
				surb Surb
				err  error
			)
			surb, rest, err = decodeSurb(rest)
			if err != nil {
				return nil, err
			}
			surbs = append(surbs, surb)
		}

		return &InnerPacket{ReplyBlocks: surbs}, nil

	default:
		return nil, fmt.Errorf("%w: unknown inner tag %d",
			ErrMalformedPacket, b[0])
	}
}
