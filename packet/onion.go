package packet

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/xtexChooser/earendil/crypt"
)

// buildOnionHeader nests one AEAD layer per hop around finalMeta, which is
// the plaintext the last peeler sees. It returns the serialized header
// bytes (at most HeaderSize), the shared secret of the final layer, and the
// body XOR keys of the relay layers in route order.
func buildOnionHeader(instructs []ForwardInstruction,
	destOnionPub crypt.OnionPub, finalMeta []byte,
	cfg PrivacyConfig) ([]byte, []byte, [][]byte, error) {

	numPeelers := len(instructs) + 1
	if numPeelers > int(cfg.MaxPeelers) {
		return nil, nil, nil, fmt.Errorf("%w: %d peelers exceed "+
			"max %d", ErrRouteTooLong, numPeelers,
			cfg.MaxPeelers)
	}

	// Innermost layer, peeled by the destination.
	eph := crypt.GenerateOnion()
	finalShared, err := eph.SharedSecret(destOnionPub)
	if err != nil {
		return nil, nil, nil, err
	}

	header := encodeHeaderLayer(
		eph.Public(),
		sealLayer(deriveKey(finalShared, infoHeader), finalMeta),
	)

	// Wrap outward: the last instruction is the hop right before the
	// destination, the first is the first peeler.
	hopBodyKeys := make([][]byte, len(instructs))
	for i := len(instructs) - 1; i >= 0; i-- {
		eph := crypt.GenerateOnion()
		shared, err := eph.SharedSecret(instructs[i].ThisOnionPub)
		if err != nil {
			return nil, nil, nil, err
		}
		hopBodyKeys[i] = deriveKey(shared, infoBody)

		meta := make([]byte, 0, relayMetaSize+len(header))
		meta = append(meta, tagRelay)
		meta = append(meta, instructs[i].NextFingerprint[:]...)
		meta = binary.BigEndian.AppendUint16(
			meta, randDelayMs(cfg.MaxHopDelayMs),
		)
		meta = binary.BigEndian.AppendUint16(
			meta, uint16(len(header)),
		)
		meta = append(meta, header...)

		header = encodeHeaderLayer(
			eph.Public(),
			sealLayer(deriveKey(shared, infoHeader), meta),
		)

		if len(header) > HeaderSize {
			return nil, nil, nil, fmt.Errorf("%w: header "+
				"capacity exhausted at hop %d",
				ErrRouteTooLong, i)
		}
	}

	return header, finalShared, hopBodyKeys, nil
}

// encodeHeaderLayer serializes one header layer: the ephemeral public key,
// the ciphertext length, and the ciphertext.
func encodeHeaderLayer(ephPub crypt.OnionPub, ct []byte) []byte {
	b := make([]byte, 0, headerCtOffset+len(ct))
	b = append(b, ephPub[:]...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(ct)))
	b = append(b, ct...)

	return b
}

// NewNormal builds a forward onion packet: instructs address each
// intermediate peeler, destOnionPub is the final peeler's onion key, and
// src names the origin that the destination reports the packet as coming
// from.
func NewNormal(instructs []ForwardInstruction, destOnionPub crypt.OnionPub,
	inner *InnerPacket, src crypt.RemoteID,
	cfg PrivacyConfig) (*RawPacket, error) {

	innerBytes, err := inner.Encode()
	if err != nil {
		return nil, err
	}
	if len(innerBytes) > MaxBodyPlaintext {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge,
			len(innerBytes))
	}

	finalMeta := make([]byte, 0, 1+64)
	finalMeta = append(finalMeta, tagReceived)
	finalMeta = src.Encode(finalMeta)

	header, finalShared, hopBodyKeys, err := buildOnionHeader(
		instructs, destOnionPub, finalMeta, cfg,
	)
	if err != nil {
		return nil, err
	}

	// Seal the body for the destination, then pre-apply every relay
	// hop's XOR keystream so the garbling cancels out in flight.
	body := sealLayer(
		deriveKey(finalShared, infoBodySeal),
		encodeBodyPlaintext(nil, innerBytes),
	)
	for _, key := range hopBodyKeys {
		garbleBody(key, body, body)
	}

	return assemblePacket(header, body)
}

// encodeBodyPlaintext lays out prefix || len(inner) || inner || random
// padding, filling the full sealed-body plaintext capacity.
func encodeBodyPlaintext(prefix, innerBytes []byte) []byte {
	plain := make([]byte, BodySize-sealOverhead)
	n := copy(plain, prefix)
	binary.BigEndian.PutUint16(plain[n:], uint16(len(innerBytes)))
	n += 2
	n += copy(plain[n:], innerBytes)
	if _, err := rand.Read(plain[n:]); err != nil {
		panic(err)
	}

	return plain
}

// assemblePacket lays the header and body regions into a full packet,
// padding the header region with random bytes.
func assemblePacket(header, body []byte) (*RawPacket, error) {
	if len(header) > HeaderSize || len(body) != BodySize {
		return nil, fmt.Errorf("%w: header %d body %d",
			ErrMalformedPacket, len(header), len(body))
	}

	var pkt RawPacket
	copy(pkt[:], header)
	if _, err := rand.Read(pkt[len(header):HeaderSize]); err != nil {
		return nil, err
	}
	copy(pkt[HeaderSize:], body)

	return &pkt, nil
}

// randDelayMs draws a uniform mixing delay in [0, max].
func randDelayMs(max uint16) uint16 {
	if max == 0 {
		return 0
	}

	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}

	return binary.BigEndian.Uint16(b[:]) % (max + 1)
}
