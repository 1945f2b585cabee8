package link

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/pascal"
	"github.com/xtexChooser/earendil/topology"
)

// AuthMsg is the first frame each side sends after the pipe comes up: its
// client id and, for relays, its identity descriptor. Clients send no
// descriptor and a nonzero client id; relays send a descriptor and client
// id zero.
type AuthMsg struct {
	ClientID   crypt.ClientID
	Descriptor fn.Option[*topology.IdentityDescriptor]
}

// encodeAuth lays out the client id as 8 little-endian bytes followed by
// an option flag and, when present, the canonical descriptor encoding.
func encodeAuth(msg *AuthMsg) ([]byte, error) {
	b := make([]byte, 8, 9)
	binary.LittleEndian.PutUint64(b, uint64(msg.ClientID))

	var encodeErr error
	hasDescriptor := false
	msg.Descriptor.WhenSome(func(desc *topology.IdentityDescriptor) {
		hasDescriptor = true
		encoded, err := desc.Encode()
		if err != nil {
			encodeErr = err
			return
		}
		b = append(b, 1)
		b = append(b, encoded...)
	})
	if encodeErr != nil {
		return nil, encodeErr
	}
	if !hasDescriptor {
		b = append(b, 0)
	}

	return b, nil
}

// decodeAuth reverses encodeAuth, verifying any presented descriptor.
func decodeAuth(b []byte) (*AuthMsg, error) {
	if len(b) < 9 {
		return nil, fmt.Errorf("%w: short auth frame",
			ErrHandshakeFailed)
	}

	msg := &AuthMsg{
		ClientID:   crypt.ClientID(binary.LittleEndian.Uint64(b[:8])),
		Descriptor: fn.None[*topology.IdentityDescriptor](),
	}

	switch b[8] {
	case 0:
		if msg.ClientID == crypt.RelayClientID {
			return nil, fmt.Errorf("%w: client id zero without "+
				"relay identity", ErrHandshakeFailed)
		}

	case 1:
		desc, err := topology.DecodeIdentityDescriptor(b[9:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed,
				err)
		}
		if err := desc.Verify(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed,
				err)
		}
		msg.Descriptor = fn.Some(desc)

	default:
		return nil, fmt.Errorf("%w: bad option flag %d",
			ErrHandshakeFailed, b[8])
	}

	return msg, nil
}

// Handshake performs the symmetric auth exchange over a fresh pipe. Both
// frames are in flight concurrently, so neither side deadlocks on an
// unbuffered transport.
func Handshake(pipe io.ReadWriter, mine *AuthMsg) (*AuthMsg, error) {
	encoded, err := encodeAuth(mine)
	if err != nil {
		return nil, err
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- pascal.Write(pipe, encoded)
	}()

	frame, err := pascal.Read(pipe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if err := <-writeErr; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	return decodeAuth(frame)
}

// RemoteNeighborID derives the neighbor id an authenticated remote is
// keyed under: its relay fingerprint when it presented an identity, its
// client id otherwise.
func (a *AuthMsg) RemoteNeighborID() (crypt.NeighborID, error) {
	var (
		neighbor crypt.NeighborID
		fpErr    error
		isRelay  bool
	)
	a.Descriptor.WhenSome(func(desc *topology.IdentityDescriptor) {
		isRelay = true
		fp, err := desc.Fingerprint()
		if err != nil {
			fpErr = err
			return
		}
		neighbor = crypt.RelayNeighbor(fp)
	})
	if fpErr != nil {
		return crypt.NeighborID{}, fpErr
	}
	if !isRelay {
		neighbor = crypt.ClientNeighbor(a.ClientID)
	}

	return neighbor, nil
}
