// Package pascal implements the length-prefixed framing used on the wire:
// a 4-byte big-endian length followed by that many payload bytes.
package pascal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame so a misbehaving peer cannot make us
// allocate unbounded memory.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a frame declares a length beyond
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Write writes one length-prefixed frame.
func Write(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge,
			len(payload))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)

	return err
}

// Read reads one length-prefixed frame.
func Read(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge,
			length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return payload, nil
}
