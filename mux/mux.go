// Package mux implements a minimal framed multiplexer: many labelled
// byte streams over one ordered pipe. Frames carry a stream id, so
// independent channels (onion datagrams, RPC substreams) share a single
// obfuscated transport. Each stream buffers one inbound frame; while that
// slot is full the read loop waits on it, which also holds up frames for
// every other stream.
package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Frame types.
const (
	frameSYN  byte = 0
	frameDATA byte = 1
	frameFIN  byte = 2
)

const (
	// headerSize is the fixed frame header: type, stream id, length.
	headerSize = 1 + 4 + 4

	// maxFramePayload bounds one frame's payload.
	maxFramePayload = 1 << 16
)

var (
	// ErrMuxClosed is returned on any operation after the pipe died.
	ErrMuxClosed = errors.New("mux closed")

	// ErrStreamClosed is returned on operations against a locally
	// closed stream.
	ErrStreamClosed = errors.New("stream closed")

	// ErrProtocol is returned when the remote violates the framing.
	ErrProtocol = errors.New("mux protocol violation")
)

// Mux multiplexes labelled streams over one ordered pipe. The side that
// dialled the pipe allocates odd stream ids, the listening side even ones,
// so the two never collide.
type Mux struct {
	pipe io.ReadWriteCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32

	accept chan *Stream

	quit     chan struct{}
	quitOnce sync.Once
	quitErr  error
}

// New wraps a pipe in a multiplexer and starts its read loop.
func New(pipe io.ReadWriteCloser, dialer bool) *Mux {
	m := &Mux{
		pipe:    pipe,
		streams: make(map[uint32]*Stream),
		accept:  make(chan *Stream, 16),
		quit:    make(chan struct{}),
	}
	if dialer {
		m.nextID = 1
	} else {
		m.nextID = 2
	}

	go m.readLoop()

	return m
}

// Stream is one logical channel within a mux.
type Stream struct {
	mux   *Mux
	id    uint32
	label string

	inbound chan []byte
	readBuf []byte

	remoteDone     chan struct{}
	remoteDoneOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once
}

// Label returns the label the opener attached to the stream.
func (s *Stream) Label() string {
	return s.label
}

// OpenStream opens a new labelled stream toward the remote.
func (m *Mux) OpenStream(label string) (*Stream, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID += 2
	s := m.newStreamLocked(id, label)
	m.mu.Unlock()

	if err := m.writeFrame(frameSYN, id, []byte(label)); err != nil {
		m.dropStream(id)
		return nil, err
	}

	return s, nil
}

// AcceptStream blocks until the remote opens a stream.
func (m *Mux) AcceptStream() (*Stream, error) {
	select {
	case s := <-m.accept:
		return s, nil
	case <-m.quit:
		return nil, m.closeErr()
	}
}

// Close tears the mux down; every stream operation fails afterwards.
func (m *Mux) Close() error {
	m.shutdown(ErrMuxClosed)
	return nil
}

// Done is closed when the mux dies for any reason.
func (m *Mux) Done() <-chan struct{} {
	return m.quit
}

func (m *Mux) newStreamLocked(id uint32, label string) *Stream {
	s := &Stream{
		mux:        m,
		id:         id,
		label:      label,
		inbound:    make(chan []byte, 1),
		remoteDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	m.streams[id] = s

	return s
}

func (m *Mux) dropStream(id uint32) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

func (m *Mux) lookupStream(id uint32) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.streams[id]
}

func (m *Mux) closeErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.quitErr != nil {
		return m.quitErr
	}

	return ErrMuxClosed
}

func (m *Mux) shutdown(err error) {
	m.quitOnce.Do(func() {
		m.mu.Lock()
		m.quitErr = err
		m.mu.Unlock()

		close(m.quit)
		_ = m.pipe.Close()
	})
}

// readLoop dispatches inbound frames to their streams until the pipe
// fails.
func (m *Mux) readLoop() {
	for {
		header := make([]byte, headerSize)
		if _, err := io.ReadFull(m.pipe, header); err != nil {
			m.shutdown(fmt.Errorf("%w: %v", ErrMuxClosed, err))
			return
		}

		frameType := header[0]
		streamID := binary.BigEndian.Uint32(header[1:5])
		length := binary.BigEndian.Uint32(header[5:9])
		if length > maxFramePayload {
			m.shutdown(fmt.Errorf("%w: frame length %d",
				ErrProtocol, length))
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(m.pipe, payload); err != nil {
			m.shutdown(fmt.Errorf("%w: %v", ErrMuxClosed, err))
			return
		}

		switch frameType {
		case frameSYN:
			m.mu.Lock()
			s := m.newStreamLocked(streamID, string(payload))
			m.mu.Unlock()

			select {
			case m.accept <- s:
			case <-m.quit:
				return
			}

		case frameDATA:
			s := m.lookupStream(streamID)
			if s == nil {
				// Stream already gone; the overlay is
				// lossy, drop the frame.
				continue
			}
			select {
			case s.inbound <- payload:
			case <-s.closed:
			case <-m.quit:
				return
			}

		case frameFIN:
			if s := m.lookupStream(streamID); s != nil {
				s.remoteDoneOnce.Do(func() {
					close(s.remoteDone)
				})
			}

		default:
			m.shutdown(fmt.Errorf("%w: frame type %d",
				ErrProtocol, frameType))
			return
		}
	}
}

func (m *Mux) writeFrame(frameType byte, streamID uint32,
	payload []byte) error {

	select {
	case <-m.quit:
		return m.closeErr()
	default:
	}

	header := make([]byte, headerSize)
	header[0] = frameType
	binary.BigEndian.PutUint32(header[1:5], streamID)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(payload)))

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if _, err := m.pipe.Write(header); err != nil {
		m.shutdown(fmt.Errorf("%w: %v", ErrMuxClosed, err))
		return m.closeErr()
	}
	if _, err := m.pipe.Write(payload); err != nil {
		m.shutdown(fmt.Errorf("%w: %v", ErrMuxClosed, err))
		return m.closeErr()
	}

	return nil
}

// Read implements io.Reader over the stream's inbound frames.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		if len(s.readBuf) > 0 {
			n := copy(p, s.readBuf)
			s.readBuf = s.readBuf[n:]

			return n, nil
		}

		// Prefer data already queued over the FIN signal.
		select {
		case buf := <-s.inbound:
			s.readBuf = buf
			continue
		default:
		}

		select {
		case buf := <-s.inbound:
			s.readBuf = buf

		case <-s.remoteDone:
			select {
			case buf := <-s.inbound:
				s.readBuf = buf
				continue
			default:
				return 0, io.EOF
			}

		case <-s.closed:
			return 0, ErrStreamClosed

		case <-s.mux.quit:
			return 0, s.mux.closeErr()
		}
	}
}

// Write implements io.Writer, chunking large writes into frames.
func (s *Stream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, ErrStreamClosed
	default:
	}

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFramePayload {
			chunk = chunk[:maxFramePayload]
		}
		if err := s.mux.writeFrame(frameDATA, s.id, chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}

	return total, nil
}

// Close sends FIN and unregisters the stream.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.mux.writeFrame(frameFIN, s.id, nil)
		s.mux.dropStream(s.id)
	})

	return nil
}
