package link

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtexChooser/earendil/mux"
	"github.com/xtexChooser/earendil/pascal"
)

// Stream labels within a link's multiplexer.
const (
	labelOnion = "onion"
	labelRPC   = "link-rpc"
)

// rpcPoolTimeout is how long an idle pooled RPC substream stays usable.
const rpcPoolTimeout = 60 * time.Second

// Link is one authenticated neighbor session. It multiplexes the onion
// datagram channel and the RPC channel over a single pipe; the dialing
// side opens the datagram stream, the listening side accepts it.
type Link struct {
	mux *mux.Mux

	dgMu    sync.Mutex
	dg      *mux.Stream
	dgReady chan struct{}

	sendMu sync.Mutex
	recvMu sync.Mutex
	recvBr *bufio.Reader

	rpcIncoming chan *mux.Stream

	poolMu  sync.Mutex
	rpcPool []*pooledConn

	nextReqID atomic.Uint64
}

type pooledConn struct {
	stream   *mux.Stream
	br       *bufio.Reader
	lastUsed time.Time
}

// NewDial wraps a freshly dialled mux in a link, opening the datagram
// stream eagerly.
func NewDial(m *mux.Mux) (*Link, error) {
	l := newLink(m)

	dg, err := m.OpenStream(labelOnion)
	if err != nil {
		return nil, err
	}
	l.setDatagram(dg)

	go l.acceptLoop()

	return l, nil
}

// NewListen wraps a freshly accepted mux in a link; the datagram stream
// arrives from the remote.
func NewListen(m *mux.Mux) *Link {
	l := newLink(m)
	go l.acceptLoop()

	return l
}

func newLink(m *mux.Mux) *Link {
	return &Link{
		mux:         m,
		dgReady:     make(chan struct{}),
		rpcIncoming: make(chan *mux.Stream, 16),
	}
}

// Close tears down the link and its pipe.
func (l *Link) Close() error {
	return l.mux.Close()
}

func (l *Link) setDatagram(s *mux.Stream) {
	l.dgMu.Lock()
	defer l.dgMu.Unlock()

	if l.dg != nil {
		// A second datagram stream violates the protocol; keep the
		// first.
		_ = s.Close()
		return
	}
	l.dg = s
	l.recvBr = bufio.NewReader(s)
	close(l.dgReady)
}

// datagram waits until the datagram stream exists.
func (l *Link) datagram() (*mux.Stream, *bufio.Reader, error) {
	select {
	case <-l.dgReady:
	case <-l.mux.Done():
		return nil, nil, ErrLinkClosed
	}

	l.dgMu.Lock()
	defer l.dgMu.Unlock()

	return l.dg, l.recvBr, nil
}

// acceptLoop routes remotely opened streams: the datagram channel and RPC
// substreams.
func (l *Link) acceptLoop() {
	defer close(l.rpcIncoming)

	for {
		s, err := l.mux.AcceptStream()
		if err != nil {
			return
		}

		switch s.Label() {
		case labelOnion:
			l.setDatagram(s)

		case labelRPC:
			l.rpcIncoming <- s

		default:
			log.Debugf("Dropping stream with unknown label %q",
				s.Label())
			_ = s.Close()
		}
	}
}

// SendMsg writes one datagram to the link.
func (l *Link) SendMsg(msg *Message) error {
	encoded, err := msg.Encode()
	if err != nil {
		return err
	}

	dg, _, err := l.datagram()
	if err != nil {
		return err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if err := pascal.Write(dg, encoded); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}

	return nil
}

// RecvMsg reads the next datagram from the link, blocking until one
// arrives or the link dies.
func (l *Link) RecvMsg() (*Message, error) {
	_, br, err := l.datagram()
	if err != nil {
		return nil, err
	}

	l.recvMu.Lock()
	defer l.recvMu.Unlock()

	frame, err := pascal.Read(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}

	return DecodeMessage(frame)
}

// rpcRequest is one newline-delimited JSON request frame.
type rpcRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is one newline-delimited JSON response frame.
type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// getRPCConn pops a fresh pooled substream or opens a new one.
func (l *Link) getRPCConn() (*pooledConn, error) {
	l.poolMu.Lock()
	for len(l.rpcPool) > 0 {
		conn := l.rpcPool[len(l.rpcPool)-1]
		l.rpcPool = l.rpcPool[:len(l.rpcPool)-1]

		if time.Since(conn.lastUsed) < rpcPoolTimeout {
			l.poolMu.Unlock()
			return conn, nil
		}
		_ = conn.stream.Close()
	}
	l.poolMu.Unlock()

	s, err := l.mux.OpenStream(labelRPC)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}

	return &pooledConn{
		stream: s,
		br:     bufio.NewReader(s),
	}, nil
}

func (l *Link) putRPCConn(conn *pooledConn) {
	conn.lastUsed = time.Now()

	l.poolMu.Lock()
	defer l.poolMu.Unlock()

	l.rpcPool = append(l.rpcPool, conn)
}

// call performs one request-reply exchange on a pooled RPC substream.
func (l *Link) call(ctx context.Context, method string, params,
	result any) error {

	req := &rpcRequest{
		ID:     l.nextReqID.Add(1),
		Method: method,
	}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = encoded
	}

	reqLine, err := json.Marshal(req)
	if err != nil {
		return err
	}

	conn, err := l.getRPCConn()
	if err != nil {
		return err
	}

	type callResult struct {
		resp *rpcResponse
		err  error
	}
	resCh := make(chan callResult, 1)
	go func() {
		if _, err := conn.stream.Write(
			append(reqLine, '\n'),
		); err != nil {
			resCh <- callResult{err: err}
			return
		}

		line, err := conn.br.ReadBytes('\n')
		if err != nil {
			resCh <- callResult{err: err}
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			resCh <- callResult{err: err}
			return
		}
		resCh <- callResult{resp: &resp}
	}()

	select {
	case <-ctx.Done():
		_ = conn.stream.Close()
		return ctx.Err()

	case res := <-resCh:
		if res.err != nil {
			_ = conn.stream.Close()
			return fmt.Errorf("%w: %v", ErrLinkClosed, res.err)
		}

		l.putRPCConn(conn)

		if res.resp.Error != "" {
			return fmt.Errorf("%w: %s", ErrRPCRemote,
				res.resp.Error)
		}
		if result != nil {
			return json.Unmarshal(res.resp.Result, result)
		}

		return nil
	}
}

// ServeRPC answers the remote's RPC substreams with the given protocol
// implementation until the context is cancelled or the link dies.
func (l *Link) ServeRPC(ctx context.Context, svc Protocol) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s, ok := <-l.rpcIncoming:
			if !ok {
				return ErrLinkClosed
			}
			go l.serveRPCStream(ctx, svc, s)
		}
	}
}

func (l *Link) serveRPCStream(ctx context.Context, svc Protocol,
	s *mux.Stream) {

	defer s.Close()

	// Tear the stream down when the serving context ends, so a blocked
	// read unsticks.
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	br := bufio.NewReader(s)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			log.Debugf("Dropping malformed RPC request: %v", err)
			return
		}

		resp := dispatch(ctx, svc, &req)
		respLine, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if _, err := s.Write(append(respLine, '\n')); err != nil {
			return
		}
	}
}
