package mux

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// muxPair returns two muxes joined by an in-memory pipe.
func muxPair(t *testing.T) (*Mux, *Mux) {
	t.Helper()

	a, b := net.Pipe()
	dialer := New(a, true)
	listener := New(b, false)
	t.Cleanup(func() {
		_ = dialer.Close()
		_ = listener.Close()
	})

	return dialer, listener
}

// TestOpenAcceptRoundTrip tests that a labelled stream carries bytes both
// ways.
func TestOpenAcceptRoundTrip(t *testing.T) {
	t.Parallel()

	dialer, listener := muxPair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)

		s, err := listener.AcceptStream()
		require.NoError(t, err)
		require.Equal(t, "onion", s.Label())

		buf := make([]byte, 5)
		_, err = io.ReadFull(s, buf)
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), buf)

		_, err = s.Write([]byte("world"))
		require.NoError(t, err)
	}()

	s, err := dialer.OpenStream("onion")
	require.NoError(t, err)

	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), buf)

	<-done
}

// TestConcurrentStreams tests that two streams over one pipe do not mix
// their bytes.
func TestConcurrentStreams(t *testing.T) {
	t.Parallel()

	dialer, listener := muxPair(t)

	go func() {
		for i := 0; i < 2; i++ {
			s, err := listener.AcceptStream()
			if err != nil {
				return
			}
			// Echo back whatever arrives, per stream.
			go func() {
				_, _ = io.Copy(s, s)
			}()
		}
	}()

	s1, err := dialer.OpenStream("a")
	require.NoError(t, err)
	s2, err := dialer.OpenStream("b")
	require.NoError(t, err)

	_, err = s1.Write([]byte("first"))
	require.NoError(t, err)
	_, err = s2.Write([]byte("second"))
	require.NoError(t, err)

	buf := make([]byte, 6)
	_, err = io.ReadFull(s2, buf)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), buf)

	buf = make([]byte, 5)
	_, err = io.ReadFull(s1, buf)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), buf)
}

// TestFinDeliversEOF tests that a remote close surfaces as EOF after all
// queued data is drained.
func TestFinDeliversEOF(t *testing.T) {
	t.Parallel()

	dialer, listener := muxPair(t)

	go func() {
		s, err := listener.AcceptStream()
		if err != nil {
			return
		}
		_, _ = s.Write([]byte("bye"))
		_ = s.Close()
	}()

	s, err := dialer.OpenStream("x")
	require.NoError(t, err)

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, []byte("bye"), data)
}

// TestPipeFailureFailsStreams tests that killing the pipe fails pending
// stream operations promptly.
func TestPipeFailureFailsStreams(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	dialer := New(a, true)
	listener := New(b, false)
	defer listener.Close()

	s, err := dialer.OpenStream("x")
	require.NoError(t, err)

	// Let the listener see the SYN before the pipe dies.
	_, err = listener.AcceptStream()
	require.NoError(t, err)

	_ = dialer.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 1))
		errCh <- err
	}()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("read did not fail after mux close")
	}
}
