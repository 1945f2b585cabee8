package spider

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSendNoSubscribers tests that sending to an unknown key fails.
func TestSendNoSubscribers(t *testing.T) {
	t.Parallel()

	s := New[string, int]()
	require.ErrorIs(t, s.Send("a", 1), ErrNoSubscribers)
	require.ErrorIs(t, s.TrySend("a", 1), ErrNoSubscribers)
}

// TestFanOut tests that every subscriber of a key receives each message.
func TestFanOut(t *testing.T) {
	t.Parallel()

	s := New[string, int]()

	sub1 := s.Subscribe("a")
	sub2 := s.Subscribe("a")
	defer sub1.Close()
	defer sub2.Close()

	require.NoError(t, s.Send("a", 7))
	require.Equal(t, 7, <-sub1.Chan())
	require.Equal(t, 7, <-sub2.Chan())

	require.ElementsMatch(t, []string{"a"}, s.Keys())
	require.True(t, s.Contains("a"))
	require.False(t, s.Contains("b"))
}

// TestCloseUnregisters tests that a closed subscription stops receiving
// and that the key disappears with its last subscriber.
func TestCloseUnregisters(t *testing.T) {
	t.Parallel()

	s := New[string, int]()

	sub := s.Subscribe("a")
	sub.Close()
	sub.Close() // idempotent

	require.False(t, s.Contains("a"))
	require.ErrorIs(t, s.Send("a", 1), ErrNoSubscribers)
}

// TestTrySendBackpressure tests that TrySend drops instead of blocking
// when the subscriber's single-slot buffer is full.
func TestTrySendBackpressure(t *testing.T) {
	t.Parallel()

	s := New[string, int]()
	sub := s.Subscribe("a")
	defer sub.Close()

	require.NoError(t, s.TrySend("a", 1))
	require.ErrorIs(t, s.TrySend("a", 2), ErrWouldBlock)

	// Draining frees the slot again.
	require.Equal(t, 1, <-sub.Chan())
	require.NoError(t, s.TrySend("a", 3))
}
