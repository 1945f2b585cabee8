package crypt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFingerprintOrdering tests that fingerprint comparison is a total
// order consistent with byte-wise comparison.
func TestFingerprintOrdering(t *testing.T) {
	t.Parallel()

	var a, b RelayFingerprint
	a[0] = 0x00
	b[0] = 0xff

	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.Equal(t, 0, a.Compare(a))
}

// TestSignVerify tests the identity signature round trip and that a
// tampered message is rejected.
func TestSignVerify(t *testing.T) {
	t.Parallel()

	id, err := GenerateIdentity()
	require.NoError(t, err)

	msg := []byte("adjacency bytes")
	sig := id.Sign(msg)

	require.NoError(t, VerifySig(id.Public(), msg, sig))
	require.ErrorIs(
		t, VerifySig(id.Public(), []byte("other"), sig),
		ErrInvalidSignature,
	)
}

// TestNeighborIDRoundTrip tests the stable string encoding of neighbor ids.
func TestNeighborIDRoundTrip(t *testing.T) {
	t.Parallel()

	id, err := GenerateIdentity()
	require.NoError(t, err)

	relay := RelayNeighbor(id.Fingerprint())
	parsed, err := ParseNeighborID(relay.String())
	require.NoError(t, err)
	require.Equal(t, relay, parsed)

	client := ClientNeighbor(42)
	parsed, err = ParseNeighborID(client.String())
	require.NoError(t, err)
	require.Equal(t, client, parsed)

	_, err = ParseNeighborID("bogus")
	require.ErrorIs(t, err, ErrInvalidNeighborID)
}

// TestRemoteIDEncode tests the fixed-size RemoteID wire encoding.
func TestRemoteIDEncode(t *testing.T) {
	t.Parallel()

	ep := NewAnonEndpoint(7)
	encoded := RemoteAnon(ep).Encode(nil)

	decoded, rest, err := DecodeRemoteID(encoded)
	require.NoError(t, err)
	require.Empty(t, rest)

	gotEp, ok := decoded.Anon()
	require.True(t, ok)
	require.Equal(t, ep, gotEp)

	_, _, err = DecodeRemoteID(encoded[:4])
	require.Error(t, err)
}

// TestReadIdentityFile tests that a valid identity file round trips and
// that a corrupt one is regenerated in place.
func TestReadIdentityFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "identity")

	first, err := ReadIdentityFile(path)
	require.NoError(t, err)

	second, err := ReadIdentityFile(path)
	require.NoError(t, err)
	require.Equal(t, first.Fingerprint(), second.Fingerprint())

	require.NoError(t, os.WriteFile(path, []byte("not hex"), 0600))

	third, err := ReadIdentityFile(path)
	require.NoError(t, err)
	require.NotEqual(t, first.Fingerprint(), third.Fingerprint())
}

// TestOnionSharedSecret tests that both sides of an X25519 exchange derive
// the same secret.
func TestOnionSharedSecret(t *testing.T) {
	t.Parallel()

	alice := GenerateOnion()
	bob := GenerateOnion()

	s1, err := alice.SharedSecret(bob.Public())
	require.NoError(t, err)

	s2, err := bob.SharedSecret(alice.Public())
	require.NoError(t, err)

	require.Equal(t, s1, s2)
}
