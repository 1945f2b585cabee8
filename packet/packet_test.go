package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xtexChooser/earendil/crypt"
)

// testHop is one relay in a synthetic route: an onion keypair and a
// fingerprint derived from a fresh identity.
type testHop struct {
	onion *crypt.OnionPriv
	fp    crypt.RelayFingerprint
}

func newTestHop(t *testing.T) *testHop {
	t.Helper()

	id, err := crypt.GenerateIdentity()
	require.NoError(t, err)

	return &testHop{
		onion: crypt.GenerateOnion(),
		fp:    id.Fingerprint(),
	}
}

// instructsForRoute builds the forward instructions for a route of hops
// terminating at the last element.
func instructsForRoute(hops []*testHop) []ForwardInstruction {
	instructs := make([]ForwardInstruction, 0, len(hops)-1)
	for i := 0; i < len(hops)-1; i++ {
		instructs = append(instructs, ForwardInstruction{
			ThisOnionPub:    hops[i].onion.Public(),
			NextFingerprint: hops[i+1].fp,
		})
	}

	return instructs
}

// TestForwardPeelChain tests that a three-hop forward onion peels cleanly
// at each hop and terminates with the original message and source.
func TestForwardPeelChain(t *testing.T) {
	t.Parallel()

	h1 := newTestHop(t)
	h2 := newTestHop(t)
	dest := newTestHop(t)
	route := []*testHop{h1, h2, dest}

	src := crypt.RemoteAnon(crypt.NewAnonEndpoint(7))
	inner := NewMessagePacket(1, 2, []byte("hi"))

	pkt, err := NewNormal(
		instructsForRoute(route), dest.onion.Public(), inner, src,
		DefaultPrivacyConfig(),
	)
	require.NoError(t, err)

	// First hop.
	peeled, err := pkt.Peel(h1.onion)
	require.NoError(t, err)
	require.NotNil(t, peeled.Relay)
	require.Equal(t, h2.fp, peeled.Relay.NextPeeler)

	// Second hop.
	child := peeled.Relay.Pkt
	peeled, err = child.Peel(h2.onion)
	require.NoError(t, err)
	require.NotNil(t, peeled.Relay)
	require.Equal(t, dest.fp, peeled.Relay.NextPeeler)

	// Destination.
	child = peeled.Relay.Pkt
	peeled, err = child.Peel(dest.onion)
	require.NoError(t, err)
	require.NotNil(t, peeled.Received)
	require.Equal(t, src, peeled.Received.From)
	require.NotNil(t, peeled.Received.Inner.Message)
	require.Equal(t, []byte("hi"), peeled.Received.Inner.Message.Body)
	require.Equal(t, crypt.Dock(2), peeled.Received.Inner.Message.DstDock)
}

// TestPeelWrongKey tests that a hop cannot peel a layer addressed to a
// different onion key.
func TestPeelWrongKey(t *testing.T) {
	t.Parallel()

	h1 := newTestHop(t)
	dest := newTestHop(t)

	pkt, err := NewNormal(
		instructsForRoute([]*testHop{h1, dest}),
		dest.onion.Public(),
		NewMessagePacket(0, 0, []byte("x")),
		crypt.RemoteRelay(h1.fp), DefaultPrivacyConfig(),
	)
	require.NoError(t, err)

	_, err = pkt.Peel(dest.onion)
	require.ErrorIs(t, err, ErrPeelFailed)
}

// TestSurbRoundTrip tests the full reply path: a client issues a surb, a
// relay consumes it with a reply, every hop peels, and the degarbler
// recovers the reply at the issuer.
func TestSurbRoundTrip(t *testing.T) {
	t.Parallel()

	h1 := newTestHop(t)
	destRelay := newTestHop(t)
	replier := newTestHop(t)

	myAnon := crypt.NewAnonEndpoint(7)
	const clientID crypt.ClientID = 42

	surb, rbID, degarbler, err := NewSurb(
		instructsForRoute([]*testHop{h1, destRelay}),
		h1.fp, destRelay.onion.Public(), clientID, myAnon,
		DefaultPrivacyConfig(),
	)
	require.NoError(t, err)
	require.Equal(t, rbID, degarbler.RbID())

	// The replier consumes the surb.
	reply := NewMessagePacket(3, 4, []byte("pong"))
	pkt, err := NewReply(surb, reply, crypt.RemoteRelay(replier.fp))
	require.NoError(t, err)

	// First peeler garbles and forwards.
	peeled, err := pkt.Peel(h1.onion)
	require.NoError(t, err)
	require.NotNil(t, peeled.Relay)
	require.Equal(t, destRelay.fp, peeled.Relay.NextPeeler)

	// The destination relay sees a garbled reply for the client.
	child := peeled.Relay.Pkt
	peeled, err = child.Peel(destRelay.onion)
	require.NoError(t, err)
	require.NotNil(t, peeled.GarbledReply)
	require.Equal(t, rbID, peeled.GarbledReply.RbID)
	require.Equal(t, clientID, peeled.GarbledReply.ClientID)

	// The issuer degarbles.
	inner, src, err := degarbler.Degarble(&peeled.GarbledReply.Body)
	require.NoError(t, err)
	require.NotNil(t, inner.Message)
	require.Equal(t, []byte("pong"), inner.Message.Body)

	srcFp, ok := src.Relay()
	require.True(t, ok)
	require.Equal(t, replier.fp, srcFp)

	// A garbled body that skipped the hops does not degarble.
	var bogus RawBody
	_, _, err = degarbler.Degarble(&bogus)
	require.ErrorIs(t, err, ErrPeelFailed)
}

// TestReplyBlockBatchEncode tests that a batch of surbs survives the inner
// packet encoding.
func TestReplyBlockBatchEncode(t *testing.T) {
	t.Parallel()

	h1 := newTestHop(t)
	dest := newTestHop(t)

	surbs := make([]Surb, 0, 2)
	for i := 0; i < 2; i++ {
		surb, _, _, err := NewSurb(
			instructsForRoute([]*testHop{h1, dest}),
			h1.fp, dest.onion.Public(), 42,
			crypt.NewAnonEndpoint(7), DefaultPrivacyConfig(),
		)
		require.NoError(t, err)
		surbs = append(surbs, *surb)
	}

	encoded, err := NewReplyBlocksPacket(surbs).Encode()
	require.NoError(t, err)

	decoded, err := DecodeInnerPacket(encoded)
	require.NoError(t, err)
	require.Len(t, decoded.ReplyBlocks, 2)
	require.Equal(t, surbs[0].FirstPeeler,
		decoded.ReplyBlocks[0].FirstPeeler)
	require.Equal(t, surbs[1].Header, decoded.ReplyBlocks[1].Header)
}

// TestRouteTooLong tests that construction refuses routes beyond the
// privacy config's peeler bound.
func TestRouteTooLong(t *testing.T) {
	t.Parallel()

	hops := make([]*testHop, 0, 8)
	for i := 0; i < 8; i++ {
		hops = append(hops, newTestHop(t))
	}

	cfg := PrivacyConfig{MaxPeelers: 3, MaxHopDelayMs: 0}
	_, err := NewNormal(
		instructsForRoute(hops), hops[len(hops)-1].onion.Public(),
		NewMessagePacket(0, 0, nil),
		crypt.RemoteRelay(hops[0].fp), cfg,
	)
	require.ErrorIs(t, err, ErrRouteTooLong)
}

// TestPayloadTooLarge tests the body capacity bound.
func TestPayloadTooLarge(t *testing.T) {
	t.Parallel()

	h1 := newTestHop(t)
	dest := newTestHop(t)

	big := make([]byte, MaxBodyPlaintext+1)
	_, err := NewNormal(
		instructsForRoute([]*testHop{h1, dest}),
		dest.onion.Public(), NewMessagePacket(0, 0, big),
		crypt.RemoteRelay(h1.fp), DefaultPrivacyConfig(),
	)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}
