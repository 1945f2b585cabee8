package linknode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/topology"
)

// graphRelay is a synthetic relay inserted into a test node's graph.
type graphRelay struct {
	id    *crypt.IdentityPriv
	onion *crypt.OnionPriv
	fp    crypt.RelayFingerprint
}

func addGraphRelay(t *testing.T, node *testNode) *graphRelay {
	t.Helper()

	id, err := crypt.GenerateIdentity()
	require.NoError(t, err)

	onion := crypt.GenerateOnion()
	desc, err := topology.NewIdentityDescriptor(id, onion.Public(), 1000)
	require.NoError(t, err)
	require.NoError(t, node.ctx.graph.InsertIdentity(desc))

	return &graphRelay{id: id, onion: onion, fp: id.Fingerprint()}
}

// connectRelays records a fully signed adjacency between two relays in
// the node's graph.
func connectRelays(t *testing.T, node *testNode, a, b *graphRelay) {
	t.Helper()

	left, right := a, b
	if right.fp.Less(left.fp) {
		left, right = right, left
	}

	adj := &topology.AdjacencyDescriptor{
		Left:          left.fp,
		Right:         right.fp,
		UnixTimestamp: 1000,
	}
	signed, err := adj.SignedBytes()
	require.NoError(t, err)
	adj.LeftSig = left.id.Sign(signed)
	adj.RightSig = right.id.Sign(signed)

	require.NoError(t, node.ctx.graph.InsertAdjacency(adj))
}

// TestOneHopCloser tests strict shortest-path neighbor selection with a
// fingerprint tie-break.
func TestOneHopCloser(t *testing.T) {
	t.Parallel()

	node := newTestNode(t, true, 1000)

	// Two neighbors; n1 two hops from dest, n2 adjacent to dest.
	n1 := addGraphRelay(t, node)
	n2 := addGraphRelay(t, node)
	mid := addGraphRelay(t, node)
	dest := addGraphRelay(t, node)

	connectRelays(t, node, n1, mid)
	connectRelays(t, node, mid, dest)
	connectRelays(t, node, n2, dest)

	// No neighbors connected yet.
	_, err := node.ctx.oneHopCloser(dest.fp)
	require.ErrorIs(t, err, ErrNoNeighbors)

	sub1 := node.ctx.relaySpider.Subscribe(n1.fp)
	defer sub1.Close()
	sub2 := node.ctx.relaySpider.Subscribe(n2.fp)
	defer sub2.Close()

	next, err := node.ctx.oneHopCloser(dest.fp)
	require.NoError(t, err)
	require.Equal(t, n2.fp, next)

	// With equal path lengths the lexicographically smaller neighbor
	// wins: connect n1 directly to dest too.
	connectRelays(t, node, n1, dest)

	expected := n1.fp
	if n2.fp.Less(n1.fp) {
		expected = n2.fp
	}
	next, err = node.ctx.oneHopCloser(dest.fp)
	require.NoError(t, err)
	require.Equal(t, expected, next)

	// A destination nobody can reach fails.
	island := addGraphRelay(t, node)
	_, err = node.ctx.oneHopCloser(island.fp)
	require.ErrorIs(t, err, ErrNoRoute)
}

// TestForwardRouteTo tests that origin routes start at a connected
// neighbor, are graph-adjacent throughout, and respect the peeler bound.
func TestForwardRouteTo(t *testing.T) {
	t.Parallel()

	node := newTestNode(t, true, 1000)

	n1 := addGraphRelay(t, node)
	mid := addGraphRelay(t, node)
	dest := addGraphRelay(t, node)
	connectRelays(t, node, n1, mid)
	connectRelays(t, node, mid, dest)

	sub := node.ctx.relaySpider.Subscribe(n1.fp)
	defer sub.Close()

	route, err := node.ctx.forwardRouteTo(dest.fp, 5)
	require.NoError(t, err)
	require.Equal(t, []crypt.RelayFingerprint{n1.fp, mid.fp, dest.fp},
		route)

	for i := 0; i < len(route)-1; i++ {
		require.True(t,
			node.ctx.graph.IsAdjacent(route[i], route[i+1]))
	}

	// The same destination is out of reach with a tighter peeler
	// bound.
	_, err = node.ctx.forwardRouteTo(dest.fp, 2)
	require.ErrorIs(t, err, ErrNoRoute)

	// Instructions pair each hop's onion key with its successor.
	instructs, err := node.ctx.routeToInstructs(route)
	require.NoError(t, err)
	require.Len(t, instructs, 2)
	require.Equal(t, n1.onion.Public(), instructs[0].ThisOnionPub)
	require.Equal(t, mid.fp, instructs[0].NextFingerprint)
	require.Equal(t, dest.fp, instructs[1].NextFingerprint)
}
