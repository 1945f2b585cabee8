package topology

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xtexChooser/earendil/crypt"
)

// testRelay bundles the keys and descriptor of a synthetic relay.
type testRelay struct {
	id    *crypt.IdentityPriv
	onion *crypt.OnionPriv
	fp    crypt.RelayFingerprint
	desc  *IdentityDescriptor
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	id, err := crypt.GenerateIdentity()
	require.NoError(t, err)

	onion := crypt.GenerateOnion()
	desc, err := NewIdentityDescriptor(id, onion.Public(), 1000)
	require.NoError(t, err)

	return &testRelay{
		id:    id,
		onion: onion,
		fp:    id.Fingerprint(),
		desc:  desc,
	}
}

// signAdjacency produces a fully signed adjacency between two relays,
// ordering the endpoints canonically.
func signAdjacency(t *testing.T, a, b *testRelay,
	ts uint64) *AdjacencyDescriptor {

	t.Helper()

	left, right := a, b
	if right.fp.Less(left.fp) {
		left, right = right, left
	}

	adj := &AdjacencyDescriptor{
		Left:          left.fp,
		Right:         right.fp,
		UnixTimestamp: ts,
	}

	signed, err := adj.SignedBytes()
	require.NoError(t, err)

	adj.LeftSig = left.id.Sign(signed)
	adj.RightSig = right.id.Sign(signed)

	return adj
}

// graphOf builds a graph containing the given relays and edges.
func graphOf(t *testing.T, relays []*testRelay,
	edges [][2]int) *RelayGraph {

	t.Helper()

	g := NewRelayGraph()
	for _, r := range relays {
		require.NoError(t, g.InsertIdentity(r.desc))
	}
	for _, e := range edges {
		adj := signAdjacency(t, relays[e[0]], relays[e[1]], 1000)
		require.NoError(t, g.InsertAdjacency(adj))
	}

	return g
}

// TestInsertIdentity tests idempotence, refresh and rejection of identity
// descriptors.
func TestInsertIdentity(t *testing.T) {
	t.Parallel()

	r := newTestRelay(t)
	g := NewRelayGraph()

	require.NoError(t, g.InsertIdentity(r.desc))

	// Same descriptor again is a no-op.
	require.NoError(t, g.InsertIdentity(r.desc))
	require.Len(t, g.AllNodes(), 1)

	// A newer descriptor replaces the stored one.
	newer, err := NewIdentityDescriptor(r.id, r.onion.Public(), 2000)
	require.NoError(t, err)
	require.NoError(t, g.InsertIdentity(newer))

	got, ok := g.Identity(r.fp)
	require.True(t, ok)
	require.EqualValues(t, 2000, got.UnixTimestamp)

	// An older descriptor does not roll back.
	require.NoError(t, g.InsertIdentity(r.desc))
	got, _ = g.Identity(r.fp)
	require.EqualValues(t, 2000, got.UnixTimestamp)

	// A tampered signature is rejected.
	bad := *newer
	bad.Sig = append([]byte(nil), newer.Sig...)
	bad.Sig[4] ^= 0xff
	require.ErrorIs(t, g.InsertIdentity(&bad), ErrInvalidDescriptor)
}

// TestInsertAdjacency tests the ordering, known-identity and signature
// invariants of adjacency insertion.
func TestInsertAdjacency(t *testing.T) {
	t.Parallel()

	a := newTestRelay(t)
	b := newTestRelay(t)

	g := NewRelayGraph()
	require.NoError(t, g.InsertIdentity(a.desc))

	adj := signAdjacency(t, a, b, 1000)

	// Right endpoint unknown.
	require.ErrorIs(t, g.InsertAdjacency(adj), ErrUnknownIdentity)

	require.NoError(t, g.InsertIdentity(b.desc))
	require.NoError(t, g.InsertAdjacency(adj))
	require.True(t, g.IsAdjacent(a.fp, b.fp))

	// Reversed ordering is refused.
	reversed := &AdjacencyDescriptor{
		Left:          adj.Right,
		Right:         adj.Left,
		LeftSig:       adj.RightSig,
		RightSig:      adj.LeftSig,
		UnixTimestamp: adj.UnixTimestamp,
	}
	require.ErrorIs(t, g.InsertAdjacency(reversed), ErrOrderingViolation)

	// Self-adjacency is refused.
	self := &AdjacencyDescriptor{Left: a.fp, Right: a.fp}
	require.ErrorIs(t, g.InsertAdjacency(self), ErrOrderingViolation)

	// A bad signature is refused.
	tampered := *adj
	tampered.UnixTimestamp = 2000
	require.ErrorIs(
		t, g.InsertAdjacency(&tampered), crypt.ErrInvalidSignature,
	)

	// The newer adjacency over the same pair supersedes.
	newer := signAdjacency(t, a, b, 3000)
	require.NoError(t, g.InsertAdjacency(newer))

	adjs := g.Adjacencies(a.fp)
	require.Len(t, adjs, 1)
	require.EqualValues(t, 3000, adjs[0].UnixTimestamp)
}

// TestFindShortestPath tests BFS pathfinding on a small topology with a
// long and a short route.
func TestFindShortestPath(t *testing.T) {
	t.Parallel()

	relays := make([]*testRelay, 5)
	for i := range relays {
		relays[i] = newTestRelay(t)
	}

	// 0-1-2-3 chain plus a 0-4-3 shortcut.
	g := graphOf(t, relays, [][2]int{
		{0, 1}, {1, 2}, {2, 3}, {0, 4}, {4, 3},
	})

	path, err := g.FindShortestPath(relays[0].fp, relays[3].fp)
	require.NoError(t, err)
	require.Len(t, path, 3)
	require.Equal(t, relays[0].fp, path[0])
	require.Equal(t, relays[4].fp, path[1])
	require.Equal(t, relays[3].fp, path[2])

	// Unreachable destination.
	island := newTestRelay(t)
	require.NoError(t, g.InsertIdentity(island.desc))
	_, err = g.FindShortestPath(relays[0].fp, island.fp)
	require.ErrorIs(t, err, ErrNoPathFound)

	// Trivial path to self.
	path, err = g.FindShortestPath(relays[0].fp, relays[0].fp)
	require.NoError(t, err)
	require.Equal(t, []crypt.RelayFingerprint{relays[0].fp}, path)
}

// TestGraphSnapshotRoundTrip tests that a graph survives the canonical
// snapshot serialization.
func TestGraphSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	relays := make([]*testRelay, 3)
	for i := range relays {
		relays[i] = newTestRelay(t)
	}
	g := graphOf(t, relays, [][2]int{{0, 1}, {1, 2}})

	snapshot, err := g.Marshal()
	require.NoError(t, err)

	restored, err := UnmarshalGraph(snapshot)
	require.NoError(t, err)

	wantNodes := g.AllNodes()
	gotNodes := restored.AllNodes()
	sortFingerprints(wantNodes)
	sortFingerprints(gotNodes)
	require.Equal(t, wantNodes, gotNodes)

	require.True(t, restored.IsAdjacent(relays[0].fp, relays[1].fp))
	require.True(t, restored.IsAdjacent(relays[1].fp, relays[2].fp))
	require.False(t, restored.IsAdjacent(relays[0].fp, relays[2].fp))
}

func sortFingerprints(fps []crypt.RelayFingerprint) {
	sort.Slice(fps, func(i, j int) bool {
		return fps[i].Less(fps[j])
	})
}
