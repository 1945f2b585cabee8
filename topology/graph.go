package topology

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/xtexChooser/earendil/crypt"
)

// adjKey is the canonical identity of an edge: its ordered endpoint pair.
type adjKey struct {
	left, right crypt.RelayFingerprint
}

// RelayGraph is the identity and signed-adjacency database. All methods
// are safe for concurrent use.
type RelayGraph struct {
	mu sync.RWMutex

	identities  map[crypt.RelayFingerprint]*IdentityDescriptor
	adjacencies map[adjKey]*AdjacencyDescriptor

	// edges indexes the adjacency set by endpoint for traversal.
	edges map[crypt.RelayFingerprint]map[crypt.RelayFingerprint]struct{}
}

// NewRelayGraph creates an empty graph.
func NewRelayGraph() *RelayGraph {
	return &RelayGraph{
		identities:  make(map[crypt.RelayFingerprint]*IdentityDescriptor),
		adjacencies: make(map[adjKey]*AdjacencyDescriptor),
		edges: make(
			map[crypt.RelayFingerprint]map[crypt.RelayFingerprint]struct{},
		),
	}
}

// AllNodes returns the fingerprints of every known relay.
func (g *RelayGraph) AllNodes() []crypt.RelayFingerprint {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]crypt.RelayFingerprint, 0, len(g.identities))
	for fp := range g.identities {
		nodes = append(nodes, fp)
	}

	return nodes
}

// Identity looks up the identity descriptor of a relay.
func (g *RelayGraph) Identity(
	fp crypt.RelayFingerprint) (*IdentityDescriptor, bool) {

	g.mu.RLock()
	defer g.mu.RUnlock()

	desc, ok := g.identities[fp]

	return desc, ok
}

// Adjacencies returns every adjacency with the given relay as an endpoint.
func (g *RelayGraph) Adjacencies(
	fp crypt.RelayFingerprint) []*AdjacencyDescriptor {

	g.mu.RLock()
	defer g.mu.RUnlock()

	var adjs []*AdjacencyDescriptor
	for peer := range g.edges[fp] {
		key := adjKey{left: fp, right: peer}
		if peer.Less(fp) {
			key = adjKey{left: peer, right: fp}
		}
		if adj, ok := g.adjacencies[key]; ok {
			adjs = append(adjs, adj)
		}
	}

	return adjs
}

// InsertIdentity validates and inserts a descriptor. Re-inserting an
// identical descriptor is a no-op; a newer timestamp replaces the stored
// one; an invalid signature is rejected.
func (g *RelayGraph) InsertIdentity(desc *IdentityDescriptor) error {
	if err := desc.Verify(); err != nil {
		return err
	}

	fp, err := desc.Fingerprint()
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.identities[fp]; ok {
		if prev.UnixTimestamp >= desc.UnixTimestamp {
			return nil
		}
	}
	g.identities[fp] = desc

	return nil
}

// InsertAdjacency validates and inserts an edge. Both endpoints must
// already have identities in the graph, the endpoints must satisfy the
// ordering invariant, and both signatures must verify. The newer of two
// adjacencies over the same endpoint pair wins.
func (g *RelayGraph) InsertAdjacency(adj *AdjacencyDescriptor) error {
	if adj.Left.Compare(adj.Right) >= 0 {
		return fmt.Errorf("%w: %v >= %v", ErrOrderingViolation,
			adj.Left, adj.Right)
	}

	signed, err := adj.SignedBytes()
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	leftID, ok := g.identities[adj.Left]
	if !ok {
		return fmt.Errorf("%w: left %v", ErrUnknownIdentity, adj.Left)
	}
	rightID, ok := g.identities[adj.Right]
	if !ok {
		return fmt.Errorf("%w: right %v", ErrUnknownIdentity,
			adj.Right)
	}

	if err := verifyEndpointSig(leftID, signed, adj.LeftSig); err != nil {
		return fmt.Errorf("left signature: %w", err)
	}
	if err := verifyEndpointSig(rightID, signed, adj.RightSig); err != nil {
		return fmt.Errorf("right signature: %w", err)
	}

	key := adjKey{left: adj.Left, right: adj.Right}
	if prev, ok := g.adjacencies[key]; ok {
		if prev.UnixTimestamp >= adj.UnixTimestamp {
			return nil
		}
	}
	g.adjacencies[key] = adj

	g.addEdgeLocked(adj.Left, adj.Right)
	g.addEdgeLocked(adj.Right, adj.Left)

	return nil
}

func (g *RelayGraph) addEdgeLocked(a, b crypt.RelayFingerprint) {
	if g.edges[a] == nil {
		g.edges[a] = make(map[crypt.RelayFingerprint]struct{})
	}
	g.edges[a][b] = struct{}{}
}

// verifyEndpointSig checks one endpoint's adjacency signature under its
// identity descriptor.
func verifyEndpointSig(id *IdentityDescriptor, signed, sig []byte) error {
	pub, err := parseIdentityPub(id)
	if err != nil {
		return err
	}

	return crypt.VerifySig(pub, signed, sig)
}

// neighborsOf returns the graph neighbors of a relay, for traversal.
func (g *RelayGraph) neighborsOf(
	fp crypt.RelayFingerprint) []crypt.RelayFingerprint {

	g.mu.RLock()
	defer g.mu.RUnlock()

	peers := make([]crypt.RelayFingerprint, 0, len(g.edges[fp]))
	for peer := range g.edges[fp] {
		peers = append(peers, peer)
	}

	return peers
}

// IsAdjacent reports whether two relays share a signed adjacency.
func (g *RelayGraph) IsAdjacent(a, b crypt.RelayFingerprint) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, ok := g.edges[a][b]

	return ok
}

// Marshal produces the canonical snapshot serialization of the graph:
// identities then adjacencies, each in fingerprint order.
func (g *RelayGraph) Marshal() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	fps := make([]crypt.RelayFingerprint, 0, len(g.identities))
	for fp := range g.identities {
		fps = append(fps, fp)
	}
	sort.Slice(fps, func(i, j int) bool {
		return fps[i].Less(fps[j])
	})

	keys := make([]adjKey, 0, len(g.adjacencies))
	for key := range g.adjacencies {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].left != keys[j].left {
			return keys[i].left.Less(keys[j].left)
		}

		return keys[i].right.Less(keys[j].right)
	})

	var buf bytes.Buffer

	if err := binary.Write(
		&buf, binary.BigEndian, uint32(len(fps)),
	); err != nil {
		return nil, err
	}
	for _, fp := range fps {
		err := writeLenPrefixed(&buf, g.identities[fp].Encode)
		if err != nil {
			return nil, err
		}
	}

	if err := binary.Write(
		&buf, binary.BigEndian, uint32(len(keys)),
	); err != nil {
		return nil, err
	}
	for _, key := range keys {
		err := writeLenPrefixed(&buf, g.adjacencies[key].Encode)
		if err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// UnmarshalGraph parses a snapshot produced by Marshal, re-validating
// every descriptor on the way in.
func UnmarshalGraph(b []byte) (*RelayGraph, error) {
	g := NewRelayGraph()
	r := bytes.NewReader(b)

	var numIdentities uint32
	if err := binary.Read(r, binary.BigEndian, &numIdentities); err != nil {
		return nil, err
	}
	for i := uint32(0); i < numIdentities; i++ {
		blob, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		desc, err := DecodeIdentityDescriptor(blob)
		if err != nil {
			return nil, err
		}
		if err := g.InsertIdentity(desc); err != nil {
			return nil, err
		}
	}

	var numAdjacencies uint32
	if err := binary.Read(r, binary.BigEndian, &numAdjacencies); err != nil {
		return nil, err
	}
	for i := uint32(0); i < numAdjacencies; i++ {
		blob, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		adj, err := DecodeAdjacencyDescriptor(blob)
		if err != nil {
			return nil, err
		}
		if err := g.InsertAdjacency(adj); err != nil {
			return nil, err
		}
	}

	return g, nil
}

func writeLenPrefixed(buf *bytes.Buffer, encode func() ([]byte, error)) error {
	blob, err := encode()
	if err != nil {
		return err
	}
	if err := binary.Write(
		buf, binary.BigEndian, uint32(len(blob)),
	); err != nil {
		return err
	}
	_, err = buf.Write(blob)

	return err
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if int(length) > r.Len() {
		return nil, fmt.Errorf("%w: truncated snapshot",
			ErrInvalidDescriptor)
	}

	blob := make([]byte, length)
	if _, err := r.Read(blob); err != nil {
		return nil, err
	}

	return blob, nil
}
