package linknode

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"

	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/packet"
	"github.com/xtexChooser/earendil/topology"
)

// oneHopCloser picks, among the currently connected relay neighbors, the
// one whose shortest path to dest is strictly shortest, breaking ties by
// fingerprint order.
func (c *linkNodeCtx) oneHopCloser(
	dest crypt.RelayFingerprint) (crypt.RelayFingerprint, error) {

	neighbors := c.relaySpider.Keys()
	if len(neighbors) == 0 {
		return crypt.RelayFingerprint{}, ErrNoNeighbors
	}

	// Deterministic tie-break: consider neighbors in fingerprint
	// order, keep only a strictly shorter path.
	sort.Slice(neighbors, func(i, j int) bool {
		return neighbors[i].Less(neighbors[j])
	})

	var (
		nextHop  crypt.RelayFingerprint
		found    bool
		shortest = int(^uint(0) >> 1)
	)
	for _, neighbor := range neighbors {
		path, err := c.graph.FindShortestPath(neighbor, dest)
		if err != nil {
			continue
		}
		if len(path) < shortest {
			shortest = len(path)
			nextHop = neighbor
			found = true
		}
	}

	if !found {
		return crypt.RelayFingerprint{}, fmt.Errorf("%w: to %v",
			ErrNoRoute, dest)
	}

	return nextHop, nil
}

// forwardRouteTo produces a route [h1, ..., dest] whose first hop is a
// randomly chosen connected relay neighbor, whose consecutive nodes are
// graph-adjacent, and whose length stays within maxPeelers. Randomizing
// over eligible first hops is what buys unlinkability between the routes
// of successive sends.
func (c *linkNodeCtx) forwardRouteTo(dest crypt.RelayFingerprint,
	maxPeelers uint8) ([]crypt.RelayFingerprint, error) {

	neighbors := c.relaySpider.Keys()

	myFp, isRelay := c.myID.Fingerprint()

	candidates := make([]crypt.RelayFingerprint, 0, len(neighbors))
	for _, neighbor := range neighbors {
		if isRelay && neighbor == myFp {
			continue
		}
		candidates = append(candidates, neighbor)
	}
	if len(candidates) == 0 {
		return nil, ErrNoNeighbors
	}

	shuffle(candidates)

	for _, first := range candidates {
		path, err := c.graph.FindShortestPath(first, dest)
		if err != nil {
			continue
		}
		if len(path) > int(maxPeelers) {
			continue
		}

		return path, nil
	}

	return nil, fmt.Errorf("%w: to %v within %d peelers", ErrNoRoute,
		dest, maxPeelers)
}

// routeToInstructs converts a route into per-hop forward instructions:
// for each consecutive pair, the onion key of the peeler and the
// fingerprint it forwards to.
func (c *linkNodeCtx) routeToInstructs(
	route []crypt.RelayFingerprint) ([]packet.ForwardInstruction, error) {

	instructs := make([]packet.ForwardInstruction, 0, len(route)-1)
	for i := 0; i < len(route)-1; i++ {
		desc, ok := c.graph.Identity(route[i])
		if !ok {
			return nil, fmt.Errorf("%w: no identity for hop %v",
				topology.ErrUnknownIdentity, route[i])
		}

		instructs = append(instructs, packet.ForwardInstruction{
			ThisOnionPub:    desc.OnionPub,
			NextFingerprint: route[i+1],
		})
	}

	return instructs, nil
}

// onionPubOf looks up a relay's onion key.
func (c *linkNodeCtx) onionPubOf(
	fp crypt.RelayFingerprint) (crypt.OnionPub, error) {

	desc, ok := c.graph.Identity(fp)
	if !ok {
		return crypt.OnionPub{}, fmt.Errorf("%w: %v",
			topology.ErrUnknownIdentity, fp)
	}

	return desc.OnionPub, nil
}

// shuffle permutes the slice with CSPRNG-driven Fisher-Yates; route
// selection must not be predictable.
func shuffle(fps []crypt.RelayFingerprint) {
	for i := len(fps) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			panic(err)
		}
		fps[i], fps[j.Int64()] = fps[j.Int64()], fps[i]
	}
}
