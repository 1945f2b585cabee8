package linknode

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/link"
	"github.com/xtexChooser/earendil/topology"
)

// Version reported over the link protocol.
const Version = "0.1.0"

// linkProtocolImpl serves the link RPC for one neighbor session.
type linkProtocolImpl struct {
	ctx *linkNodeCtx

	// remoteNeighbor keys chat and debt records for this session.
	remoteNeighbor crypt.NeighborID
}

var _ link.Protocol = (*linkProtocolImpl)(nil)

// Info reports the node version.
func (p *linkProtocolImpl) Info(_ context.Context) (*link.InfoResponse,
	error) {

	return &link.InfoResponse{Version: Version}, nil
}

// Identity looks a relay up in the local graph.
func (p *linkProtocolImpl) Identity(_ context.Context,
	fp crypt.RelayFingerprint) (
	fn.Option[*topology.IdentityDescriptor], error) {

	desc, ok := p.ctx.graph.Identity(fp)
	if !ok {
		return fn.None[*topology.IdentityDescriptor](), nil
	}

	return fn.Some(desc), nil
}

// Adjacencies flat-maps the local adjacencies of the requested relays,
// deduplicated by endpoint pair.
func (p *linkProtocolImpl) Adjacencies(_ context.Context,
	fps []crypt.RelayFingerprint) (
	[]*topology.AdjacencyDescriptor, error) {

	type pair struct {
		left, right crypt.RelayFingerprint
	}
	seen := make(map[pair]struct{})

	var out []*topology.AdjacencyDescriptor
	for _, fp := range fps {
		for _, adj := range p.ctx.graph.Adjacencies(fp) {
			key := pair{left: adj.Left, right: adj.Right}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, adj)
		}
	}

	return out, nil
}

// SignAdjacency fills in the right-hand signature, but only for a
// half-signed edge where we are the right side and the left side is a
// currently connected relay neighbor. Anything else is refused without
// mutating state.
func (p *linkProtocolImpl) SignAdjacency(_ context.Context,
	adj *topology.AdjacencyDescriptor) (
	fn.Option[*topology.AdjacencyDescriptor], error) {

	none := fn.None[*topology.AdjacencyDescriptor]()

	myID, ok := p.ctx.myID.Relay()
	if !ok {
		return none, nil
	}
	myFp := myID.Fingerprint()

	valid := adj.Left.Less(adj.Right) &&
		adj.Right == myFp &&
		p.ctx.relaySpider.Contains(adj.Left)
	if !valid {
		log.Debugf("Refusing to sign adjacency %v-%v", adj.Left,
			adj.Right)

		return none, nil
	}

	signed, err := adj.SignedBytes()
	if err != nil {
		return none, err
	}
	adj.RightSig = myID.Sign(signed)

	if err := p.ctx.graph.InsertAdjacency(adj); err != nil {
		log.Warnf("Could not insert signed adjacency: %v", err)

		return none, nil
	}

	return fn.Some(adj), nil
}

// PushChat records an incoming chat line from the remote.
func (p *linkProtocolImpl) PushChat(_ context.Context, text string) error {
	return p.ctx.chats.recordIncoming(p.remoteNeighbor, text)
}

// StartSettlement is stubbed until the settlement subsystem is specified.
func (p *linkProtocolImpl) StartSettlement(_ context.Context,
	_ *link.SettlementRequest) (fn.Option[*link.SettlementResponse],
	error) {

	return fn.None[*link.SettlementResponse](), nil
}

// RequestSeed is stubbed until the settlement subsystem is specified.
func (p *linkProtocolImpl) RequestSeed(_ context.Context) (
	fn.Option[link.Seed], error) {

	return fn.None[link.Seed](), nil
}
