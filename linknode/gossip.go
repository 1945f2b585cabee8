package linknode

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/link"
	"github.com/xtexChooser/earendil/topology"
)

const (
	// gossipSampleSize is how many local fingerprints one sync round
	// asks a neighbor about.
	gossipSampleSize = 10

	// identityCacheSize bounds the recently-fetched identity cache.
	identityCacheSize = 10_000

	// identityCacheTTL is how long a fetched identity suppresses
	// re-fetching.
	identityCacheTTL = 60 * time.Second
)

// identityStamp marks a recent identity fetch.
type identityStamp struct {
	fetchedAt time.Time
}

// Size implements cache.Value.
func (i *identityStamp) Size() (uint64, error) {
	return 1, nil
}

// gossiper runs the per-link topology sync: identity fetch, left-side
// adjacency signing, and random-sample graph exchange.
type gossiper struct {
	ctx *linkNodeCtx

	mu            sync.Mutex
	identityCache *lru.Cache[crypt.RelayFingerprint, *identityStamp]
}

func newGossiper(ctx *linkNodeCtx) *gossiper {
	return &gossiper{
		ctx: ctx,
		identityCache: lru.NewCache[crypt.RelayFingerprint,
			*identityStamp](identityCacheSize),
	}
}

// gossipOnce runs one gossip round against a neighbor. remoteFp is set
// when the remote is a relay.
func (g *gossiper) gossipOnce(ctx context.Context, client *link.Client,
	remoteFp *crypt.RelayFingerprint) error {

	if remoteFp != nil {
		if err := g.fetchIdentity(ctx, client, *remoteFp); err != nil {
			return err
		}
		if err := g.signAdjacency(ctx, client, *remoteFp); err != nil {
			return err
		}
	}

	return g.gossipGraph(ctx, client)
}

// fetchIdentity asks the neighbor for its own identity descriptor and
// inserts it.
func (g *gossiper) fetchIdentity(ctx context.Context, client *link.Client,
	remoteFp crypt.RelayFingerprint) error {

	descOpt, err := client.Identity(ctx, remoteFp)
	if err != nil {
		return err
	}

	var insertErr error
	descOpt.WhenSome(func(desc *topology.IdentityDescriptor) {
		insertErr = g.ctx.graph.InsertIdentity(desc)
	})
	if descOpt.IsNone() {
		log.Debugf("Relay neighbor %v did not return its identity",
			remoteFp)
	}

	return insertErr
}

// signAdjacency initiates adjacency signing when we are the left side of
// the edge. The right side never initiates, so exactly one of the two
// relays drives each edge.
func (g *gossiper) signAdjacency(ctx context.Context, client *link.Client,
	remoteFp crypt.RelayFingerprint) error {

	myID, ok := g.ctx.myID.Relay()
	if !ok {
		return nil
	}

	myFp := myID.Fingerprint()
	if !myFp.Less(remoteFp) {
		return nil
	}

	halfSigned := &topology.AdjacencyDescriptor{
		Left:          myFp,
		Right:         remoteFp,
		UnixTimestamp: uint64(g.ctx.clock.Now().Unix()),
	}
	signed, err := halfSigned.SignedBytes()
	if err != nil {
		return err
	}
	halfSigned.LeftSig = myID.Sign(signed)

	completeOpt, err := client.SignAdjacency(ctx, halfSigned)
	if err != nil {
		return err
	}

	var insertErr error
	completeOpt.WhenSome(func(complete *topology.AdjacencyDescriptor) {
		insertErr = g.ctx.graph.InsertAdjacency(complete)
	})
	if completeOpt.IsNone() {
		log.Debugf("Relay %v refused to sign adjacency", remoteFp)
	}

	return insertErr
}

// gossipGraph asks the neighbor about adjacencies touching a random
// sample of locally known relays, fetching the endpoint identities we do
// not have fresh.
func (g *gossiper) gossipGraph(ctx context.Context,
	client *link.Client) error {

	sample := sampleFingerprints(g.ctx.graph.AllNodes(),
		gossipSampleSize)
	if len(sample) == 0 {
		return nil
	}

	adjacencies, err := client.Adjacencies(ctx, sample)
	if err != nil {
		return err
	}

	myFp, _ := g.ctx.myID.Fingerprint()

	for _, adj := range adjacencies {
		for _, endpoint := range []crypt.RelayFingerprint{
			adj.Left, adj.Right,
		} {
			if endpoint == myFp {
				continue
			}
			if g.recentlyFetched(endpoint) {
				continue
			}

			descOpt, err := client.Identity(ctx, endpoint)
			if err != nil {
				return err
			}
			descOpt.WhenSome(func(
				desc *topology.IdentityDescriptor) {

				if err := g.ctx.graph.InsertIdentity(
					desc,
				); err != nil {
					log.Debugf("Gossiped identity %v "+
						"rejected: %v", endpoint,
						err)
					return
				}
				g.markFetched(endpoint)
			})
		}

		if err := g.ctx.graph.InsertAdjacency(adj); err != nil {
			log.Debugf("Gossiped adjacency %v-%v rejected: %v",
				adj.Left, adj.Right, err)
		}
	}

	return nil
}

func (g *gossiper) recentlyFetched(fp crypt.RelayFingerprint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	stamp, err := g.identityCache.Get(fp)
	if err != nil {
		return false
	}

	return g.ctx.clock.Now().Sub(stamp.fetchedAt) < identityCacheTTL
}

func (g *gossiper) markFetched(fp crypt.RelayFingerprint) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, _ = g.identityCache.Put(fp, &identityStamp{
		fetchedAt: g.ctx.clock.Now(),
	})
}

// sampleFingerprints draws up to n distinct fingerprints.
func sampleFingerprints(fps []crypt.RelayFingerprint,
	n int) []crypt.RelayFingerprint {

	shuffled := append([]crypt.RelayFingerprint(nil), fps...)
	shuffle(shuffled)

	if len(shuffled) > n {
		shuffled = shuffled[:n]
	}

	return shuffled
}

// randIntn draws a uniform int in [0, n).
func randIntn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}

	return int(v.Int64())
}
