package linknode

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/xtexChooser/earendil/config"
	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/link"
	"github.com/xtexChooser/earendil/linkstore"
	"github.com/xtexChooser/earendil/packet"
	"github.com/xtexChooser/earendil/spider"
	"github.com/xtexChooser/earendil/topology"
)

const (
	// routeCacheTTL is how long an origin route is reused for a given
	// (source, destination) pair. A stale route within this window is
	// acceptable.
	routeCacheTTL = 10 * time.Second

	// graphSnapshotInterval is how often the relay graph is written to
	// the store.
	graphSnapshotInterval = 10 * time.Second

	// debtFlushInterval is how often accumulated debt deltas are
	// persisted.
	debtFlushInterval = 5 * time.Second

	// maxDegarblers bounds the pending reply degarbler registry.
	maxDegarblers = 65536
)

// LinkNode is the public surface of the forwarding core: origin sends,
// SURB issuance, terminated-message receive, chat, debts and stats.
type LinkNode struct {
	ctx     *linkNodeCtx
	manager *linkManager

	routeMu    sync.Mutex
	routeCache map[routeKey]*cachedRoute

	degarbleMu   sync.Mutex
	degarblers   map[uint64]*packet.ReplyDegarbler
	degarbleFIFO []uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

type routeKey struct {
	src  crypt.AnonEndpoint
	dest crypt.RelayFingerprint
}

type cachedRoute struct {
	route    []crypt.RelayFingerprint
	cachedAt time.Time
}

// New assembles a link node from its config and starts its background
// tasks: the link manager, the delay queue, the graph snapshotter and the
// debt flusher.
func New(cfg *config.Config) (*LinkNode, error) {
	return newWithClock(cfg, clock.NewDefaultClock())
}

func newWithClock(cfg *config.Config, clk clock.Clock) (*LinkNode, error) {
	store, err := linkstore.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	graph, err := loadGraph(store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	myID, err := loadIdentity(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	nodeCtx := &linkNodeCtx{
		cfg:          cfg,
		myID:         myID,
		clock:        clk,
		onionSK:      crypt.GenerateOnion(),
		graph:        graph,
		store:        store,
		links:        newLinkTable(),
		relaySpider:  spider.New[crypt.RelayFingerprint, relayMsg](),
		clientSpider: spider.New[crypt.ClientID, clientMsg](),
		replay:       newReplayCache(clk),
		delays:       newDelayQueue(clk),
		stats:        newStatsGatherer(clk),
		surbs:        newSurbPool(),
		incoming:     make(chan *IncomingMsg, 64),
	}
	nodeCtx.debts = newDebtLedger(store, clk, cfg.DebtLimit)
	nodeCtx.chats = newChatService(store, clk)

	// A relay serves its own identity over gossip, so seed the graph
	// with it.
	if id, ok := myID.Relay(); ok {
		desc, err := topology.NewIdentityDescriptor(
			id, nodeCtx.onionSK.Public(),
			uint64(clk.Now().Unix()),
		)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if err := graph.InsertIdentity(desc); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	node := &LinkNode{
		ctx:        nodeCtx,
		manager:    newLinkManager(nodeCtx),
		routeCache: make(map[routeKey]*cachedRoute),
		degarblers: make(map[uint64]*packet.ReplyDegarbler),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	node.cancel = cancel

	node.wg.Add(4)
	go func() {
		defer node.wg.Done()
		if err := node.manager.run(runCtx); err != nil &&
			runCtx.Err() == nil {

			log.Errorf("Link manager exited: %v", err)
		}
	}()
	go func() {
		defer node.wg.Done()
		_ = nodeCtx.delays.run(runCtx, func(pkt packet.RawPacket,
			nextPeeler crypt.RelayFingerprint) {

			nodeCtx.handleInboundPacket(
				nodeCtx.selfNeighbor(), true, nextPeeler,
				&pkt,
			)
		})
	}()
	go func() {
		defer node.wg.Done()
		node.snapshotLoop(runCtx)
	}()
	go func() {
		defer node.wg.Done()
		node.debtFlushLoop(runCtx)
	}()

	return node, nil
}

// loadGraph restores the persisted relay graph, starting empty when no
// usable snapshot exists.
func loadGraph(store *linkstore.Store) (*topology.RelayGraph, error) {
	snapshot, ok, err := store.GetMisc(linkstore.MiscKeyRelayGraph)
	if err != nil {
		return nil, err
	}
	if !ok {
		return topology.NewRelayGraph(), nil
	}

	graph, err := topology.UnmarshalGraph(snapshot)
	if err != nil {
		log.Warnf("Discarding unreadable relay-graph snapshot: %v",
			err)

		return topology.NewRelayGraph(), nil
	}

	return graph, nil
}

// loadIdentity resolves what this node is: a relay from its identity
// file, or a client with a persistent random nonzero id.
func loadIdentity(cfg *config.Config,
	store *linkstore.Store) (NodeIdentity, error) {

	if cfg.IsRelay() {
		id, err := crypt.ReadIdentityFile(cfg.Identity)
		if err != nil {
			return NodeIdentity{}, err
		}

		return RelayIdentity(id), nil
	}

	fresh := make([]byte, 8)
	for {
		if _, err := rand.Read(fresh); err != nil {
			return NodeIdentity{}, err
		}
		if binary.LittleEndian.Uint64(fresh) != 0 {
			break
		}
	}

	stored, err := store.GetOrInsertMisc(linkstore.MiscKeyClientID, fresh)
	if err != nil {
		return NodeIdentity{}, err
	}
	if len(stored) != 8 {
		return NodeIdentity{}, fmt.Errorf("corrupt %q value",
			linkstore.MiscKeyClientID)
	}

	return ClientIdentity(
		crypt.ClientID(binary.LittleEndian.Uint64(stored)),
	), nil
}

// Stop shuts the node down, flushing pending state.
func (n *LinkNode) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		n.wg.Wait()

		if err := n.ctx.debts.flush(); err != nil {
			log.Warnf("Final debt flush failed: %v", err)
		}
		n.snapshotGraph()

		if err := n.ctx.store.Close(); err != nil {
			log.Warnf("Closing store failed: %v", err)
		}
	})
}

func (n *LinkNode) snapshotLoop(ctx context.Context) {
	t := ticker.New(graphSnapshotInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Ticks():
			n.snapshotGraph()
		}
	}
}

func (n *LinkNode) snapshotGraph() {
	snapshot, err := n.ctx.graph.Marshal()
	if err != nil {
		log.Warnf("Marshalling relay graph failed: %v", err)
		return
	}
	err = n.ctx.store.InsertMisc(linkstore.MiscKeyRelayGraph, snapshot)
	if err != nil {
		log.Warnf("Saving relay graph failed: %v", err)
	}
}

func (n *LinkNode) debtFlushLoop(ctx context.Context) {
	t := ticker.New(debtFlushInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Ticks():
			if err := n.ctx.debts.flush(); err != nil {
				log.Warnf("Debt flush failed: %v", err)
			}
		}
	}
}

// cachedRouteTo returns the cached route for (src, dest) or computes and
// caches a fresh one.
func (n *LinkNode) cachedRouteTo(src crypt.AnonEndpoint,
	dest crypt.RelayFingerprint) ([]crypt.RelayFingerprint, error) {

	key := routeKey{src: src, dest: dest}
	now := n.ctx.clock.Now()

	n.routeMu.Lock()
	if entry, ok := n.routeCache[key]; ok {
		if now.Sub(entry.cachedAt) < routeCacheTTL {
			route := entry.route
			n.routeMu.Unlock()

			return route, nil
		}
		delete(n.routeCache, key)
	}
	n.routeMu.Unlock()

	route, err := n.ctx.forwardRouteTo(
		dest, n.ctx.cfg.Privacy.MaxPeelers,
	)
	if err != nil {
		return nil, err
	}
	log.Debugf("Route to %v: %v", dest, route)

	n.routeMu.Lock()
	n.routeCache[key] = &cachedRoute{route: route, cachedAt: now}
	n.routeMu.Unlock()

	return route, nil
}

// privacyConfig adapts the config file's privacy section.
func (n *LinkNode) privacyConfig() packet.PrivacyConfig {
	return packet.PrivacyConfig{
		MaxPeelers:    n.ctx.cfg.Privacy.MaxPeelers,
		MaxHopDelayMs: n.ctx.cfg.Privacy.MaxHopDelayMs,
	}
}

// SendForward sends a forward packet, either a message or a batch of
// reply blocks, from an anonymous source endpoint to a destination relay.
func (n *LinkNode) SendForward(inner *packet.InnerPacket,
	src crypt.AnonEndpoint, destRelay crypt.RelayFingerprint) error {

	route, err := n.cachedRouteTo(src, destRelay)
	if err != nil {
		return fmt.Errorf("failed to create forward route: %w", err)
	}

	instructs, err := n.ctx.routeToInstructs(route)
	if err != nil {
		return err
	}

	destOnionPub, err := n.ctx.onionPubOf(destRelay)
	if err != nil {
		return err
	}

	pkt, err := packet.NewNormal(
		instructs, destOnionPub, inner, crypt.RemoteAnon(src),
		n.privacyConfig(),
	)
	if err != nil {
		return err
	}

	return n.ctx.sendRaw(pkt, route[0])
}

// SendBackwards consumes a reply block. Only relays reply through SURBs.
func (n *LinkNode) SendBackwards(surb *packet.Surb,
	msg *packet.Message) error {

	myFp, ok := n.ctx.myID.Fingerprint()
	if !ok {
		return ErrNotRelay
	}

	pkt, err := packet.NewReply(
		surb, &packet.InnerPacket{Message: msg},
		crypt.RemoteRelay(myFp),
	)
	if err != nil {
		return err
	}

	return n.ctx.sendRaw(pkt, surb.FirstPeeler)
}

// NewSurb issues a reply block whose replies terminate at this node's
// anonymous endpoint. The degarbler is also retained in a bounded
// registry keyed by the reply block id.
func (n *LinkNode) NewSurb(myAnon crypt.AnonEndpoint) (*packet.Surb,
	uint64, *packet.ReplyDegarbler, error) {

	destination, ok := n.ctx.myID.Fingerprint()
	if !ok {
		// Clients anchor their reply blocks at a random configured
		// out-route relay.
		fps := make([]crypt.RelayFingerprint, 0,
			len(n.ctx.cfg.OutRoutes))
		for _, route := range n.ctx.cfg.OutRoutes {
			fp, err := crypt.RelayFingerprintFromString(
				route.Fingerprint,
			)
			if err != nil {
				return nil, 0, nil, err
			}
			fps = append(fps, fp)
		}
		if len(fps) == 0 {
			return nil, 0, nil, fmt.Errorf("%w: no out routes",
				ErrNoRoute)
		}
		destination = fps[randIntn(len(fps))]
	}

	destOnionPub, err := n.ctx.onionPubOf(destination)
	if err != nil {
		return nil, 0, nil, err
	}

	reverseRoute, err := n.ctx.forwardRouteTo(
		destination, n.ctx.cfg.Privacy.MaxPeelers,
	)
	if err != nil {
		return nil, 0, nil, err
	}

	reverseInstructs, err := n.ctx.routeToInstructs(reverseRoute)
	if err != nil {
		return nil, 0, nil, err
	}

	surb, rbID, degarbler, err := packet.NewSurb(
		reverseInstructs, reverseRoute[0], destOnionPub,
		n.ctx.myID.ClientID(), myAnon, n.privacyConfig(),
	)
	if err != nil {
		return nil, 0, nil, err
	}

	n.storeDegarbler(rbID, degarbler)

	return surb, rbID, degarbler, nil
}

func (n *LinkNode) storeDegarbler(rbID uint64,
	degarbler *packet.ReplyDegarbler) {

	n.degarbleMu.Lock()
	defer n.degarbleMu.Unlock()

	n.degarblers[rbID] = degarbler
	n.degarbleFIFO = append(n.degarbleFIFO, rbID)

	for len(n.degarbleFIFO) > maxDegarblers {
		oldest := n.degarbleFIFO[0]
		n.degarbleFIFO = n.degarbleFIFO[1:]
		delete(n.degarblers, oldest)
	}
}

// Degarbler fetches and removes the degarbler for a reply block id.
// Removal enforces single use.
func (n *LinkNode) Degarbler(rbID uint64) (*packet.ReplyDegarbler, bool) {
	n.degarbleMu.Lock()
	defer n.degarbleMu.Unlock()

	degarbler, ok := n.degarblers[rbID]
	if ok {
		delete(n.degarblers, rbID)
	}

	return degarbler, ok
}

// PopStoredSurb takes one pooled reply block previously received from the
// given anonymous endpoint.
func (n *LinkNode) PopStoredSurb(
	dest crypt.AnonEndpoint) (packet.Surb, bool) {

	return n.ctx.surbs.pop(dest)
}

// Recv blocks until a message terminates at this node.
func (n *LinkNode) Recv(ctx context.Context) (*IncomingMsg, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-n.ctx.incoming:
		return msg, nil
	}
}

// AllRelays lists every relay in the graph.
func (n *LinkNode) AllRelays() []crypt.RelayFingerprint {
	return n.ctx.graph.AllNodes()
}

// AllNeighs lists every currently connected neighbor.
func (n *LinkNode) AllNeighs() []crypt.NeighborID {
	return n.ctx.links.keys()
}

// RelayGraph exposes the live relay graph.
func (n *LinkNode) RelayGraph() *topology.RelayGraph {
	return n.ctx.graph
}

// MyID returns this node's overlay identity.
func (n *LinkNode) MyID() NodeIdentity {
	return n.ctx.myID
}

// SendChat queues a chat line for a connected neighbor; the neighbor's
// link drains it over RPC.
func (n *LinkNode) SendChat(neighbor crypt.NeighborID, text string) error {
	if _, ok := n.ctx.links.lookup(neighbor); !ok {
		return fmt.Errorf("%w: %v", ErrNotConnected, neighbor)
	}

	return n.ctx.chats.send(neighbor, text)
}

// GetChatHistory returns the persisted conversation with a neighbor.
func (n *LinkNode) GetChatHistory(
	neighbor crypt.NeighborID) ([]linkstore.ChatEntry, error) {

	return n.ctx.store.GetChatHistory(neighbor)
}

// GetChatSummary returns the latest line and count per neighbor.
func (n *LinkNode) GetChatSummary() ([]linkstore.ChatSummary, error) {
	return n.ctx.store.GetChatSummary()
}

// GetDebt returns the current balance with a neighbor in micro-units.
func (n *LinkNode) GetDebt(neighbor crypt.NeighborID) int64 {
	return n.ctx.debts.balance(neighbor)
}

// GetDebtSummary returns the persisted balance per neighbor, after
// flushing pending deltas.
func (n *LinkNode) GetDebtSummary() (map[string]int64, error) {
	if err := n.ctx.debts.flush(); err != nil {
		return nil, err
	}

	return n.ctx.store.GetDebtSummary()
}

// TimeseriesStats returns the samples of a stats series within
// [start, end] unix seconds.
func (n *LinkNode) TimeseriesStats(key string, start,
	end int64) []StatPoint {

	return n.ctx.stats.get(key, start, end)
}

// LinkClientTo returns an RPC client on the live link to a neighbor.
func (n *LinkNode) LinkClientTo(
	neighbor crypt.NeighborID) (*link.Client, error) {

	entry, ok := n.ctx.links.lookup(neighbor)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, neighbor)
	}

	return link.NewClient(entry.link), nil
}
