package linknode

import (
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/xtexChooser/earendil/config"
	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/link"
	"github.com/xtexChooser/earendil/linkstore"
	"github.com/xtexChooser/earendil/spider"
	"github.com/xtexChooser/earendil/topology"
)

// linkEntry is one registered neighbor session.
type linkEntry struct {
	link     *link.Link
	neighbor crypt.NeighborID

	// descriptor is the remote's identity descriptor, nil for clients.
	descriptor *topology.IdentityDescriptor
}

// linkTable is the concurrent registry of live links keyed by neighbor.
type linkTable struct {
	mu      sync.RWMutex
	entries map[crypt.NeighborID]*linkEntry
}

func newLinkTable() *linkTable {
	return &linkTable{
		entries: make(map[crypt.NeighborID]*linkEntry),
	}
}

func (t *linkTable) insert(entry *linkEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[entry.neighbor] = entry
}

// remove drops the entry for a neighbor, but only if it still maps to the
// given link; a replacement registered by a faster reconnect stays.
func (t *linkTable) remove(neighbor crypt.NeighborID, l *link.Link) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.entries[neighbor]; ok && entry.link == l {
		delete(t.entries, neighbor)
	}
}

func (t *linkTable) lookup(neighbor crypt.NeighborID) (*linkEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[neighbor]

	return entry, ok
}

func (t *linkTable) keys() []crypt.NeighborID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]crypt.NeighborID, 0, len(t.entries))
	for neighbor := range t.entries {
		keys = append(keys, neighbor)
	}

	return keys
}

// linkNodeCtx is the shared state threaded through every task of a link
// node. It replaces the original's process-wide context fields with one
// explicit value.
type linkNodeCtx struct {
	cfg   *config.Config
	myID  NodeIdentity
	clock clock.Clock

	// onionSK is this node's onion secret for peeling.
	onionSK *crypt.OnionPriv

	graph *topology.RelayGraph
	store *linkstore.Store

	links *linkTable

	relaySpider  *spider.Spider[crypt.RelayFingerprint, relayMsg]
	clientSpider *spider.Spider[crypt.ClientID, clientMsg]

	replay *replayCache
	debts  *debtLedger
	delays *delayQueue
	chats  *chatService
	stats  *statsGatherer
	surbs  *surbPool

	// incoming carries terminated messages to the facade. Deliveries
	// are non-blocking; a saturated application drops packets, the
	// overlay is lossy.
	incoming chan *IncomingMsg
}

// deliverIncoming hands a terminated message to the application without
// blocking the engine.
func (c *linkNodeCtx) deliverIncoming(msg *IncomingMsg) {
	select {
	case c.incoming <- msg:
		c.stats.incr(statIncomingDelivered, 1)
	default:
		c.stats.incr(statIncomingDropped, 1)
		log.Warnf("Incoming queue full, dropping message")
	}
}

// Stat keys gathered by the node.
const (
	statPacketsInbound    = "packets_inbound"
	statPacketsForwarded  = "packets_forwarded"
	statPacketsPeeled     = "packets_peeled"
	statPacketsReplayed   = "packets_replayed"
	statPacketsDropped    = "packets_dropped"
	statIncomingDelivered = "incoming_delivered"
	statIncomingDropped   = "incoming_dropped"
)
