package linknode

import (
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/linkstore"
)

// debtLedger tracks per-neighbor balances in micro-units. Positive means
// the neighbor owes us. Counters live in memory on the packet hot path;
// accumulated deltas are flushed to the store periodically and on
// shutdown.
type debtLedger struct {
	store *linkstore.Store
	clock clock.Clock
	limit int64

	mu        sync.Mutex
	balances  map[string]int64
	unflushed map[string]int64
	loaded    map[string]bool
}

func newDebtLedger(store *linkstore.Store, clk clock.Clock,
	limit int64) *debtLedger {

	return &debtLedger{
		store:     store,
		clock:     clk,
		limit:     limit,
		balances:  make(map[string]int64),
		unflushed: make(map[string]int64),
		loaded:    make(map[string]bool),
	}
}

// loadLocked lazily seeds a neighbor's balance from the store.
func (d *debtLedger) loadLocked(neighbor crypt.NeighborID) string {
	key := neighbor.String()
	if d.loaded[key] {
		return key
	}

	balance, err := d.store.GetDebt(neighbor)
	if err != nil {
		log.Warnf("Unable to load debt for %v: %v", neighbor, err)
		balance = 0
	}
	d.balances[key] = balance
	d.loaded[key] = true

	return key
}

// withinLimit reports whether the neighbor may send us another packet.
func (d *debtLedger) withinLimit(neighbor crypt.NeighborID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := d.loadLocked(neighbor)

	return d.balances[key] < d.limit
}

// incrIncoming charges the neighbor one unit for a packet it sent us.
func (d *debtLedger) incrIncoming(neighbor crypt.NeighborID) {
	d.add(neighbor, 1)
}

// incrOutgoing credits the neighbor one unit for a packet we sent it.
func (d *debtLedger) incrOutgoing(neighbor crypt.NeighborID) {
	d.add(neighbor, -1)
}

func (d *debtLedger) add(neighbor crypt.NeighborID, delta int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := d.loadLocked(neighbor)
	d.balances[key] += delta
	d.unflushed[key] += delta
}

// balance returns the current in-memory balance.
func (d *debtLedger) balance(neighbor crypt.NeighborID) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := d.loadLocked(neighbor)

	return d.balances[key]
}

// flush persists accumulated deltas as ledger entries.
func (d *debtLedger) flush() error {
	d.mu.Lock()
	pending := d.unflushed
	d.unflushed = make(map[string]int64)
	d.mu.Unlock()

	now := d.clock.Now().Unix()
	for key, delta := range pending {
		if delta == 0 {
			continue
		}

		neighbor, err := crypt.ParseNeighborID(key)
		if err != nil {
			return err
		}
		err = d.store.InsertDebtEntry(neighbor, linkstore.DebtEntry{
			Delta:     delta,
			Timestamp: now,
		})
		if err != nil {
			// Put the delta back so the next flush retries.
			d.mu.Lock()
			d.unflushed[key] += delta
			d.mu.Unlock()

			return err
		}
	}

	return nil
}
