package linknode

import (
	"sync"
	"time"

	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// replayCacheSize caps the number of packet hashes remembered.
	replayCacheSize = 1_000_000

	// replayTTL is how long a hash keeps suppressing duplicates after
	// it was last seen. The
	// property to preserve is no false negatives within the window
	// under expected load.
	replayTTL = time.Hour
)

// replayStamp is when a hash was last seen.
type replayStamp struct {
	seenAt time.Time
}

// Size implements cache.Value; every entry costs one slot.
func (r *replayStamp) Size() (uint64, error) {
	return 1, nil
}

// replayCache is the PKTS_SEEN set: a bounded, TTL-stamped set of packet
// hashes. The check-and-insert is atomic, which is what makes the
// replay-then-debt ordering of the peel engine sound.
type replayCache struct {
	mu    sync.Mutex
	cache *lru.Cache[[32]byte, *replayStamp]
	clock clock.Clock
}

func newReplayCache(clk clock.Clock) *replayCache {
	return &replayCache{
		cache: lru.NewCache[[32]byte, *replayStamp](replayCacheSize),
		clock: clk,
	}
}

// seen atomically checks whether the hash was observed within the TTL and
// records it. The first call for a hash returns false; subsequent calls
// within the window return true, and each of them restarts the window.
func (r *replayCache) seen(hash [32]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if stamp, err := r.cache.Get(hash); err == nil {
		if now.Sub(stamp.seenAt) < replayTTL {
			stamp.seenAt = now
			return true
		}
	}

	_, _ = r.cache.Put(hash, &replayStamp{seenAt: now})

	return false
}
