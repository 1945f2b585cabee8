package linknode

import (
	"sync"

	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/packet"
)

// maxSurbsPerDest bounds the reply blocks pooled per anonymous
// destination.
const maxSurbsPerDest = 100

// surbPool stores reply blocks received from anonymous endpoints, keyed
// by the endpoint they reply to. Each pop hands out a block exactly once.
type surbPool struct {
	mu    sync.Mutex
	pools map[crypt.AnonEndpoint][]packet.Surb
}

func newSurbPool() *surbPool {
	return &surbPool{
		pools: make(map[crypt.AnonEndpoint][]packet.Surb),
	}
}

// insert adds reply blocks for an endpoint, dropping the oldest beyond
// the cap.
func (p *surbPool) insert(dest crypt.AnonEndpoint, surbs []packet.Surb) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool := append(p.pools[dest], surbs...)
	if len(pool) > maxSurbsPerDest {
		pool = pool[len(pool)-maxSurbsPerDest:]
	}
	p.pools[dest] = pool
}

// pop removes and returns one reply block for the endpoint.
func (p *surbPool) pop(dest crypt.AnonEndpoint) (packet.Surb, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool := p.pools[dest]
	if len(pool) == 0 {
		return packet.Surb{}, false
	}

	surb := pool[len(pool)-1]
	p.pools[dest] = pool[:len(pool)-1]

	return surb, true
}
