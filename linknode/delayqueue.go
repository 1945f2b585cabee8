package linknode

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/packet"
)

// delayedPacket is one entry of the mixing delay queue.
type delayedPacket struct {
	emitAt     time.Time
	pkt        packet.RawPacket
	nextPeeler crypt.RelayFingerprint
}

// Less orders entries by emit deadline; ordering among equal deadlines is
// unspecified.
func (d *delayedPacket) Less(other queue.PriorityQueueItem) bool {
	return d.emitAt.Before(other.(*delayedPacket).emitAt)
}

// delayQueue re-emits peeled child packets at or after their deadline. A
// single timer goroutine pops due entries and hands them to the emit
// callback, which re-enters the peel engine.
type delayQueue struct {
	clock clock.Clock

	mu   sync.Mutex
	pq   queue.PriorityQueue
	wake chan struct{}
}

func newDelayQueue(clk clock.Clock) *delayQueue {
	return &delayQueue{
		clock: clk,
		wake:  make(chan struct{}, 1),
	}
}

// insert schedules a packet for emission at the given instant.
func (d *delayQueue) insert(pkt packet.RawPacket,
	nextPeeler crypt.RelayFingerprint, emitAt time.Time) {

	d.mu.Lock()
	d.pq.Push(&delayedPacket{
		emitAt:     emitAt,
		pkt:        pkt,
		nextPeeler: nextPeeler,
	})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// popDue removes and returns the next entry whose deadline has passed,
// together with the wait until the following deadline.
func (d *delayQueue) popDue(now time.Time) (*delayedPacket, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pq.Empty() {
		return nil, 0
	}

	head := d.pq.Top().(*delayedPacket)
	if head.emitAt.After(now) {
		return nil, head.emitAt.Sub(now)
	}
	d.pq.Pop()

	return head, 0
}

// run is the timer loop. emit is called inline for each due entry.
func (d *delayQueue) run(ctx context.Context,
	emit func(pkt packet.RawPacket, nextPeeler crypt.RelayFingerprint)) error {

	for {
		due, wait := d.popDue(d.clock.Now())
		if due != nil {
			emit(due.pkt, due.nextPeeler)
			continue
		}

		var timer <-chan time.Time
		if wait > 0 {
			timer = d.clock.TickAfter(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-timer:
		}
	}
}
