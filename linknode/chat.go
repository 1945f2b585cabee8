package linknode

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/linkstore"
)

// chatService persists the per-neighbor chat log and keeps an in-memory
// outbox of outgoing lines a link manager has yet to push to the remote.
type chatService struct {
	store *linkstore.Store
	clock clock.Clock

	mu      sync.Mutex
	outbox  map[string][]string
	waiters map[string]chan struct{}
}

func newChatService(store *linkstore.Store, clk clock.Clock) *chatService {
	return &chatService{
		store:   store,
		clock:   clk,
		outbox:  make(map[string][]string),
		waiters: make(map[string]chan struct{}),
	}
}

// send persists an outgoing line and queues it for the neighbor's link.
func (c *chatService) send(neighbor crypt.NeighborID, text string) error {
	err := c.store.InsertChatEntry(neighbor, linkstore.ChatEntry{
		Text:       text,
		Timestamp:  c.clock.Now().Unix(),
		IsOutgoing: true,
	})
	if err != nil {
		return err
	}

	key := neighbor.String()

	c.mu.Lock()
	c.outbox[key] = append(c.outbox[key], text)
	waiter := c.waiters[key]
	c.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- struct{}{}:
		default:
		}
	}

	return nil
}

// recordIncoming persists a line pushed to us by a neighbor.
func (c *chatService) recordIncoming(neighbor crypt.NeighborID,
	text string) error {

	return c.store.InsertChatEntry(neighbor, linkstore.ChatEntry{
		Text:      text,
		Timestamp: c.clock.Now().Unix(),
	})
}

// waitUnsent blocks until the neighbor's outbox is non-empty, then drains
// and returns it.
func (c *chatService) waitUnsent(ctx context.Context,
	neighbor crypt.NeighborID) ([]string, error) {

	key := neighbor.String()

	for {
		c.mu.Lock()
		if pending := c.outbox[key]; len(pending) > 0 {
			delete(c.outbox, key)
			c.mu.Unlock()

			return pending, nil
		}

		waiter := c.waiters[key]
		if waiter == nil {
			waiter = make(chan struct{}, 1)
			c.waiters[key] = waiter
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waiter:
		}
	}
}

// requeue puts lines back at the front of the outbox after a failed push,
// so the next link attempt retries them.
func (c *chatService) requeue(neighbor crypt.NeighborID, lines []string) {
	key := neighbor.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.outbox[key] = append(append([]string(nil), lines...),
		c.outbox[key]...)
}
