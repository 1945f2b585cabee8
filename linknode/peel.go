package linknode

import (
	"fmt"
	"time"

	"lukechampine.com/blake3"

	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/packet"
	"github.com/xtexChooser/earendil/spider"
)

// handleInboundPacket runs the peel engine on one ToRelay datagram. from
// identifies the neighbor that handed us the packet; fromSelf marks
// locally injected packets (origin sends and delay-queue re-entries),
// which are exempt from debt accounting.
//
// The order is fixed: replay suppression, then debt, then forward-or-peel.
// The replay check-and-insert is atomic with respect to the debt
// mutation: a packet counted against debt always has its hash recorded.
func (c *linkNodeCtx) handleInboundPacket(from crypt.NeighborID,
	fromSelf bool, nextPeeler crypt.RelayFingerprint,
	pkt *packet.RawPacket) {

	if err := c.peelForward(from, fromSelf, nextPeeler, pkt); err != nil {
		c.stats.incr(statPacketsDropped, 1)
		log.Debugf("Dropping packet from %v: %v", from, err)
	}
}

func (c *linkNodeCtx) peelForward(from crypt.NeighborID, fromSelf bool,
	nextPeeler crypt.RelayFingerprint, pkt *packet.RawPacket) error {

	c.stats.incr(statPacketsInbound, 1)

	hash := blake3.Sum256(pkt[:])
	if c.replay.seen(hash) {
		c.stats.incr(statPacketsReplayed, 1)
		return fmt.Errorf("%w: %x", ErrReplayedPacket, hash[:8])
	}

	if !fromSelf {
		if !c.debts.withinLimit(from) {
			return fmt.Errorf("%w: %v", ErrDebtExceeded, from)
		}
		c.debts.incrIncoming(from)
	}

	myFp, isRelay := c.myID.Fingerprint()

	// Not the designated peeler (or a client, which never peels):
	// forward one hop closer.
	if !isRelay || nextPeeler != myFp {
		return c.forwardCloser(nextPeeler, pkt)
	}

	// We are the designated peeler.
	peeled, err := pkt.Peel(c.onionSK)
	if err != nil {
		return err
	}
	c.stats.incr(statPacketsPeeled, 1)

	switch {
	case peeled.Relay != nil:
		emitAt := c.clock.Now().Add(
			time.Duration(peeled.Relay.DelayMs) *
				time.Millisecond,
		)
		c.delays.insert(peeled.Relay.Pkt, peeled.Relay.NextPeeler,
			emitAt)

		return nil

	case peeled.Received != nil:
		c.handleReceived(peeled.Received)
		return nil

	case peeled.GarbledReply != nil:
		return c.handleGarbledReply(peeled.GarbledReply)

	default:
		return fmt.Errorf("%w: peel produced no variant",
			packet.ErrMalformedPacket)
	}
}

// forwardCloser relays a transit packet toward its peeler through the
// neighbor with the shortest remaining path.
func (c *linkNodeCtx) forwardCloser(nextPeeler crypt.RelayFingerprint,
	pkt *packet.RawPacket) error {

	nextHop, err := c.oneHopCloser(nextPeeler)
	if err != nil {
		return fmt.Errorf("no route toward peeler %v: %w",
			nextPeeler, err)
	}

	err = c.relaySpider.TrySend(nextHop, relayMsg{
		pkt:        *pkt,
		nextPeeler: nextPeeler,
	})
	if err != nil {
		return fmt.Errorf("spider send to %v: %w", nextHop, err)
	}

	c.debts.incrOutgoing(crypt.RelayNeighbor(nextHop))
	c.stats.incr(statPacketsForwarded, 1)

	return nil
}

// handleReceived terminates a forward packet: reply-block batches feed the
// anon-destinations pool, messages go to the application.
func (c *linkNodeCtx) handleReceived(recv *packet.PeeledReceived) {
	if recv.Inner.ReplyBlocks != nil {
		if anon, ok := recv.From.Anon(); ok {
			c.surbs.insert(anon, recv.Inner.ReplyBlocks)
			return
		}
		log.Debugf("Ignoring reply blocks from non-anonymous %v",
			recv.From)

		return
	}

	c.deliverIncoming(&IncomingMsg{
		Forward: &IncomingForward{
			From: recv.From,
			Body: recv.Inner,
		},
	})
}

// handleGarbledReply routes a reply body: client id zero means this relay
// issued the SURB, anything else names a neighboring client.
func (c *linkNodeCtx) handleGarbledReply(
	reply *packet.PeeledGarbledReply) error {

	if reply.ClientID == crypt.RelayClientID {
		c.deliverIncoming(&IncomingMsg{
			Backward: &IncomingBackward{
				RbID: reply.RbID,
				Body: reply.Body,
			},
		})

		return nil
	}

	err := c.clientSpider.TrySend(reply.ClientID, clientMsg{
		body: reply.Body,
		rbID: reply.RbID,
	})
	if err != nil {
		if err == spider.ErrNoSubscribers {
			log.Warnf("No link for client %d, dropping reply",
				reply.ClientID)
		}

		return err
	}

	return nil
}

// sendRaw dumps a locally built packet onto the network toward its
// designated peeler: handled in place when we are the peeler, otherwise
// handed to the neighbor one hop closer.
func (c *linkNodeCtx) sendRaw(pkt *packet.RawPacket,
	nextPeeler crypt.RelayFingerprint) error {

	if myFp, ok := c.myID.Fingerprint(); ok && nextPeeler == myFp {
		c.handleInboundPacket(
			c.selfNeighbor(), true, nextPeeler, pkt,
		)

		return nil
	}

	nextHop, err := c.oneHopCloser(nextPeeler)
	if err != nil {
		return err
	}

	err = c.relaySpider.Send(nextHop, relayMsg{
		pkt:        *pkt,
		nextPeeler: nextPeeler,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	c.debts.incrOutgoing(crypt.RelayNeighbor(nextHop))

	return nil
}

// selfNeighbor is the neighbor id packets injected by this node carry.
func (c *linkNodeCtx) selfNeighbor() crypt.NeighborID {
	if fp, ok := c.myID.Fingerprint(); ok {
		return crypt.RelayNeighbor(fp)
	}

	return crypt.ClientNeighbor(c.myID.ClientID())
}
