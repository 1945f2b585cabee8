package linknode

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/xtexChooser/earendil/config"
	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/link"
	"github.com/xtexChooser/earendil/mux"
	"github.com/xtexChooser/earendil/topology"
)

const (
	// redialBackoff is the pause between reconnection attempts on an
	// out-route.
	redialBackoff = time.Second

	// gossipInterval is the per-link gossip tick.
	gossipInterval = time.Second
)

// linkManager dials out-routes, accepts in-routes, authenticates both and
// owns every live link's task group.
type linkManager struct {
	ctx      *linkNodeCtx
	gossiper *gossiper
}

func newLinkManager(ctx *linkNodeCtx) *linkManager {
	return &linkManager{
		ctx:      ctx,
		gossiper: newGossiper(ctx),
	}
}

// run starts one task per configured route and blocks until the context
// ends.
func (m *linkManager) run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	for name, route := range m.ctx.cfg.OutRoutes {
		name, route := name, route
		group.Go(func() error {
			return m.dialLoop(gctx, name, route)
		})
	}
	for name, route := range m.ctx.cfg.InRoutes {
		name, route := name, route
		group.Go(func() error {
			return m.listenLoop(gctx, name, route)
		})
	}

	return group.Wait()
}

// myAuthMsg builds this node's half of the handshake. Relays mint a fresh
// identity descriptor binding their current onion key.
func (m *linkManager) myAuthMsg() (*link.AuthMsg, error) {
	msg := &link.AuthMsg{
		ClientID:   m.ctx.myID.ClientID(),
		Descriptor: fn.None[*topology.IdentityDescriptor](),
	}

	if id, ok := m.ctx.myID.Relay(); ok {
		desc, err := topology.NewIdentityDescriptor(
			id, m.ctx.onionSK.Public(),
			uint64(m.ctx.clock.Now().Unix()),
		)
		if err != nil {
			return nil, err
		}
		msg.Descriptor = fn.Some(desc)
	}

	return msg, nil
}

// dialLoop keeps one out-route connected: dial, handshake, serve, and on
// any failure wait out the backoff and start over.
func (m *linkManager) dialLoop(ctx context.Context, name string,
	route config.OutRoute) error {

	expectedFp, err := crypt.RelayFingerprintFromString(route.Fingerprint)
	if err != nil {
		return fmt.Errorf("out_route %q: %w", name, err)
	}

	for {
		if err := m.dialOnce(ctx, route, expectedFp); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnf("Out-route %q to %v failed, redialling: %v",
				name, route.Connect, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctx.clock.TickAfter(redialBackoff):
		}
	}
}

func (m *linkManager) dialOnce(ctx context.Context, route config.OutRoute,
	expectedFp crypt.RelayFingerprint) error {

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", route.Connect)
	if err != nil {
		return err
	}
	if route.Obfs.Sosistab3 != "" {
		conn = link.WrapObfs(conn, route.Obfs.Sosistab3)
	}

	mine, err := m.myAuthMsg()
	if err != nil {
		_ = conn.Close()
		return err
	}

	remote, err := link.Handshake(conn, mine)
	if err != nil {
		_ = conn.Close()
		return err
	}

	// The dialled side of an out-route must present the pinned relay
	// identity.
	remoteDesc := descriptorOf(remote)
	if remoteDesc == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: out-route peer presented no "+
			"identity", link.ErrHandshakeFailed)
	}
	remoteFp, err := remoteDesc.Fingerprint()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if remoteFp != expectedFp {
		_ = conn.Close()
		return fmt.Errorf("%w: got %v, expected %v",
			link.ErrFingerprintMismatch, remoteFp, expectedFp)
	}

	l, err := link.NewDial(mux.New(conn, true))
	if err != nil {
		_ = conn.Close()
		return err
	}

	return m.manageLink(ctx, l, remote)
}

// listenLoop serves one in-route, spawning a session per accepted pipe.
func (m *linkManager) listenLoop(ctx context.Context, name string,
	route config.InRoute) error {

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", route.Listen)
	if err != nil {
		return fmt.Errorf("in_route %q: %w", name, err)
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	log.Infof("In-route %q listening on %v", name, listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		go func() {
			if err := m.serveInbound(ctx, conn, route); err != nil {
				log.Debugf("Inbound link from %v ended: %v",
					conn.RemoteAddr(), err)
			}
		}()
	}
}

func (m *linkManager) serveInbound(ctx context.Context, conn net.Conn,
	route config.InRoute) error {

	if route.Obfs.Sosistab3 != "" {
		conn = link.WrapObfs(conn, route.Obfs.Sosistab3)
	}

	mine, err := m.myAuthMsg()
	if err != nil {
		_ = conn.Close()
		return err
	}

	remote, err := link.Handshake(conn, mine)
	if err != nil {
		_ = conn.Close()
		return err
	}

	return m.manageLink(ctx, link.NewListen(mux.New(conn, false)), remote)
}

func descriptorOf(auth *link.AuthMsg) *topology.IdentityDescriptor {
	var desc *topology.IdentityDescriptor
	auth.Descriptor.WhenSome(func(d *topology.IdentityDescriptor) {
		desc = d
	})

	return desc
}

// manageLink owns one authenticated session: it registers the link,
// races its six tasks and tears everything down when the first fails.
func (m *linkManager) manageLink(ctx context.Context, l *link.Link,
	remote *link.AuthMsg) error {

	defer l.Close()

	remoteDesc := descriptorOf(remote)
	if remoteDesc != nil {
		if err := m.ctx.graph.InsertIdentity(remoteDesc); err != nil {
			return err
		}
	}

	neighbor, err := remote.RemoteNeighborID()
	if err != nil {
		return err
	}

	entry := &linkEntry{
		link:       l,
		neighbor:   neighbor,
		descriptor: remoteDesc,
	}
	m.ctx.links.insert(entry)
	defer m.ctx.links.remove(neighbor, l)

	log.Infof("Link up with %v", neighbor)
	defer log.Infof("Link down with %v", neighbor)

	client := link.NewClient(l)

	group, gctx := errgroup.WithContext(ctx)

	// Unstick blocking link I/O once any task fails.
	group.Go(func() error {
		<-gctx.Done()
		_ = l.Close()

		return gctx.Err()
	})

	// Outbound onion packets toward a relay neighbor.
	if remoteFp, ok := neighbor.Relay(); ok {
		group.Go(func() error {
			return m.drainRelaySpider(gctx, l, remoteFp)
		})
	}

	// Outbound reply bodies toward a client neighbor.
	if clientID, ok := neighbor.Client(); ok {
		group.Go(func() error {
			return m.drainClientSpider(gctx, l, clientID)
		})
	}

	// Inbound datagrams.
	group.Go(func() error {
		return m.recvLoop(gctx, l, neighbor)
	})

	// Serve the link RPC.
	group.Go(func() error {
		return l.ServeRPC(gctx, &linkProtocolImpl{
			ctx:            m.ctx,
			remoteNeighbor: neighbor,
		})
	})

	// Gossip tick.
	group.Go(func() error {
		return m.gossipLoop(gctx, client, neighbor)
	})

	// Chat outbox drain.
	group.Go(func() error {
		return m.chatLoop(gctx, client, neighbor)
	})

	return group.Wait()
}

func (m *linkManager) drainRelaySpider(ctx context.Context, l *link.Link,
	remoteFp crypt.RelayFingerprint) error {

	sub := m.ctx.relaySpider.Subscribe(remoteFp)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-sub.Chan():
			err := l.SendMsg(&link.Message{
				ToRelay: &link.ToRelay{
					Packet:     msg.pkt,
					NextPeeler: msg.nextPeeler,
				},
			})
			if err != nil {
				return err
			}
		}
	}
}

func (m *linkManager) drainClientSpider(ctx context.Context, l *link.Link,
	clientID crypt.ClientID) error {

	sub := m.ctx.clientSpider.Subscribe(clientID)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-sub.Chan():
			err := l.SendMsg(&link.Message{
				ToClient: &link.ToClient{
					Body: msg.body,
					RbID: msg.rbID,
				},
			})
			if err != nil {
				return err
			}
		}
	}
}

// recvLoop feeds inbound datagrams into the peel engine (relays) or the
// application (clients receiving reply bodies).
func (m *linkManager) recvLoop(ctx context.Context, l *link.Link,
	neighbor crypt.NeighborID) error {

	for {
		msg, err := l.RecvMsg()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case msg.ToRelay != nil:
			m.ctx.handleInboundPacket(
				neighbor, false, msg.ToRelay.NextPeeler,
				&msg.ToRelay.Packet,
			)

		case msg.ToClient != nil:
			// We are the endpoint of a reply that travelled
			// through one of our SURBs.
			m.ctx.deliverIncoming(&IncomingMsg{
				Backward: &IncomingBackward{
					RbID: msg.ToClient.RbID,
					Body: msg.ToClient.Body,
				},
			})
		}
	}
}

func (m *linkManager) gossipLoop(ctx context.Context, client *link.Client,
	neighbor crypt.NeighborID) error {

	var remoteFp *crypt.RelayFingerprint
	if fp, ok := neighbor.Relay(); ok {
		remoteFp = &fp
	}

	t := ticker.New(gossipInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-t.Ticks():
			err := m.gossiper.gossipOnce(ctx, client, remoteFp)
			if err != nil {
				// Gossip failures are not fatal to the
				// link; log and try again next tick.
				log.Debugf("Gossip with %v failed: %v",
					neighbor, err)
			}
		}
	}
}

func (m *linkManager) chatLoop(ctx context.Context, client *link.Client,
	neighbor crypt.NeighborID) error {

	for {
		lines, err := m.ctx.chats.waitUnsent(ctx, neighbor)
		if err != nil {
			return err
		}

		for i, line := range lines {
			if err := client.PushChat(ctx, line); err != nil {
				m.ctx.chats.requeue(neighbor, lines[i:])
				return err
			}
		}
	}
}
