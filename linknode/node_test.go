package linknode

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtexChooser/earendil/config"
	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/packet"
)

// freePort grabs an ephemeral localhost port.
func freePort(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	return addr
}

// startRelay boots a relay node listening on its own port, optionally
// dialling other relays.
func startRelay(t *testing.T, name string,
	outRoutes map[string]config.OutRoute) (*LinkNode, string,
	crypt.RelayFingerprint) {

	t.Helper()

	dir := t.TempDir()
	identityPath := filepath.Join(dir, "identity")

	id, err := crypt.ReadIdentityFile(identityPath)
	require.NoError(t, err)

	listenAddr := freePort(t)
	cfg := &config.Config{
		Identity: identityPath,
		DBPath:   filepath.Join(dir, name+".db"),
		InRoutes: map[string]config.InRoute{
			"main": {Listen: listenAddr},
		},
		OutRoutes: outRoutes,
	}
	require.NoError(t, cfg.Validate())
	cfg.Privacy = config.PrivacyConfig{MaxPeelers: 5, MaxHopDelayMs: 10}
	cfg.DebtLimit = config.DefaultDebtLimit

	node, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(node.Stop)

	return node, listenAddr, id.Fingerprint()
}

// startClient boots a client node dialling the given relays.
func startClient(t *testing.T,
	outRoutes map[string]config.OutRoute) *LinkNode {

	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{
		DBPath:    filepath.Join(dir, "client.db"),
		OutRoutes: outRoutes,
		Privacy: config.PrivacyConfig{
			MaxPeelers:    5,
			MaxHopDelayMs: 10,
		},
		DebtLimit: config.DefaultDebtLimit,
	}

	node, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(node.Stop)

	return node
}

func outRoute(addr string, fp crypt.RelayFingerprint) config.OutRoute {
	return config.OutRoute{Connect: addr, Fingerprint: fp.String()}
}

// TestEndToEnd boots two relays and a client on localhost and exercises
// link bring-up, gossip convergence, an origin forward send, a SURB
// round trip and neighbor chat.
func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network end-to-end test in short mode")
	}

	r1, r1Addr, r1Fp := startRelay(t, "r1", nil)
	r2, _, r2Fp := startRelay(t, "r2", map[string]config.OutRoute{
		"r1": outRoute(r1Addr, r1Fp),
	})
	client := startClient(t, map[string]config.OutRoute{
		"r1": outRoute(r1Addr, r1Fp),
	})

	// Links come up and the adjacency between the relays propagates to
	// everybody through gossip.
	require.Eventually(t, func() bool {
		return len(r1.AllNeighs()) >= 2
	}, 15*time.Second, 100*time.Millisecond,
		"relay 1 never saw both neighbors")

	for _, node := range []*LinkNode{r1, r2, client} {
		require.Eventually(t, func() bool {
			left, right := r1Fp, r2Fp
			if right.Less(left) {
				left, right = right, left
			}

			return node.RelayGraph().IsAdjacent(left, right)
		}, 30*time.Second, 200*time.Millisecond,
			"adjacency never propagated")
	}

	// Exactly one orientation of the adjacency exists, ordered.
	adjs := r1.RelayGraph().Adjacencies(r1Fp)
	require.Len(t, adjs, 1)
	require.True(t, adjs[0].Left.Less(adjs[0].Right))

	// A forward message from the client terminates at relay 2.
	recvCtx, recvCancel := context.WithCancel(context.Background())
	defer recvCancel()

	forwards := make(chan *IncomingMsg, 16)
	go func() {
		for {
			msg, err := r2.Recv(recvCtx)
			if err != nil {
				return
			}
			forwards <- msg
		}
	}()

	src := crypt.NewAnonEndpoint(7)
	var got *IncomingMsg
	require.Eventually(t, func() bool {
		err := client.SendForward(
			packet.NewMessagePacket(1, 2, []byte("hi")),
			src, r2Fp,
		)
		if err != nil {
			return false
		}

		select {
		case got = <-forwards:
			return true
		case <-time.After(2 * time.Second):
			return false
		}
	}, 30*time.Second, 100*time.Millisecond,
		"forward message never arrived at relay 2")

	require.NotNil(t, got.Forward)
	require.Equal(t, []byte("hi"), got.Forward.Body.Message.Body)
	gotSrc, ok := got.Forward.From.Anon()
	require.True(t, ok)
	require.Equal(t, src, gotSrc)

	// SURB round trip: the client issues a reply block anchored at its
	// out-route relay; relay 2 replies through it.
	surb, rbID, degarbler, err := client.NewSurb(src)
	require.NoError(t, err)

	backCtx, backCancel := context.WithTimeout(
		context.Background(), 15*time.Second,
	)
	defer backCancel()

	backs := make(chan *IncomingMsg, 1)
	go func() {
		for {
			msg, err := client.Recv(backCtx)
			if err != nil {
				return
			}
			if msg.Backward != nil {
				backs <- msg
				return
			}
		}
	}()

	require.NoError(t, r2.SendBackwards(
		surb, &packet.Message{SrcDock: 2, DstDock: 1,
			Body: []byte("pong")},
	))

	select {
	case msg := <-backs:
		require.Equal(t, rbID, msg.Backward.RbID)

		inner, replySrc, err := degarbler.Degarble(&msg.Backward.Body)
		require.NoError(t, err)
		require.Equal(t, []byte("pong"), inner.Message.Body)

		srcFp, ok := replySrc.Relay()
		require.True(t, ok)
		require.Equal(t, r2Fp, srcFp)

	case <-backCtx.Done():
		t.Fatal("backward message never arrived at the client")
	}

	// Chat: a line queued at the client shows up, persisted, at the
	// relay.
	require.NoError(t, client.SendChat(
		crypt.RelayNeighbor(r1Fp), "hello relay",
	))

	clientNeighbor := crypt.ClientNeighbor(client.MyID().ClientID())
	require.Eventually(t, func() bool {
		history, err := r1.GetChatHistory(clientNeighbor)
		if err != nil {
			return false
		}
		for _, entry := range history {
			if entry.Text == "hello relay" && !entry.IsOutgoing {
				return true
			}
		}

		return false
	}, 15*time.Second, 200*time.Millisecond,
		"chat line never reached the relay")

	// The client's own log records the line as outgoing.
	history, err := client.GetChatHistory(crypt.RelayNeighbor(r1Fp))
	require.NoError(t, err)
	require.NotEmpty(t, history)
	require.True(t, history[0].IsOutgoing)
}

// TestReconnect tests that an out-route re-dials after the remote dies
// and comes back under the same identity and address.
func TestReconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network end-to-end test in short mode")
	}

	dir := t.TempDir()
	identityPath := filepath.Join(dir, "identity")
	id, err := crypt.ReadIdentityFile(identityPath)
	require.NoError(t, err)
	fp := id.Fingerprint()

	listenAddr := freePort(t)
	relayCfg := func(dbName string) *config.Config {
		return &config.Config{
			Identity: identityPath,
			DBPath:   filepath.Join(dir, dbName),
			InRoutes: map[string]config.InRoute{
				"main": {Listen: listenAddr},
			},
			Privacy: config.PrivacyConfig{
				MaxPeelers:    5,
				MaxHopDelayMs: 10,
			},
			DebtLimit: config.DefaultDebtLimit,
		}
	}

	relay, err := New(relayCfg("relay1.db"))
	require.NoError(t, err)

	client := startClient(t, map[string]config.OutRoute{
		"r": outRoute(listenAddr, fp),
	})

	require.Eventually(t, func() bool {
		return len(client.AllNeighs()) == 1
	}, 15*time.Second, 100*time.Millisecond, "initial link never came up")

	// Kill the relay; the client's link drops.
	relay.Stop()
	require.Eventually(t, func() bool {
		return len(client.AllNeighs()) == 0
	}, 15*time.Second, 100*time.Millisecond, "link never dropped")

	// Same identity, same port, fresh process.
	relay, err = New(relayCfg("relay2.db"))
	require.NoError(t, err)
	t.Cleanup(relay.Stop)

	require.Eventually(t, func() bool {
		return len(client.AllNeighs()) == 1
	}, 15*time.Second, 100*time.Millisecond, "link never re-established")
}

// TestSendBackwardsRequiresRelay tests that clients cannot consume reply
// blocks.
func TestSendBackwardsRequiresRelay(t *testing.T) {
	t.Parallel()

	node := newTestNode(t, false, 1000)

	myFp := crypt.RelayFingerprint{}
	surb, _, _, err := packet.NewSurb(
		nil, myFp, crypt.GenerateOnion().Public(), 1,
		crypt.NewAnonEndpoint(1), packet.DefaultPrivacyConfig(),
	)
	require.NoError(t, err)

	facade := &LinkNode{
		ctx:        node.ctx,
		routeCache: make(map[routeKey]*cachedRoute),
		degarblers: make(map[uint64]*packet.ReplyDegarbler),
	}

	err = facade.SendBackwards(surb, &packet.Message{
		Body: []byte("x"),
	})
	require.ErrorIs(t, err, ErrNotRelay)
}
