package linknode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtexChooser/earendil/crypt"
)

// TestChatOutbox tests that queued lines wake a waiting drainer and that
// requeued lines come back first.
func TestChatOutbox(t *testing.T) {
	t.Parallel()

	node := newTestNode(t, true, 1000)
	chats := node.ctx.chats
	neighbor := crypt.ClientNeighbor(42)

	// A waiter blocks until a line is queued.
	type result struct {
		lines []string
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		lines, err := chats.waitUnsent(ctx, neighbor)
		resCh <- result{lines: lines, err: err}
	}()

	require.NoError(t, chats.send(neighbor, "hello"))

	res := <-resCh
	require.NoError(t, res.err)
	require.Equal(t, []string{"hello"}, res.lines)

	// Requeued lines drain ahead of newly queued ones.
	chats.requeue(neighbor, []string{"hello"})
	require.NoError(t, chats.send(neighbor, "again"))

	ctx, cancel := context.WithTimeout(
		context.Background(), 5*time.Second,
	)
	defer cancel()
	lines, err := chats.waitUnsent(ctx, neighbor)
	require.NoError(t, err)
	require.Equal(t, []string{"hello", "again"}, lines)

	// Both sends were persisted as outgoing.
	history, err := node.ctx.store.GetChatHistory(neighbor)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, entry := range history {
		require.True(t, entry.IsOutgoing)
	}

	// A cancelled waiter unblocks with the context error.
	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = chats.waitUnsent(cancelled, neighbor)
	require.ErrorIs(t, err, context.Canceled)
}

// TestDebtLedgerFlush tests that in-memory deltas survive a flush and are
// visible through the store sum.
func TestDebtLedgerFlush(t *testing.T) {
	t.Parallel()

	node := newTestNode(t, true, 1000)
	debts := node.ctx.debts
	neighbor := crypt.ClientNeighbor(7)

	for i := 0; i < 3; i++ {
		debts.incrIncoming(neighbor)
	}
	debts.incrOutgoing(neighbor)

	require.EqualValues(t, 2, debts.balance(neighbor))
	require.NoError(t, debts.flush())

	stored, err := node.ctx.store.GetDebt(neighbor)
	require.NoError(t, err)
	require.EqualValues(t, 2, stored)

	// A second flush with nothing pending writes nothing new.
	require.NoError(t, debts.flush())
	stored, err = node.ctx.store.GetDebt(neighbor)
	require.NoError(t, err)
	require.EqualValues(t, 2, stored)

	// A fresh ledger over the same store picks the balance up.
	fresh := newDebtLedger(node.ctx.store, node.clock, 1000)
	require.EqualValues(t, 2, fresh.balance(neighbor))
}
