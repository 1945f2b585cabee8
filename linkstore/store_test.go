package linkstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xtexChooser/earendil/crypt"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "link.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	return store, path
}

// TestChatHistoryPersistence tests that the chat log survives a reopen in
// exact order.
func TestChatHistoryPersistence(t *testing.T) {
	t.Parallel()

	store, path := openTestStore(t)
	neighbor := crypt.ClientNeighbor(42)

	entries := []ChatEntry{
		{Text: "hello", Timestamp: 100, IsOutgoing: true},
		{Text: "hi back", Timestamp: 101, IsOutgoing: false},
		{Text: "bye", Timestamp: 102, IsOutgoing: true},
	}
	for _, e := range entries {
		require.NoError(t, store.InsertChatEntry(neighbor, e))
	}

	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	history, err := reopened.GetChatHistory(neighbor)
	require.NoError(t, err)
	require.Equal(t, entries, history)
}

// TestChatSummary tests the latest-entry-and-count aggregation.
func TestChatSummary(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)

	alice := crypt.ClientNeighbor(1)
	bob := crypt.ClientNeighbor(2)

	require.NoError(t, store.InsertChatEntry(alice, ChatEntry{
		Text: "one", Timestamp: 100,
	}))
	require.NoError(t, store.InsertChatEntry(alice, ChatEntry{
		Text: "two", Timestamp: 101, IsOutgoing: true,
	}))
	require.NoError(t, store.InsertChatEntry(bob, ChatEntry{
		Text: "solo", Timestamp: 102,
	}))

	summary, err := store.GetChatSummary()
	require.NoError(t, err)
	require.Len(t, summary, 2)

	byNeighbor := make(map[string]ChatSummary)
	for _, s := range summary {
		byNeighbor[s.Neighbor.String()] = s
	}

	require.Equal(t, 2, byNeighbor[alice.String()].Count)
	require.Equal(t, "two", byNeighbor[alice.String()].Latest.Text)
	require.Equal(t, 1, byNeighbor[bob.String()].Count)
}

// TestDebtLedger tests that the balance is the running sum of deltas,
// defaulting to zero.
func TestDebtLedger(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	neighbor := crypt.ClientNeighbor(7)

	balance, err := store.GetDebt(neighbor)
	require.NoError(t, err)
	require.Zero(t, balance)

	for _, delta := range []int64{5, 3, -2} {
		require.NoError(t, store.InsertDebtEntry(neighbor, DebtEntry{
			Delta: delta, Timestamp: 100,
		}))
	}

	balance, err = store.GetDebt(neighbor)
	require.NoError(t, err)
	require.EqualValues(t, 6, balance)

	summary, err := store.GetDebtSummary()
	require.NoError(t, err)
	require.EqualValues(t, 6, summary[neighbor.String()])
}

// TestGetOrInsertMisc tests that the first write wins and later defaults
// are ignored.
func TestGetOrInsertMisc(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)

	got, err := store.GetOrInsertMisc("k", []byte("first"))
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)

	got, err = store.GetOrInsertMisc("k", []byte("second"))
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)

	// Plain upsert does replace.
	require.NoError(t, store.InsertMisc("k", []byte("third")))
	got, ok, err := store.GetMisc("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("third"), got)

	_, ok, err = store.GetMisc("absent")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestOttRedeem tests that a token redeems exactly once.
func TestOttRedeem(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)

	ott, err := store.NewOtt(100)
	require.NoError(t, err)
	require.NotEmpty(t, ott)

	ok, err := store.RedeemOtt(ott)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.RedeemOtt(ott)
	require.NoError(t, err)
	require.False(t, ok)
}
