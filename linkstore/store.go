// Package linkstore persists the durable state of a link node: the chat
// log, the debt ledger, one-time tokens, and a small key-value area used
// for the client id and the relay-graph snapshot.
package linkstore

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/xtexChooser/earendil/crypt"
)

// MiscKeyClientID is the misc key holding the persisted client id as 8
// little-endian bytes.
const MiscKeyClientID = "my-client-id"

// MiscKeyRelayGraph is the misc key holding the relay-graph snapshot.
const MiscKeyRelayGraph = "relay-graph"

// Store is the embedded SQLite store.
type Store struct {
	db *sql.DB
}

// ChatEntry is one line of the per-neighbor chat log.
type ChatEntry struct {
	Text string

	// Timestamp is a unix timestamp.
	Timestamp int64

	IsOutgoing bool
}

// ChatSummary describes the latest state of one neighbor's conversation.
type ChatSummary struct {
	Neighbor crypt.NeighborID
	Latest   ChatEntry
	Count    int
}

// DebtEntry is one signed delta in the per-neighbor debt ledger, in
// micro-units.
type DebtEntry struct {
	Delta int64

	// Timestamp is a unix timestamp.
	Timestamp int64

	// Proof optionally carries a settlement proof.
	Proof sql.NullString
}

// Open opens or creates the store at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite handles one writer at a time; serialize through a single
	// connection instead of bouncing on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id INTEGER PRIMARY KEY,
		neighbor TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		text TEXT NOT NULL,
		is_outgoing BOOL NOT NULL);

	CREATE TABLE IF NOT EXISTS debts (
		id INTEGER PRIMARY KEY,
		neighbor TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		delta INTEGER NOT NULL,
		proof TEXT NULL);

	CREATE TABLE IF NOT EXISTS otts (
		ott TEXT NOT NULL,
		timestamp INTEGER NOT NULL);

	CREATE TABLE IF NOT EXISTS misc (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL);
	`
	_, err := s.db.Exec(schema)

	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertChatEntry appends one chat line against a neighbor.
func (s *Store) InsertChatEntry(neighbor crypt.NeighborID,
	entry ChatEntry) error {

	_, err := s.db.Exec(
		"INSERT INTO chats (neighbor, timestamp, text, is_outgoing) "+
			"VALUES (?, ?, ?, ?)",
		neighbor.String(), entry.Timestamp, entry.Text,
		entry.IsOutgoing,
	)

	return err
}

// GetChatHistory returns the full chat log with a neighbor, oldest first.
func (s *Store) GetChatHistory(
	neighbor crypt.NeighborID) ([]ChatEntry, error) {

	rows, err := s.db.Query(
		"SELECT timestamp, text, is_outgoing FROM chats "+
			"WHERE neighbor = ? ORDER BY id",
		neighbor.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ChatEntry
	for rows.Next() {
		var e ChatEntry
		if err := rows.Scan(
			&e.Timestamp, &e.Text, &e.IsOutgoing,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetChatSummary returns, for every neighbor with chat history, the latest
// entry and the total entry count.
func (s *Store) GetChatSummary() ([]ChatSummary, error) {
	rows, err := s.db.Query(`
		SELECT
			c.neighbor,
			c.timestamp,
			c.text,
			c.is_outgoing,
			count_subquery.count
		FROM
			chats c
		JOIN
			(SELECT neighbor, MAX(id) AS max_id, COUNT(*) AS count
			FROM chats
			GROUP BY neighbor) count_subquery
		ON
			c.neighbor = count_subquery.neighbor
			AND c.id = count_subquery.max_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []ChatSummary
	for rows.Next() {
		var (
			neighborStr string
			summary     ChatSummary
		)
		if err := rows.Scan(
			&neighborStr, &summary.Latest.Timestamp,
			&summary.Latest.Text, &summary.Latest.IsOutgoing,
			&summary.Count,
		); err != nil {
			return nil, err
		}

		neighbor, err := crypt.ParseNeighborID(neighborStr)
		if err != nil {
			return nil, err
		}
		summary.Neighbor = neighbor
		summaries = append(summaries, summary)
	}

	return summaries, rows.Err()
}

// InsertDebtEntry appends one delta to a neighbor's debt ledger.
func (s *Store) InsertDebtEntry(neighbor crypt.NeighborID,
	entry DebtEntry) error {

	_, err := s.db.Exec(
		"INSERT INTO debts (neighbor, timestamp, delta, proof) "+
			"VALUES (?, ?, ?, ?)",
		neighbor.String(), entry.Timestamp, entry.Delta, entry.Proof,
	)

	return err
}

// GetDebt returns the current debt balance with a neighbor: the sum of all
// recorded deltas, defaulting to zero.
func (s *Store) GetDebt(neighbor crypt.NeighborID) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRow(
		"SELECT SUM(delta) FROM debts WHERE neighbor = ?",
		neighbor.String(),
	).Scan(&sum)
	if err != nil {
		return 0, err
	}

	return sum.Int64, nil
}

// GetDebtSummary returns the debt balance of every neighbor with ledger
// entries, keyed by the neighbor's stable string form.
func (s *Store) GetDebtSummary() (map[string]int64, error) {
	rows, err := s.db.Query(
		"SELECT neighbor, SUM(delta) FROM debts GROUP BY neighbor",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := make(map[string]int64)
	for rows.Next() {
		var (
			neighbor string
			sum      int64
		)
		if err := rows.Scan(&neighbor, &sum); err != nil {
			return nil, err
		}
		summary[neighbor] = sum
	}

	return summary, rows.Err()
}

// InsertMisc upserts a misc value.
func (s *Store) InsertMisc(key string, value []byte) error {
	_, err := s.db.Exec(
		"INSERT INTO misc (key, value) VALUES (?, ?) "+
			"ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)

	return err
}

// GetMisc looks up a misc value; ok is false when the key is absent.
func (s *Store) GetMisc(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(
		"SELECT value FROM misc WHERE key = ?", key,
	).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}

	return value, true, nil
}

// GetOrInsertMisc atomically returns the stored value for key, inserting
// the given default first if the key is absent.
func (s *Store) GetOrInsertMisc(key string, value []byte) ([]byte, error) {
	_, err := s.db.Exec(
		"INSERT INTO misc (key, value) VALUES (?, ?) "+
			"ON CONFLICT(key) DO NOTHING",
		key, value,
	)
	if err != nil {
		return nil, err
	}

	stored, ok, err := s.GetMisc(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("misc key %q vanished", key)
	}

	return stored, nil
}

// NewOtt issues and records a fresh one-time token.
func (s *Store) NewOtt(timestamp int64) (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	ott := hex.EncodeToString(raw[:])

	_, err := s.db.Exec(
		"INSERT INTO otts (ott, timestamp) VALUES (?, ?)",
		ott, timestamp,
	)
	if err != nil {
		return "", err
	}

	return ott, nil
}

// RedeemOtt removes a token, reporting whether it existed.
func (s *Store) RedeemOtt(ott string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM otts WHERE ott = ?", ott)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}
