package statestore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Snapshot persists the state store to a local SQLite file so a
// restarted node recovers /BPM, fader positions and the like without
// waiting on anti-entropy (spec §9 domain-stack item 2). It is an
// optimization layer, not the source of truth — the in-memory Store is.
type Snapshot struct {
	db *sql.DB
}

// OpenSnapshot opens (creating if needed) a snapshot database at path.
// Pass ":memory:" for an ephemeral, test-only snapshot.
func OpenSnapshot(path string) (*Snapshot, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("statestore: open snapshot db: %w", err)
	}
	snap := &Snapshot{db: db}
	if err := snap.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore: init snapshot schema: %w", err)
	}
	return snap, nil
}

func (s *Snapshot) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS state_entries (
			address        TEXT PRIMARY KEY,
			origin_node_id INTEGER NOT NULL,
			origin_msg_id  INTEGER NOT NULL,
			tick           INTEGER NOT NULL,
			tick_offset    REAL NOT NULL,
			payload_json   TEXT NOT NULL
		);
	`)
	return err
}

// Save upserts one state entry into the snapshot. Call this after every
// accepted write so the on-disk copy never falls far behind memory.
func (s *Snapshot) Save(address string, entry Entry) error {
	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("statestore: marshal payload for %s: %w", address, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO state_entries (address, origin_node_id, origin_msg_id, tick, tick_offset, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			origin_node_id = excluded.origin_node_id,
			origin_msg_id  = excluded.origin_msg_id,
			tick           = excluded.tick,
			tick_offset    = excluded.tick_offset,
			payload_json   = excluded.payload_json
	`, address, entry.OriginNodeID, entry.OriginMsgID, entry.Tick, entry.TickOffset, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("statestore: save %s: %w", address, err)
	}
	return nil
}

// LoadAll returns every persisted entry, keyed by address, for seeding
// a fresh Store at startup.
func (s *Snapshot) LoadAll() (map[string]Entry, error) {
	rows, err := s.db.Query(`SELECT address, origin_node_id, origin_msg_id, tick, tick_offset, payload_json FROM state_entries`)
	if err != nil {
		return nil, fmt.Errorf("statestore: load snapshot: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		var (
			address      string
			payloadJSON  string
			entry        Entry
		)
		if err := rows.Scan(&address, &entry.OriginNodeID, &entry.OriginMsgID, &entry.Tick, &entry.TickOffset, &payloadJSON); err != nil {
			return nil, fmt.Errorf("statestore: scan snapshot row: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &entry.Payload); err != nil {
			return nil, fmt.Errorf("statestore: unmarshal payload for %s: %w", address, err)
		}
		out[address] = entry
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Snapshot) Close() error {
	return s.db.Close()
}

// LoadInto seeds store with every entry found in the snapshot, without
// going through the normal acceptance rule — this is startup recovery,
// not a network write.
func LoadInto(store *Store, snap *Snapshot) error {
	entries, err := snap.LoadAll()
	if err != nil {
		return err
	}
	for address, entry := range entries {
		store.entries[address] = entry
	}
	return nil
}
