package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
    id TEXT PRIMARY KEY,
    sandbox_id TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON snapshots(timestamp);
`

// SQLiteStore is the local-disk Store backend: a single snapshots table in
// a WAL-mode SQLite file, for operators who want durability without an
// object-store dependency.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the snapshot database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlitestore: failed to create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: failed to open sqlite: %w", err)
	}

	if _, err := db.Exec(snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces a snapshot row keyed by ID.
func (s *SQLiteStore) Save(snapshot types.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO snapshots (id, sandbox_id, timestamp, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET sandbox_id = excluded.sandbox_id, timestamp = excluded.timestamp, payload = excluded.payload`,
		snapshot.ID, snapshot.SandboxID, snapshot.Timestamp.Format(sqliteTimeLayout), payload,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save %s: %w", snapshot.ID, err)
	}
	return nil
}

// Load returns the snapshot for id, or nil if it does not exist.
func (s *SQLiteStore) Load(id string) (*types.Snapshot, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM snapshots WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load %s: %w", id, err)
	}
	var snapshot types.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("sqlitestore: decode %s: %w", id, err)
	}
	return &snapshot, nil
}

// List returns all snapshots ordered by timestamp descending.
func (s *SQLiteStore) List() ([]types.Snapshot, error) {
	rows, err := s.db.Query(`SELECT payload FROM snapshots`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	var out []types.Snapshot
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlitestore: list scan: %w", err)
		}
		var snapshot types.Snapshot
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			return nil, fmt.Errorf("sqlitestore: list decode: %w", err)
		}
		out = append(out, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: list rows: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Delete removes a snapshot row, reporting whether it existed.
func (s *SQLiteStore) Delete(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("sqlitestore: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlitestore: rows affected: %w", err)
	}
	return n > 0, nil
}

// Exists reports whether id has a row.
func (s *SQLiteStore) Exists(id string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM snapshots WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("sqlitestore: exists %s: %w", id, err)
	}
	return count > 0, nil
}

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
