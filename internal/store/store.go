package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite persistence layer for macrostep. One database holds
// both halves of the persisted state: the content store (blobs plus the
// batch journal) and the expansion index.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates all tables and indexes. Idempotent.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
-- Content store

CREATE TABLE IF NOT EXISTS blobs (
  id              INTEGER PRIMARY KEY,
  content         TEXT NOT NULL,
  content_hash    TEXT NOT NULL,
  updated_at      TIMESTAMP
);

-- Batch journal: a row exists from publish until every index entry of the
-- batch has been saved. Rows surviving a restart mark uncertain batches.

CREATE TABLE IF NOT EXISTS batches (
  id              TEXT PRIMARY KEY,
  started_at      TIMESTAMP
);

CREATE TABLE IF NOT EXISTS batch_blobs (
  batch_id        TEXT NOT NULL REFERENCES batches(id),
  blob_id         INTEGER NOT NULL,
  op              TEXT NOT NULL
);

-- Expansion index

CREATE TABLE IF NOT EXISTS expansions (
  invocation_id   TEXT PRIMARY KEY,
  module          TEXT NOT NULL,
  macro_path      TEXT NOT NULL,
  parent_id       TEXT,
  depth           INTEGER NOT NULL DEFAULT 0,
  call_hash       TEXT NOT NULL DEFAULT '',
  def_hash        TEXT NOT NULL DEFAULT '',
  blob_id         INTEGER,
  valid           BOOLEAN NOT NULL DEFAULT TRUE,
  updated_at      TIMESTAMP
);

CREATE TABLE IF NOT EXISTS metadata (
  key             TEXT PRIMARY KEY,
  value           TEXT
);

CREATE INDEX IF NOT EXISTS idx_expansions_depth ON expansions(depth);
CREATE INDEX IF NOT EXISTS idx_expansions_blob ON expansions(blob_id);
CREATE INDEX IF NOT EXISTS idx_expansions_parent ON expansions(parent_id);
CREATE INDEX IF NOT EXISTS idx_batch_blobs_batch ON batch_blobs(batch_id);
`

// GetMetadata returns the value stored under key, or "" if unset.
func (s *Store) GetMetadata(key string) (string, error) {
	var v sql.NullString
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %s: %w", key, err)
	}
	return v.String, nil
}

// SetMetadata upserts a metadata key.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

// Stats returns row counts for the CLI status command.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	for _, q := range []struct {
		sql string
		dst *int
	}{
		{"SELECT COUNT(*) FROM blobs", &st.Blobs},
		{"SELECT COUNT(*) FROM expansions", &st.Records},
		{"SELECT COUNT(*) FROM expansions WHERE blob_id IS NOT NULL AND valid", &st.Expanded},
		{"SELECT COUNT(*) FROM expansions WHERE NOT valid", &st.Invalid},
		{"SELECT COUNT(*) FROM batches", &st.PendingBatches},
		{"SELECT COALESCE(MAX(depth), 0) FROM expansions", &st.MaxDepth},
	} {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dst); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}
