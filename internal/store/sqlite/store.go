// Package sqlite persists the settlement aggregate as a JSON blob in a
// single-row SQLite table. It is the default local device store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/micromarkets/engine/internal/domain"
)

// Store implements domain.StateStore on a local SQLite database.
type Store struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath. An empty dbPath
// defaults to $TMPDIR/micromarkets/data.db.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "micromarkets", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("sqlite: set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("sqlite: create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS app_state (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			blob       TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`)
	return err
}

// Load returns the persisted aggregate, or ok=false when none has been
// saved yet.
func (s *Store) Load(ctx context.Context) (domain.State, bool, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM app_state WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.State{}, false, nil
	}
	if err != nil {
		return domain.State{}, false, fmt.Errorf("sqlite: load state: %w", err)
	}

	var state domain.State
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return domain.State{}, false, fmt.Errorf("sqlite: decode state: %w", err)
	}
	state.Normalize()
	return state, true, nil
}

// Save replaces the persisted aggregate wholesale.
func (s *Store) Save(ctx context.Context, state domain.State) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("sqlite: encode state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_state (id, blob, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		string(blob), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save state: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
