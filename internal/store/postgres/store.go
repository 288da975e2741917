// Package postgres implements the state store on PostgreSQL via pgx. It
// backs the shared-server deployment of the sync service, where several
// devices mirror the same aggregate.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/micromarkets/engine/internal/domain"
)

// Config holds connection parameters. DSN wins when set; otherwise the
// discrete fields are assembled into one.
type Config struct {
	DSN      string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN builds a PostgreSQL connection string from the given config.
func DSN(cfg Config) string {
	if strings.TrimSpace(cfg.DSN) != "" {
		return cfg.DSN
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, port, cfg.Database, sslMode,
	)
}

// Store implements domain.StateStore on a pgx connection pool, keeping the
// aggregate as a single jsonb row.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and ensures the state table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	const createTable = `
		CREATE TABLE IF NOT EXISTS app_state (
			id         INT PRIMARY KEY CHECK (id = 1),
			state      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	if _, err := pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create app_state table: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Load returns the persisted aggregate, or ok=false when the row is absent.
func (s *Store) Load(ctx context.Context) (domain.State, bool, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM app_state WHERE id = 1`).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.State{}, false, nil
	}
	if err != nil {
		return domain.State{}, false, fmt.Errorf("postgres: load state: %w", err)
	}

	var state domain.State
	if err := json.Unmarshal(blob, &state); err != nil {
		return domain.State{}, false, fmt.Errorf("postgres: decode state: %w", err)
	}
	state.Normalize()
	return state, true, nil
}

// Save upserts the aggregate wholesale.
func (s *Store) Save(ctx context.Context, state domain.State) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("postgres: encode state: %w", err)
	}

	const query = `
		INSERT INTO app_state (id, state, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, blob); err != nil {
		return fmt.Errorf("postgres: save state: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
