// Package pgstore keeps encrypted history blobs and wrapped user keys in
// PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bdobrica/Hanashi/internal/hanashi/store"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// Store is a PostgreSQL-backed blob and key store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and creates the schema if needed.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hanashi_user_keys (
			user_id TEXT PRIMARY KEY,
			wrapped_key BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS hanashi_memory_blobs (
			user_id TEXT PRIMARY KEY,
			blob BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) loadBytes(ctx context.Context, query, userID string) ([]byte, bool, error) {
	var b []byte
	err := s.pool.QueryRow(ctx, query, userID).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// LoadBlob returns userID's history blob.
func (s *Store) LoadBlob(ctx context.Context, userID string) ([]byte, bool, error) {
	b, ok, err := s.loadBytes(ctx, `SELECT blob FROM hanashi_memory_blobs WHERE user_id = $1`, userID)
	if err != nil {
		return nil, false, fmt.Errorf("load blob for %s: %w", userID, err)
	}
	return b, ok, nil
}

// SaveBlob upserts userID's history blob.
func (s *Store) SaveBlob(ctx context.Context, userID string, blob []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hanashi_memory_blobs (user_id, blob, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at`,
		userID, blob,
	)
	if err != nil {
		return fmt.Errorf("save blob for %s: %w", userID, err)
	}
	return nil
}

// LoadWrappedKey returns userID's wrapped data key.
func (s *Store) LoadWrappedKey(ctx context.Context, userID string) ([]byte, bool, error) {
	b, ok, err := s.loadBytes(ctx, `SELECT wrapped_key FROM hanashi_user_keys WHERE user_id = $1`, userID)
	if err != nil {
		return nil, false, fmt.Errorf("load key for %s: %w", userID, err)
	}
	return b, ok, nil
}

// SaveWrappedKey stores userID's wrapped data key, or returns
// store.ErrKeyExists if one is already present.
func (s *Store) SaveWrappedKey(ctx context.Context, userID string, wrapped []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hanashi_user_keys (user_id, wrapped_key) VALUES ($1, $2)`,
		userID, wrapped,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return store.ErrKeyExists
	}
	if err != nil {
		return fmt.Errorf("save key for %s: %w", userID, err)
	}
	return nil
}
