package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
    address            BIGINT PRIMARY KEY,
    name               TEXT NOT NULL DEFAULT '',
    family             TEXT NOT NULL DEFAULT 'Unknown',
    argus_sub_version  SMALLINT NOT NULL DEFAULT 0,
    firmware_version   TEXT NOT NULL DEFAULT '',
    nvm_version        BIGINT NOT NULL DEFAULT 0,
    setup_completed_at TIMESTAMPTZ,
    last_seen_at       TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transfers (
    id           UUID PRIMARY KEY,
    address      BIGINT NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    total        BIGINT NOT NULL DEFAULT 0,
    received     BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS transfers_address_idx ON transfers (address, started_at DESC);

CREATE TABLE IF NOT EXISTS device_events (
    id         UUID PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL,
    address    BIGINT NOT NULL,
    type       TEXT NOT NULL,
    state      TEXT NOT NULL DEFAULT '',
    details    JSONB
);
CREATE INDEX IF NOT EXISTS device_events_address_idx ON device_events (address, created_at DESC);
`

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// PostgresOptions tunes the connection pool
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore creates a new PostgreSQL store and applies the schema
func NewPostgresStore(ctx context.Context, dsn string, opts PostgresOptions) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *PostgresStore) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&PostgresStore{db: s.db, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// getDB returns tx if in transaction, otherwise db
func (s *PostgresStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if strings.Contains(err.Error(), "duplicate key") {
		return ErrDuplicateKey
	}
	return err
}
