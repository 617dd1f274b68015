package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultSecureStoreTable = "secure_store"

// PostgresStore keeps secrets in the secure_store table.
type PostgresStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// OpenPostgresStore opens dsn with the pgx driver and ensures the table exists.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres store: empty dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}
	store := NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an open database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, table: defaultSecureStoreTable, now: time.Now}
}

// Migrate creates the table when missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if p == nil || p.db == nil {
		return errors.New("postgres store: nil db")
	}
	_, err := p.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS secure_store (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	if p == nil || p.db == nil {
		return "", false, errors.New("postgres store: nil db")
	}
	row := p.db.QueryRowContext(ctx, `SELECT value FROM secure_store WHERE key = $1`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (p *PostgresStore) Set(ctx context.Context, key, value string) error {
	if p == nil || p.db == nil {
		return errors.New("postgres store: nil db")
	}
	_, err := p.db.ExecContext(ctx, `
INSERT INTO secure_store (key, value, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, p.now().UTC())
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if p == nil || p.db == nil {
		return errors.New("postgres store: nil db")
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM secure_store WHERE key = $1`, key)
	return err
}

// Close closes the underlying database.
func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
