package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultTable = "client_kv"

// Postgres shares client state through a single table. Useful when several
// terminals act for the same kiosk account.
type Postgres struct {
	db    *sql.DB
	table string
}

// OpenPostgres opens a pool through the pgx stdlib driver.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(15 * time.Minute)
	return NewPostgres(db), nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, table: defaultTable}
}

func (p *Postgres) Close() error { return p.db.Close() }

// EnsureSchema creates the backing table when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`create table if not exists %s (
		key text primary key,
		value text not null,
		updated_at timestamptz not null default now()
	)`, p.table))
	if err != nil {
		return fmt.Errorf("kv: ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`select value from %s where key = $1`, p.table), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return value, true, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		insert into %s(key, value, updated_at) values ($1, $2, now())
		on conflict (key) do update set value = excluded.value, updated_at = excluded.updated_at
	`, p.table), key, value)
	if err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Clear(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where key = $1`, p.table), key); err != nil {
		return fmt.Errorf("kv: clear %s: %w", key, err)
	}
	return nil
}
