package sqlkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Dialect captures the statements that differ between drivers.
type Dialect struct {
	Name      string
	Schema    string
	SelectKey string
	Upsert    string
}

var (
	MySQL = Dialect{
		Name: "mysql",
		Schema: `
CREATE TABLE IF NOT EXISTS offline_kv (
  k VARCHAR(191) NOT NULL PRIMARY KEY,
  v LONGBLOB NOT NULL,
  update_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`,
		SelectKey: `SELECT v FROM offline_kv WHERE k = ? FOR UPDATE`,
		Upsert: `
INSERT INTO offline_kv (k, v) VALUES (?, ?)
ON DUPLICATE KEY UPDATE v = VALUES(v)`,
	}

	SQLite = Dialect{
		Name: "sqlite",
		Schema: `
CREATE TABLE IF NOT EXISTS offline_kv (
  k TEXT NOT NULL PRIMARY KEY,
  v BLOB NOT NULL,
  update_time INTEGER NOT NULL DEFAULT (strftime('%s','now'))
)`,
		SelectKey: `SELECT v FROM offline_kv WHERE k = ?`,
		Upsert: `
INSERT INTO offline_kv (k, v) VALUES (?, ?)
ON CONFLICT(k) DO UPDATE SET v = excluded.v, update_time = strftime('%s','now')`,
	}
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "mysql":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("sqlkv: unsupported driver %q", driver)
}

// Store is a KV over a single SQL table.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New creates the table when missing.
func New(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlkv: nil db")
	}
	if _, err := db.ExecContext(ctx, d.Schema); err != nil {
		return nil, fmt.Errorf("sqlkv: create schema: %w", err)
	}
	return &Store{db: db, dialect: d}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM offline_kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Upsert, key, nonNil(value))
	return err
}

func (s *Store) Update(ctx context.Context, key string, fn func(cur []byte, ok bool) ([]byte, error)) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur []byte
	ok := true
	err = tx.QueryRowContext(ctx, s.dialect.SelectKey, key).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		cur, ok = nil, false
	} else if err != nil {
		return nil, err
	}

	next, err := fn(cur, ok)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Upsert, key, nonNil(next)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
