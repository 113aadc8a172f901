package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/ports"
)

// SQLite implements ports.StorageAdapter for single-node and test
// deployments, using the same forge_kv table shape as Postgres but with
// SQLite's `?` placeholder style and an ordinary database/sql transaction
// (default options) in place of SELECT ... FOR UPDATE (SQLite has no row
// locks).
type SQLite struct {
	db    *sql.DB
	table string
}

// NewSQLite wraps db. table defaults to "forge_kv" when empty.
func NewSQLite(db *sql.DB, table string) *SQLite {
	if table == "" {
		table = "forge_kv"
	}
	return &SQLite{db: db, table: table}
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, int64, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT value, version FROM %s WHERE key = ?", s.table), key)
	var value []byte
	var version int64
	if err := row.Scan(&value, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, errs.New(errs.StorageNotFound, "storage: key not found: "+key)
		}
		return nil, 0, errs.Wrap(errs.Critical, "storage: get", err)
	}
	return value, version, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, errs.Wrap(errs.Critical, "storage: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion int64
	row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT version FROM %s WHERE key = ?", s.table), key)
	switch err := row.Scan(&currentVersion); {
	case errors.Is(err, sql.ErrNoRows):
		if expectedVersion != 0 {
			return 0, &ports.CASError{Key: key, Expected: expectedVersion, Actual: 0}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (key, value, version) VALUES (?, ?, 1)", s.table), key, value); err != nil {
			return 0, errs.Wrap(errs.Critical, "storage: insert", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, errs.Wrap(errs.Critical, "storage: commit", err)
		}
		return 1, nil
	case err != nil:
		return 0, errs.Wrap(errs.Critical, "storage: read row", err)
	}

	if currentVersion != expectedVersion {
		return 0, &ports.CASError{Key: key, Expected: expectedVersion, Actual: currentVersion}
	}

	newVersion := currentVersion + 1
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET value = ?, version = ? WHERE key = ?", s.table), value, newVersion, key); err != nil {
		return 0, errs.Wrap(errs.Critical, "storage: update", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.Critical, "storage: commit", err)
	}
	return newVersion, nil
}

func (s *SQLite) Delete(ctx context.Context, key string, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE key = ? AND version = ?", s.table), key, expectedVersion)
	if err != nil {
		return errs.Wrap(errs.Critical, "storage: delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.Critical, "storage: rows affected", err)
	}
	if n == 0 {
		return &ports.CASError{Key: key, Expected: expectedVersion}
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT key FROM %s WHERE key LIKE ? ORDER BY key", s.table), prefix+"%")
	if err != nil {
		return nil, errs.Wrap(errs.Critical, "storage: list", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errs.Wrap(errs.Critical, "storage: scan key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Schema is the DDL NewSQLite callers should execute once at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS forge_kv (
	key     TEXT PRIMARY KEY,
	value   BLOB NOT NULL,
	version INTEGER NOT NULL
);`
