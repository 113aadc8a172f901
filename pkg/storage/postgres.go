// Package storage implements ports.StorageAdapter over PostgreSQL and
// SQLite, adapted from the teacher's core/pkg/budget.PostgresStorage
// (database/sql with driver-specific placeholder style, upsert-via-
// ON CONFLICT). Unlike budget's last-write-wins upsert, both adapters here
// must honor the compare-and-swap contract spec §6 requires: Put takes the
// version the caller last observed and fails with a conflict error if the
// stored row has moved on.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/kms"
	"github.com/mindburn-labs/forge/pkg/ports"
)

// Postgres implements ports.StorageAdapter backed by a single table:
//
//	CREATE TABLE forge_kv (
//	    key     TEXT PRIMARY KEY,
//	    value   BYTEA NOT NULL,
//	    version BIGINT NOT NULL
//	);
type Postgres struct {
	db    *sql.DB
	table string
}

// NewPostgres wraps db. table defaults to "forge_kv" when empty.
func NewPostgres(db *sql.DB, table string) *Postgres {
	if table == "" {
		table = "forge_kv"
	}
	return &Postgres{db: db, table: table}
}

// NewPostgresFromEncryptedDSN resolves sealedDSN (as produced by
// kms.Vault.Seal) and opens a connection with it, so a deployment's
// connection string never needs to live in plaintext config. The
// resolved DSN is discarded as soon as sql.Open has parsed it.
func NewPostgresFromEncryptedDSN(vault kms.DSNSealer, sealedDSN, table string) (*Postgres, error) {
	dsn, err := vault.ResolveDSN(sealedDSN)
	if err != nil {
		return nil, errs.Wrap(errs.Critical, "storage: resolve dsn", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Critical, "storage: open postgres", err)
	}
	return NewPostgres(db, table), nil
}

// DB returns the underlying connection pool, so a caller that built this
// Postgres through NewPostgresFromEncryptedDSN still owns its lifecycle
// (e.g. closing it on shutdown).
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, int64, error) {
	row := p.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT value, version FROM %s WHERE key = $1", p.table), key)
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

// Put performs an optimistic compare-and-swap. expectedVersion 0 means the
// key must not already exist; any other value must match the stored row's
// current version exactly, or the call fails with a *ports.CASError.
func (p *Postgres) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.Critical, "storage: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion int64
	row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT version FROM %s WHERE key = $1 FOR UPDATE", p.table), key)
	switch err := row.Scan(&currentVersion); {
	case errors.Is(err, sql.ErrNoRows):
		if expectedVersion != 0 {
			return 0, &ports.CASError{Key: key, Expected: expectedVersion, Actual: 0}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (key, value, version) VALUES ($1, $2, 1)", p.table), key, value); err != nil {
			return 0, errs.Wrap(errs.Critical, "storage: insert", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, errs.Wrap(errs.Critical, "storage: commit", err)
		}
		return 1, nil
	case err != nil:
		return 0, errs.Wrap(errs.Critical, "storage: lock row", err)
	}

	if currentVersion != expectedVersion {
		return 0, &ports.CASError{Key: key, Expected: expectedVersion, Actual: currentVersion}
	}

	newVersion := currentVersion + 1
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET value = $1, version = $2 WHERE key = $3", p.table), value, newVersion, key); err != nil {
		return 0, errs.Wrap(errs.Critical, "storage: update", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.Critical, "storage: commit", err)
	}
	return newVersion, nil
}

func (p *Postgres) Delete(ctx context.Context, key string, expectedVersion int64) error {
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE key = $1 AND version = $2", p.table), key, expectedVersion)
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

func (p *Postgres) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		fmt.Sprintf("SELECT key FROM %s WHERE key LIKE $1 ORDER BY key", p.table), prefix+"%")
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
