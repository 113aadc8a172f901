package storage

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/ports"
)

func TestPostgres_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgres(db, "")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value, version FROM forge_kv WHERE key = $1")).
		WithArgs("mod/a/config").
		WillReturnRows(sqlmock.NewRows([]string{"value", "version"}))

	_, _, err = store.Get(context.Background(), "mod/a/config")
	require.Error(t, err)
	var ferr *errs.Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, errs.StorageNotFound, ferr.Kind)
}

func TestPostgres_Put_CreatesNewKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgres(db, "")
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM forge_kv WHERE key = $1 FOR UPDATE")).
		WithArgs("mod/a/config").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO forge_kv")).
		WithArgs("mod/a/config", []byte("v1")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	version, err := store.Put(context.Background(), "mod/a/config", []byte("v1"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Put_VersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgres(db, "")
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM forge_kv WHERE key = $1 FOR UPDATE")).
		WithArgs("mod/a/config").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))
	mock.ExpectRollback()

	_, err = store.Put(context.Background(), "mod/a/config", []byte("v2"), 2)
	require.Error(t, err)
	var cas *ports.CASError
	require.ErrorAs(t, err, &cas)
	assert.Equal(t, int64(2), cas.Expected)
	assert.Equal(t, int64(3), cas.Actual)
}

func TestPostgres_Delete_VersionMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgres(db, "")
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM forge_kv WHERE key = $1 AND version = $2")).
		WithArgs("mod/a/config", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Delete(context.Background(), "mod/a/config", 1)
	require.Error(t, err)
	var cas *ports.CASError
	require.ErrorAs(t, err, &cas)
	assert.Equal(t, int64(1), cas.Expected)
}
