package sqlexec

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *Executor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	ex, err := Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ex.Close() })

	err = ex.Transaction(context.Background(), func(conn *sql.Conn) error {
		_, err := conn.ExecContext(context.Background(), `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
		return err
	})
	require.NoError(t, err)
	return ex
}

func TestTransactionCommits(t *testing.T) {
	ex := openTestDB(t)

	err := ex.Transaction(context.Background(), func(conn *sql.Conn) error {
		_, err := conn.ExecContext(context.Background(), `INSERT INTO kv (k, v) VALUES (?, ?)`, "a", "1")
		return err
	})
	require.NoError(t, err)

	var v string
	row := ex.DB().QueryRow(`SELECT v FROM kv WHERE k = ?`, "a")
	require.NoError(t, row.Scan(&v))
	require.Equal(t, "1", v)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ex := openTestDB(t)

	err := ex.Transaction(context.Background(), func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(context.Background(), `INSERT INTO kv (k, v) VALUES (?, ?)`, "b", "1"); err != nil {
			return err
		}
		return sql.ErrConnDone // force a failure after the insert
	})
	require.Error(t, err)

	var count int
	row := ex.DB().QueryRow(`SELECT COUNT(*) FROM kv WHERE k = ?`, "b")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 0, count, "rollback must discard the insert")
}

func TestWrapConvertsNoRows(t *testing.T) {
	err := Wrap("get", sql.ErrNoRows)
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorIs(t, err, sql.ErrNoRows)
}
