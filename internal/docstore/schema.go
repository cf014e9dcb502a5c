package docstore

import (
	"context"
	"database/sql"

	"github.com/steveyegge/docreplica/internal/revtree"
	"github.com/steveyegge/docreplica/internal/sqlexec"
)

// EnsureSchema creates every table the document store needs, matching the
// persisted state layout: docs, revs (owned by revtree), attachments,
// local_docs, and info (which carries local_seq).
func EnsureSchema(ctx context.Context, conn *sql.Conn) error {
	if err := revtree.EnsureSchema(ctx, conn); err != nil {
		return err
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS docs (doc_id TEXT PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			sequence       INTEGER NOT NULL,
			filename       TEXT NOT NULL,
			key            TEXT NOT NULL,
			type           TEXT,
			encoding       TEXT NOT NULL DEFAULT 'plain',
			length         INTEGER NOT NULL,
			encoded_length INTEGER NOT NULL,
			revpos         INTEGER NOT NULL,
			PRIMARY KEY (sequence, filename)
		)`,
		`CREATE TABLE IF NOT EXISTS local_docs (id TEXT PRIMARY KEY, json BLOB)`,
		`CREATE TABLE IF NOT EXISTS info (key TEXT PRIMARY KEY, value TEXT)`,
		`INSERT OR IGNORE INTO info (key, value) VALUES ('local_seq', '0')`,
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return sqlexec.Wrap("docstore: ensure schema", err)
		}
	}
	return nil
}
