// Package revtree implements the per-document revision tree: the relational
// "revs" table, deterministic winner selection, and the splicing operations
// a replicator's pull side needs to graft a remote branch onto a local tree
// without ever auto-merging the two.
package revtree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/steveyegge/docreplica/internal/canonicaljson"
	"github.com/steveyegge/docreplica/internal/sqlexec"
)

// ErrDocumentMissing is returned when an operation names a doc_id or
// sequence that has no matching row.
var ErrDocumentMissing = errors.New("revtree: document missing")

// ErrInvalidRevID is returned when a rev_id does not parse as
// "<generation>-<hash>".
var ErrInvalidRevID = errors.New("revtree: invalid rev id")

// Rev is one row of the revs table.
type Rev struct {
	Sequence       int64
	DocID          string
	RevID          string
	ParentSequence *int64
	Deleted        bool
	Current        bool
	JSON           []byte // canonical body JSON; nil/empty when Available is false
	Available      bool
}

// Generation returns the leading integer of RevID.
func (r *Rev) Generation() int {
	gen, _, _ := ParseRevID(r.RevID)
	return gen
}

// ParseRevID splits "<generation>-<hash>" into its parts.
func ParseRevID(revID string) (generation int, hash string, err error) {
	idx := strings.IndexByte(revID, '-')
	if idx <= 0 || idx == len(revID)-1 {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidRevID, revID)
	}
	gen, err := strconv.Atoi(revID[:idx])
	if err != nil || gen < 1 {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidRevID, revID)
	}
	return gen, revID[idx+1:], nil
}

// EnsureSchema creates the revs table if it does not already exist.
func EnsureSchema(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS revs (
			sequence        INTEGER PRIMARY KEY,
			doc_id          TEXT NOT NULL,
			rev_id          TEXT NOT NULL,
			parent_sequence INTEGER,
			deleted         INTEGER NOT NULL DEFAULT 0,
			current         INTEGER NOT NULL DEFAULT 1,
			json            BLOB,
			available       INTEGER NOT NULL DEFAULT 1,
			UNIQUE (doc_id, rev_id),
			CHECK (parent_sequence IS NULL OR parent_sequence < sequence)
		)
	`)
	if err != nil {
		return sqlexec.Wrap("revtree: ensure schema", err)
	}
	_, err = conn.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_revs_doc_id ON revs(doc_id)`)
	if err != nil {
		return sqlexec.Wrap("revtree: ensure schema index", err)
	}
	return nil
}

// InsertChild allocates a new sequence, computes its rev_id from the
// canonical body, the parent's rev_id, and the deleted flag, marks the
// parent non-current, and inserts the new current leaf. parentSequence may
// be nil only for a document's first revision (generation 1).
func InsertChild(ctx context.Context, conn *sql.Conn, docID string, parentSequence *int64, body []byte, deleted bool) (*Rev, error) {
	parentGen := 0
	parentRevID := ""
	if parentSequence != nil {
		parent, err := bySequence(ctx, conn, *parentSequence)
		if err != nil {
			return nil, err
		}
		if !parent.Current {
			return nil, fmt.Errorf("revtree: insert child: parent sequence %d is not a current leaf", *parentSequence)
		}
		parentGen = parent.Generation()
		parentRevID = parent.RevID
	}

	canonical, err := canonicaljson.MarshalRaw(body)
	if err != nil {
		return nil, fmt.Errorf("revtree: canonicalize body: %w", err)
	}
	hash := canonicaljson.RevisionHash(canonical, parentRevID, deleted)
	revID := fmt.Sprintf("%d-%s", parentGen+1, hash)

	if parentSequence != nil {
		if _, err := conn.ExecContext(ctx, `UPDATE revs SET current = 0 WHERE sequence = ?`, *parentSequence); err != nil {
			return nil, sqlexec.Wrap("revtree: demote parent", err)
		}
	}

	res, err := conn.ExecContext(ctx,
		`INSERT INTO revs (doc_id, rev_id, parent_sequence, deleted, current, json, available) VALUES (?, ?, ?, ?, 1, ?, 1)`,
		docID, revID, parentSequence, boolToInt(deleted), canonical)
	if err != nil {
		return nil, sqlexec.Wrap("revtree: insert child", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, sqlexec.Wrap("revtree: last insert id", err)
	}

	return &Rev{
		Sequence:       seq,
		DocID:          docID,
		RevID:          revID,
		ParentSequence: parentSequence,
		Deleted:        deleted,
		Current:        true,
		JSON:           canonical,
		Available:      true,
	}, nil
}

// InsertWithHistory splices a remote branch onto the local tree. revIDs is
// ordered oldest-ancestor-first through the leaf being inserted. Missing
// ancestors are created as unavailable stubs with no body. If the leaf
// already exists locally the call is a no-op and returns that existing row.
func InsertWithHistory(ctx context.Context, conn *sql.Conn, docID string, revIDs []string, body []byte, deleted bool) (*Rev, error) {
	if len(revIDs) == 0 {
		return nil, fmt.Errorf("revtree: insert with history: empty revision list")
	}

	leafRevID := revIDs[len(revIDs)-1]
	if existing, err := byDocAndRev(ctx, conn, docID, leafRevID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrDocumentMissing) {
		return nil, err
	}

	var parentSeq *int64
	for i, revID := range revIDs {
		isLeaf := i == len(revIDs)-1

		if existing, err := byDocAndRev(ctx, conn, docID, revID); err == nil {
			seq := existing.Sequence
			parentSeq = &seq
			continue
		} else if !errors.Is(err, ErrDocumentMissing) {
			return nil, err
		}

		var rowBody []byte
		available := false
		current := false
		rowDeleted := false
		if isLeaf {
			canonical, err := canonicaljson.MarshalRaw(body)
			if err != nil {
				return nil, fmt.Errorf("revtree: canonicalize body: %w", err)
			}
			rowBody = canonical
			available = true
			current = true
			rowDeleted = deleted
		}

		if parentSeq != nil {
			if _, err := conn.ExecContext(ctx, `UPDATE revs SET current = 0 WHERE sequence = ? AND current = 1`, *parentSeq); err != nil {
				return nil, sqlexec.Wrap("revtree: demote parent stub", err)
			}
		}

		res, err := conn.ExecContext(ctx,
			`INSERT INTO revs (doc_id, rev_id, parent_sequence, deleted, current, json, available) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			docID, revID, parentSeq, boolToInt(rowDeleted), boolToInt(current), rowBody, boolToInt(available))
		if err != nil {
			return nil, sqlexec.Wrap("revtree: insert ancestor stub", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, sqlexec.Wrap("revtree: last insert id", err)
		}
		parentSeq = &seq
	}

	return byDocAndRev(ctx, conn, docID, leafRevID)
}

// Leaves returns the current (leaf) revisions of a document.
func Leaves(ctx context.Context, conn *sql.Conn, docID string) ([]*Rev, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT sequence, doc_id, rev_id, parent_sequence, deleted, current, json, available FROM revs WHERE doc_id = ? AND current = 1`,
		docID)
	if err != nil {
		return nil, sqlexec.Wrap("revtree: leaves", err)
	}
	defer rows.Close()
	return scanRevs(rows)
}

// Winner selects the deterministic winning leaf per the tree's tie-break
// rule: among non-deleted leaves, highest generation, ties broken by the
// lexicographically greatest rev_id; if every leaf is deleted, the same
// rule applies among the deleted leaves and the document is deleted.
func Winner(ctx context.Context, conn *sql.Conn, docID string) (*Rev, error) {
	leaves, err := Leaves(ctx, conn, docID)
	if err != nil {
		return nil, err
	}
	if len(leaves) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDocumentMissing, docID)
	}

	live := filterLeaves(leaves, false)
	if len(live) > 0 {
		return pickWinner(live), nil
	}
	return pickWinner(filterLeaves(leaves, true)), nil
}

func filterLeaves(leaves []*Rev, deleted bool) []*Rev {
	var out []*Rev
	for _, r := range leaves {
		if r.Deleted == deleted {
			out = append(out, r)
		}
	}
	return out
}

// pickWinner applies the highest-generation, then greatest-rev_id ordering.
// Ties resolve to whichever candidate compares greater — left wins only if
// it actually outranks right, never on pure tie.
func pickWinner(candidates []*Rev) *Rev {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if isRevAfter(c, best) {
			best = c
		}
	}
	return best
}

// isRevAfter reports whether a outranks b under the winner rule.
func isRevAfter(a, b *Rev) bool {
	ag, bg := a.Generation(), b.Generation()
	if ag != bg {
		return ag > bg
	}
	return a.RevID > b.RevID
}

// PathFromRoot returns the ancestor chain for sequence, root first.
func PathFromRoot(ctx context.Context, conn *sql.Conn, sequence int64) ([]*Rev, error) {
	var chain []*Rev
	cur, err := bySequence(ctx, conn, sequence)
	if err != nil {
		return nil, err
	}
	for {
		chain = append([]*Rev{cur}, chain...)
		if cur.ParentSequence == nil {
			return chain, nil
		}
		cur, err = bySequence(ctx, conn, *cur.ParentSequence)
		if err != nil {
			return nil, err
		}
	}
}

// Compact removes non-leaf bodies deeper than depth generations below each
// leaf, keeping the rev_id rows themselves for protocol compatibility —
// only the json column is cleared and available is set to false.
func Compact(ctx context.Context, conn *sql.Conn, docID string, depth int) error {
	leaves, err := Leaves(ctx, conn, docID)
	if err != nil {
		return err
	}
	keep := make(map[int64]bool)
	for _, leaf := range leaves {
		path, err := PathFromRoot(ctx, conn, leaf.Sequence)
		if err != nil {
			return err
		}
		start := len(path) - 1 - depth
		if start < 0 {
			start = 0
		}
		for _, r := range path[start:] {
			keep[r.Sequence] = true
		}
	}

	rows, err := conn.QueryContext(ctx, `SELECT sequence FROM revs WHERE doc_id = ? AND current = 0`, docID)
	if err != nil {
		return sqlexec.Wrap("revtree: compact scan", err)
	}
	var toClear []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return sqlexec.Wrap("revtree: compact scan row", err)
		}
		if !keep[seq] {
			toClear = append(toClear, seq)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return sqlexec.Wrap("revtree: compact scan rows", err)
	}
	rows.Close()

	for _, seq := range toClear {
		if _, err := conn.ExecContext(ctx, `UPDATE revs SET json = NULL, available = 0 WHERE sequence = ?`, seq); err != nil {
			return sqlexec.Wrap("revtree: compact clear", err)
		}
	}
	return nil
}

// GetByDocAndRev looks up a specific revision by its exact rev_id, leaf or
// not.
func GetByDocAndRev(ctx context.Context, conn *sql.Conn, docID, revID string) (*Rev, error) {
	return byDocAndRev(ctx, conn, docID, revID)
}

func bySequence(ctx context.Context, conn *sql.Conn, sequence int64) (*Rev, error) {
	row := conn.QueryRowContext(ctx,
		`SELECT sequence, doc_id, rev_id, parent_sequence, deleted, current, json, available FROM revs WHERE sequence = ?`,
		sequence)
	return scanRev(row)
}

func byDocAndRev(ctx context.Context, conn *sql.Conn, docID, revID string) (*Rev, error) {
	row := conn.QueryRowContext(ctx,
		`SELECT sequence, doc_id, rev_id, parent_sequence, deleted, current, json, available FROM revs WHERE doc_id = ? AND rev_id = ?`,
		docID, revID)
	return scanRev(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRev(row rowScanner) (*Rev, error) {
	var r Rev
	var parentSeq sql.NullInt64
	var deleted, current, available int
	var json []byte
	if err := row.Scan(&r.Sequence, &r.DocID, &r.RevID, &parentSeq, &deleted, &current, &json, &available); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w", ErrDocumentMissing)
		}
		return nil, sqlexec.Wrap("revtree: scan", err)
	}
	if parentSeq.Valid {
		seq := parentSeq.Int64
		r.ParentSequence = &seq
	}
	r.Deleted = deleted != 0
	r.Current = current != 0
	r.Available = available != 0
	r.JSON = json
	return &r, nil
}

func scanRevs(rows *sql.Rows) ([]*Rev, error) {
	var out []*Rev
	for rows.Next() {
		r, err := scanRev(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlexec.Wrap("revtree: scan rows", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
