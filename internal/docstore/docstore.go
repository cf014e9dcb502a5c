// Package docstore implements the public document-store contract: revision
// CRUD, attachment binding, the monotonically increasing change feed, and
// synchronous event delivery. It composes the relational executor, blob
// store, and revision tree into the single transaction scope each operation
// requires.
package docstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/docreplica/internal/blobstore"
	"github.com/steveyegge/docreplica/internal/eventbus"
	"github.com/steveyegge/docreplica/internal/revtree"
	"github.com/steveyegge/docreplica/internal/sqlexec"
)

// DocumentRevision is the host-facing view of a revtree.Rev: the body is
// already unwrapped from its canonical-JSON storage form.
type DocumentRevision struct {
	DocID     string
	RevID     string
	Sequence  int64
	Deleted   bool
	Body      []byte
	Available bool
}

// Changes is the result of a change-feed query.
type Changes struct {
	LastSeq   int64
	Revisions []*DocumentRevision
}

// Store is the document store. It owns no connection pool of its own —
// every operation runs inside one sqlexec.Executor transaction.
type Store struct {
	ex    *sqlexec.Executor
	blobs *blobstore.Store
	bus   *eventbus.Bus
}

// Open wires an Executor, a Store, and an event Bus into a document store,
// ensuring the schema exists.
func Open(ctx context.Context, ex *sqlexec.Executor, blobs *blobstore.Store, bus *eventbus.Bus) (*Store, error) {
	if bus == nil {
		bus = eventbus.New()
	}
	s := &Store{ex: ex, blobs: blobs, bus: bus}
	err := ex.Transaction(ctx, func(conn *sql.Conn) error {
		return EnsureSchema(ctx, conn)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func toDocumentRevision(r *revtree.Rev) *DocumentRevision {
	return &DocumentRevision{
		DocID:     r.DocID,
		RevID:     r.RevID,
		Sequence:  r.Sequence,
		Deleted:   r.Deleted,
		Body:      r.JSON,
		Available: r.Available,
	}
}

// Create inserts generation 1 of doc_id. Fails ErrDocumentExists if a
// non-deleted revision already exists.
func (s *Store) Create(ctx context.Context, docID string, body []byte, attachments []AttachmentInput) (*DocumentRevision, error) {
	var out *DocumentRevision
	err := s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		leaves, err := revtree.Leaves(ctx, conn, docID)
		if err != nil {
			return err
		}
		if hasNonDeletedLeaf(leaves) {
			return fmt.Errorf("%w: %s", ErrDocumentExists, docID)
		}

		if _, err := conn.ExecContext(ctx, `INSERT OR IGNORE INTO docs (doc_id) VALUES (?)`, docID); err != nil {
			return sqlexec.Wrap("docstore: register doc", err)
		}

		rev, err := revtree.InsertChild(ctx, conn, docID, nil, body, false)
		if err != nil {
			return err
		}
		if err := insertAttachments(ctx, conn, s.blobs, rev.Sequence, rev.Generation(), attachments); err != nil {
			return err
		}
		if err := bumpLocalSeq(ctx, conn, rev.Sequence); err != nil {
			return err
		}
		out = toDocumentRevision(rev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, eventbus.EventDocumentCreated, out, nil)
	return out, nil
}

// Update inserts a child revision under parentRevID, which must currently
// be a leaf. Fails ErrConflict otherwise.
func (s *Store) Update(ctx context.Context, docID, parentRevID string, body []byte, attachments []AttachmentInput) (*DocumentRevision, error) {
	var out *DocumentRevision
	err := s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		parent, err := getLeafByRevID(ctx, conn, docID, parentRevID)
		if err != nil {
			return err
		}

		seq := parent.Sequence
		rev, err := revtree.InsertChild(ctx, conn, docID, &seq, body, false)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
		if err := insertAttachments(ctx, conn, s.blobs, rev.Sequence, rev.Generation(), attachments); err != nil {
			return err
		}
		if err := bumpLocalSeq(ctx, conn, rev.Sequence); err != nil {
			return err
		}
		out = toDocumentRevision(rev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, eventbus.EventDocumentUpdated, out, nil)
	return out, nil
}

// Delete inserts a deleted, empty-body child leaf under parentRevID.
func (s *Store) Delete(ctx context.Context, docID, parentRevID string) (*DocumentRevision, error) {
	var out *DocumentRevision
	err := s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		parent, err := getLeafByRevID(ctx, conn, docID, parentRevID)
		if err != nil {
			return err
		}

		seq := parent.Sequence
		rev, err := revtree.InsertChild(ctx, conn, docID, &seq, []byte(`{}`), true)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
		if err := bumpLocalSeq(ctx, conn, rev.Sequence); err != nil {
			return err
		}
		out = toDocumentRevision(rev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, eventbus.EventDocumentDeleted, out, nil)
	return out, nil
}

// Get returns the deterministic winning revision for docID.
func (s *Store) Get(ctx context.Context, docID string) (*DocumentRevision, error) {
	var out *DocumentRevision
	err := s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		w, err := revtree.Winner(ctx, conn, docID)
		if err != nil {
			return translateMissing(err)
		}
		out = toDocumentRevision(w)
		return nil
	})
	return out, err
}

// GetRev returns the exact revision named by (docID, revID).
func (s *Store) GetRev(ctx context.Context, docID, revID string) (*DocumentRevision, error) {
	var out *DocumentRevision
	err := s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		r, err := getByDocAndRev(ctx, conn, docID, revID)
		if err != nil {
			return translateMissing(err)
		}
		out = toDocumentRevision(r)
		return nil
	})
	return out, err
}

// Conflicts returns the non-winning current leaves of docID.
func (s *Store) Conflicts(ctx context.Context, docID string) ([]*DocumentRevision, error) {
	var out []*DocumentRevision
	err := s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		leaves, err := revtree.Leaves(ctx, conn, docID)
		if err != nil {
			return err
		}
		if len(leaves) == 0 {
			return fmt.Errorf("%w: %s", ErrDocumentMissing, docID)
		}
		winner, err := revtree.Winner(ctx, conn, docID)
		if err != nil {
			return translateMissing(err)
		}
		for _, l := range leaves {
			if l.RevID != winner.RevID {
				out = append(out, toDocumentRevision(l))
			}
		}
		return nil
	})
	return out, err
}

// ForceInsert splices a remote branch onto the local tree, bypassing the
// parent-must-be-leaf rule. This is the pull pipeline's only write path.
func (s *Store) ForceInsert(ctx context.Context, docID string, revIDs []string, body []byte, deleted bool, attachments []AttachmentInput) (*DocumentRevision, error) {
	var out *DocumentRevision
	err := s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `INSERT OR IGNORE INTO docs (doc_id) VALUES (?)`, docID); err != nil {
			return sqlexec.Wrap("docstore: register doc", err)
		}

		rev, err := revtree.InsertWithHistory(ctx, conn, docID, revIDs, body, deleted)
		if err != nil {
			return err
		}
		if rev.Available && len(attachments) > 0 {
			if err := insertAttachments(ctx, conn, s.blobs, rev.Sequence, rev.Generation(), attachments); err != nil {
				return err
			}
		}
		if err := bumpLocalSeq(ctx, conn, rev.Sequence); err != nil {
			return err
		}
		out = toDocumentRevision(rev)
		return nil
	})
	return out, err
}

// Changes selects the documents whose latest revision has a sequence
// strictly greater than since, ordered by that latest sequence, capped at
// limit (0 means no cap), one entry per document. Each entry is the
// document's *current* winner as of the query time, matching the
// replication protocol's changes-feed contract; the winner need not be the
// latest revision, so its own Sequence can be at or below since.
func (s *Store) Changes(ctx context.Context, since int64, limit int) (*Changes, error) {
	var out Changes
	err := s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		query := `
			SELECT doc_id FROM revs
			WHERE sequence > ? AND sequence = (SELECT MAX(sequence) FROM revs r2 WHERE r2.doc_id = revs.doc_id)
			ORDER BY sequence ASC
		`
		args := []interface{}{since}
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return sqlexec.Wrap("docstore: changes", err)
		}
		defer rows.Close()

		var docIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return sqlexec.Wrap("docstore: scan changed doc", err)
			}
			docIDs = append(docIDs, id)
		}
		if err := rows.Err(); err != nil {
			return sqlexec.Wrap("docstore: changes rows", err)
		}

		for _, id := range docIDs {
			w, err := revtree.Winner(ctx, conn, id)
			if err != nil {
				continue
			}
			if w.Sequence > out.LastSeq {
				out.LastSeq = w.Sequence
			}
			out.Revisions = append(out.Revisions, toDocumentRevision(w))
		}
		return nil
	})
	return &out, err
}

// History returns rev's ancestor chain (root rev_id first, rev itself
// last) and the attachments bound to rev — everything the push pipeline's
// bulk_docs builder needs to assemble one wire document with an explicit
// revision history.
func (s *Store) History(ctx context.Context, rev *DocumentRevision) (revIDs []string, attachments []*Attachment, err error) {
	err = s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		path, pErr := revtree.PathFromRoot(ctx, conn, rev.Sequence)
		if pErr != nil {
			return pErr
		}
		revIDs = make([]string, len(path))
		for i, r := range path {
			revIDs[i] = r.RevID
		}
		a, aErr := AttachmentsFor(ctx, conn, &revtree.Rev{Sequence: rev.Sequence})
		attachments = a
		return aErr
	})
	return
}

// MissingRevs reports which of revIDs this store does not already hold for
// docID, in the order given. This is the pull pipeline's revs_diff: unlike
// the push side (where the remote is asked what it lacks), the target of a
// pull is the local store itself, so the diff is computed here rather than
// round-tripped to a peer.
func (s *Store) MissingRevs(ctx context.Context, docID string, revIDs []string) ([]string, error) {
	var out []string
	err := s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		for _, revID := range revIDs {
			if _, err := getByDocAndRev(ctx, conn, docID, revID); err != nil {
				out = append(out, revID)
			}
		}
		return nil
	})
	return out, err
}

// AttachmentsFor returns the attachments bound to rev.
func (s *Store) AttachmentsFor(ctx context.Context, rev *DocumentRevision) ([]*Attachment, error) {
	var out []*Attachment
	err := s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		r := &revtree.Rev{Sequence: rev.Sequence}
		a, err := AttachmentsFor(ctx, conn, r)
		out = a
		return err
	})
	return out, err
}

// Blobs exposes the underlying blob store so callers can open attachment
// bodies opened via AttachmentsFor.
func (s *Store) Blobs() *blobstore.Store { return s.blobs }

// Bus exposes the event bus so the replicator can deliver its lifecycle
// events through the same subscription the document mutations use.
func (s *Store) Bus() *eventbus.Bus { return s.bus }

// Compact clears the bodies of non-leaf revisions deeper than depth below
// every leaf of docID, keeping the rev_id rows so replication history
// still lines up with peers.
func (s *Store) Compact(ctx context.Context, docID string, depth int) error {
	return s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		return revtree.Compact(ctx, conn, docID, depth)
	})
}

// GC removes every blob with zero references from the attachments table.
// It is safe to run concurrently with mutations: the set of
// referenced digests is read inside one transaction, then compared against
// the blob directory listing taken after that transaction commits, so a
// blob written by a revision that committed after the read is simply not
// yet eligible and survives to the next run rather than being removed.
func (s *Store) GC(ctx context.Context) ([]string, error) {
	referenced := map[string]bool{}
	err := s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT DISTINCT key FROM attachments`)
		if err != nil {
			return sqlexec.Wrap("docstore: gc scan referenced", err)
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return sqlexec.Wrap("docstore: gc scan row", err)
			}
			referenced[key] = true
		}
		return sqlexec.Wrap("docstore: gc scan rows", rows.Err())
	})
	if err != nil {
		return nil, err
	}

	digests, err := s.blobs.Digests()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, d := range digests {
		if referenced[d] {
			continue
		}
		if err := s.blobs.Remove(d); err != nil {
			return removed, err
		}
		removed = append(removed, d)
	}
	return removed, nil
}

// PutLocal writes a non-versioned local document (e.g. a cached
// replication checkpoint) under id.
func (s *Store) PutLocal(ctx context.Context, id string, json []byte) error {
	return s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO local_docs (id, json) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET json = excluded.json`,
			id, json)
		return sqlexec.Wrap("docstore: put local", err)
	})
}

// GetLocal reads a non-versioned local document.
func (s *Store) GetLocal(ctx context.Context, id string) ([]byte, error) {
	var out []byte
	err := s.ex.Transaction(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT json FROM local_docs WHERE id = ?`, id)
		err := row.Scan(&out)
		if err != nil {
			return sqlexec.Wrap("docstore: get local", err)
		}
		return nil
	})
	return out, err
}

// Subscribe registers h to receive synchronous delivery of document and
// replication events on the goroutine that completed the mutation.
func (s *Store) Subscribe(h eventbus.Handler) { s.bus.Register(h) }

// Unsubscribe removes a previously registered handler by ID.
func (s *Store) Unsubscribe(id string) bool { return s.bus.Unregister(id) }

func (s *Store) dispatch(ctx context.Context, t eventbus.EventType, rev *DocumentRevision, errVal error) {
	ev := &eventbus.Event{Type: t, DocID: rev.DocID, RevID: rev.RevID, Sequence: rev.Sequence, Deleted: rev.Deleted}
	if errVal != nil {
		ev.Err = errVal.Error()
	}
	_, _ = s.bus.Dispatch(ctx, ev)
}

func hasNonDeletedLeaf(leaves []*revtree.Rev) bool {
	for _, l := range leaves {
		if !l.Deleted {
			return true
		}
	}
	return false
}

func getLeafByRevID(ctx context.Context, conn *sql.Conn, docID, revID string) (*revtree.Rev, error) {
	leaves, err := revtree.Leaves(ctx, conn, docID)
	if err != nil {
		return nil, err
	}
	for _, l := range leaves {
		if l.RevID == revID {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is not a current leaf of %s", ErrConflict, revID, docID)
}

func getByDocAndRev(ctx context.Context, conn *sql.Conn, docID, revID string) (*revtree.Rev, error) {
	leaves, err := revtree.Leaves(ctx, conn, docID)
	if err == nil {
		for _, l := range leaves {
			if l.RevID == revID {
				return l, nil
			}
		}
	}
	// Fall through to a direct lookup for non-leaf (historical) revisions.
	return revtree.GetByDocAndRev(ctx, conn, docID, revID)
}

func bumpLocalSeq(ctx context.Context, conn *sql.Conn, sequence int64) error {
	_, err := conn.ExecContext(ctx,
		`UPDATE info SET value = ? WHERE key = 'local_seq' AND CAST(value AS INTEGER) < ?`,
		sequence, sequence)
	return sqlexec.Wrap("docstore: bump local_seq", err)
}

func translateMissing(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrDocumentMissing, err)
}
