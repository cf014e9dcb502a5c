package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/steveyegge/docreplica/internal/blobstore"
	"github.com/steveyegge/docreplica/internal/revtree"
	"github.com/steveyegge/docreplica/internal/sqlexec"
)

// AttachmentInput describes an attachment to bind to a revision being
// inserted. Encoding "gzip" means Body carries the compressed wire form;
// it is decompressed on insert, so the blob store always holds plain bytes
// and the digest always covers them.
type AttachmentInput struct {
	Name        string
	ContentType string
	Encoding    string // "plain" or "gzip"
	Body        io.Reader
	Length      int64 // plain length; used only when Body is absent (KnownDigest)

	// KnownDigest, when set, names a digest the caller has already
	// confirmed is present in the blob store (e.g. a replication pull
	// where the peer stubbed an attachment out of atts_since because the
	// local store already holds it under an ancestor revision). Body is
	// ignored and no blob write happens; only the attachment row is
	// inserted, binding this revision to the existing blob.
	KnownDigest string
}

// Attachment is a stored attachment row joined with enough metadata to open
// its blob lazily.
type Attachment struct {
	Sequence      int64
	Name          string
	Digest        string
	ContentType   string
	Encoding      string
	Length        int64
	EncodedLength int64
	RevPos        int
}

func insertAttachments(ctx context.Context, conn *sql.Conn, blobs *blobstore.Store, sequence int64, revPos int, inputs []AttachmentInput) error {
	for _, in := range inputs {
		var digest string
		var length, encodedLength int64
		var err error
		switch {
		case in.KnownDigest != "":
			digest, length, encodedLength = in.KnownDigest, in.Length, in.Length
		case in.Encoding == "" || in.Encoding == "plain":
			digest, length, err = blobs.Put(ctx, in.Body)
			encodedLength = length
		case in.Encoding == "gzip":
			// The wire form is compressed; the blob store holds plain
			// bytes, so the digest and length cover the decompressed
			// content and encoded_length records what travelled.
			cr := &countingReader{r: in.Body}
			digest, length, err = blobs.PutGzipped(ctx, cr)
			encodedLength = cr.n
		default:
			return fmt.Errorf("docstore: unsupported attachment encoding %q", in.Encoding)
		}
		if err != nil {
			return fmt.Errorf("docstore: store attachment %q: %w", in.Name, err)
		}

		encoding := in.Encoding
		if encoding == "" {
			encoding = "plain"
		}

		_, err = conn.ExecContext(ctx,
			`INSERT INTO attachments (sequence, filename, key, type, encoding, length, encoded_length, revpos) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sequence, in.Name, digest, in.ContentType, encoding, length, encodedLength, revPos)
		if err != nil {
			return sqlexec.Wrap("docstore: insert attachment row", err)
		}
	}
	return nil
}

// AttachmentsFor returns the attachments bound to rev, joined across the
// revision's own sequence (attachments are immutable once a revision is
// inserted, so no ancestor walk is needed).
func AttachmentsFor(ctx context.Context, conn *sql.Conn, rev *revtree.Rev) ([]*Attachment, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT filename, key, type, encoding, length, encoded_length, revpos FROM attachments WHERE sequence = ?`,
		rev.Sequence)
	if err != nil {
		return nil, sqlexec.Wrap("docstore: attachments for", err)
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		a := &Attachment{Sequence: rev.Sequence}
		if err := rows.Scan(&a.Name, &a.Digest, &a.ContentType, &a.Encoding, &a.Length, &a.EncodedLength, &a.RevPos); err != nil {
			return nil, sqlexec.Wrap("docstore: scan attachment", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlexec.Wrap("docstore: attachment rows", err)
	}
	return out, nil
}

// Open lazily opens the blob backing this attachment.
func (a *Attachment) Open(blobs *blobstore.Store) (io.ReadCloser, error) {
	return blobs.Get(a.Digest)
}

// countingReader tracks how many bytes were read through it, giving the
// gzip insert path the compressed wire size without buffering the stream.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
