package docstore

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docreplica/internal/blobstore"
	"github.com/steveyegge/docreplica/internal/eventbus"
	"github.com/steveyegge/docreplica/internal/sqlexec"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) (*Store, *eventbus.Bus) {
	t.Helper()
	ex, err := sqlexec.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ex.Close() })

	blobs, err := blobstore.Open(filepath.Join(t.TempDir(), "attachments"))
	require.NoError(t, err)

	bus := eventbus.New()
	store, err := Open(context.Background(), ex, blobs, bus)
	require.NoError(t, err)
	return store, bus
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rev, err := store.Create(ctx, "doc1", []byte(`{"name":"Tom","age":31}`), nil)
	require.NoError(t, err)
	require.Equal(t, 1, revGeneration(t, rev.RevID))

	got, err := store.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, rev.RevID, got.RevID)
}

func TestCreateTwiceFailsWithDocumentExists(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "doc1", []byte(`{}`), nil)
	require.NoError(t, err)

	_, err = store.Create(ctx, "doc1", []byte(`{}`), nil)
	require.ErrorIs(t, err, ErrDocumentExists)
}

func TestUpdateRequiresCurrentLeafParent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rev, err := store.Create(ctx, "doc1", []byte(`{"v":1}`), nil)
	require.NoError(t, err)

	updated, err := store.Update(ctx, "doc1", rev.RevID, []byte(`{"v":2}`), nil)
	require.NoError(t, err)

	// Updating against the now-stale parent must fail as a conflict.
	_, err = store.Update(ctx, "doc1", rev.RevID, []byte(`{"v":3}`), nil)
	require.ErrorIs(t, err, ErrConflict)

	got, err := store.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, updated.RevID, got.RevID)
}

func TestDeleteMarksWinnerDeleted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rev, err := store.Create(ctx, "doc1", []byte(`{}`), nil)
	require.NoError(t, err)

	del, err := store.Delete(ctx, "doc1", rev.RevID)
	require.NoError(t, err)
	require.True(t, del.Deleted)

	got, err := store.Get(ctx, "doc1")
	require.NoError(t, err)
	require.True(t, got.Deleted)
}

func TestConflictsReturnsNonWinningLeaves(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rev, err := store.Create(ctx, "doc1", []byte(`{"v":0}`), nil)
	require.NoError(t, err)

	_, err = store.ForceInsert(ctx, "doc1", []string{rev.RevID, "2-aaaa"}, []byte(`{"branch":"a"}`), false, nil)
	require.NoError(t, err)
	_, err = store.ForceInsert(ctx, "doc1", []string{rev.RevID, "2-zzzz"}, []byte(`{"branch":"b"}`), false, nil)
	require.NoError(t, err)

	conflicts, err := store.Conflicts(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	winner, err := store.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "2-zzzz", winner.RevID)
	require.Equal(t, "2-aaaa", conflicts[0].RevID)
}

func TestChangesOrderedBySequenceNoDuplicates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rev1, err := store.Create(ctx, "doc1", []byte(`{}`), nil)
	require.NoError(t, err)
	_, err = store.Create(ctx, "doc2", []byte(`{}`), nil)
	require.NoError(t, err)
	_, err = store.Update(ctx, "doc1", rev1.RevID, []byte(`{"v":1}`), nil)
	require.NoError(t, err)

	changes, err := store.Changes(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, changes.Revisions, 2, "doc1's two revisions collapse to one change entry")

	seen := map[string]bool{}
	lastSeq := int64(0)
	for _, r := range changes.Revisions {
		require.False(t, seen[r.DocID], "no duplicate doc_id in the change feed")
		seen[r.DocID] = true
		require.Greater(t, r.Sequence, lastSeq)
		lastSeq = r.Sequence
	}
}

func TestForceInsertIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	revIDs := []string{"1-a", "2-b"}
	first, err := store.ForceInsert(ctx, "doc1", revIDs, []byte(`{"v":1}`), false, nil)
	require.NoError(t, err)
	second, err := store.ForceInsert(ctx, "doc1", revIDs, []byte(`{"v":1}`), false, nil)
	require.NoError(t, err)
	require.Equal(t, first.Sequence, second.Sequence)
}

func TestAttachmentsRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rev, err := store.Create(ctx, "doc1", []byte(`{}`), []AttachmentInput{
		{Name: "photo.png", ContentType: "image/png", Body: bytes.NewReader([]byte("binary-data"))},
	})
	require.NoError(t, err)

	atts, err := store.AttachmentsFor(ctx, rev)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	require.Equal(t, "photo.png", atts[0].Name)

	rc, err := atts[0].Open(store.Blobs())
	require.NoError(t, err)
	defer rc.Close()
}

func TestGzipAttachmentStoredAsPlainBytes(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	plain := bytes.Repeat([]byte("all work and no play "), 200)
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	_, err := gz.Write(plain)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	wireLen := int64(compressed.Len())

	rev, err := store.Create(ctx, "doc1", []byte(`{}`), []AttachmentInput{
		{Name: "notes.txt", ContentType: "text/plain", Encoding: "gzip", Body: &compressed},
	})
	require.NoError(t, err)

	atts, err := store.AttachmentsFor(ctx, rev)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	require.Equal(t, "gzip", atts[0].Encoding)
	require.EqualValues(t, len(plain), atts[0].Length, "length covers the plain bytes")
	require.Equal(t, wireLen, atts[0].EncodedLength, "encoded_length records the wire size")

	rc, err := atts[0].Open(store.Blobs())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, plain, data, "the blob store holds the decompressed form")
}

func TestSubscribeReceivesDocumentCreated(t *testing.T) {
	store, bus := newTestStore(t)
	ctx := context.Background()

	var received *eventbus.Event
	bus.Register(recordingHandler{fn: func(e *eventbus.Event) { received = e }})

	_, err := store.Create(ctx, "doc1", []byte(`{}`), nil)
	require.NoError(t, err)

	require.NotNil(t, received)
	require.Equal(t, eventbus.EventDocumentCreated, received.Type)
	require.Equal(t, "doc1", received.DocID)
}

func TestLocalDocsRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutLocal(ctx, "_local/repl-1", []byte(`{"last_seq":42}`)))
	got, err := store.GetLocal(ctx, "_local/repl-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"last_seq":42}`, string(got))
}

func TestGCRemovesOnlyUnreferencedBlobs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "doc1", []byte(`{}`), []AttachmentInput{
		{Name: "kept.bin", ContentType: "application/octet-stream", Body: bytes.NewReader([]byte("keep-me"))},
	})
	require.NoError(t, err)

	orphanDigest, _, err := store.Blobs().Put(ctx, bytes.NewReader([]byte("orphaned-bytes")))
	require.NoError(t, err)
	require.True(t, store.Blobs().Exists(orphanDigest))

	removed, err := store.GC(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{orphanDigest}, removed)
	require.False(t, store.Blobs().Exists(orphanDigest))

	rev, err := store.Get(ctx, "doc1")
	require.NoError(t, err)
	atts, err := store.AttachmentsFor(ctx, rev)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	require.True(t, store.Blobs().Exists(atts[0].Digest))
}

func TestCompactDropsDeepHistoryBodies(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rev1, err := store.Create(ctx, "doc1", []byte(`{"v":1}`), nil)
	require.NoError(t, err)
	rev2, err := store.Update(ctx, "doc1", rev1.RevID, []byte(`{"v":2}`), nil)
	require.NoError(t, err)
	_, err = store.Update(ctx, "doc1", rev2.RevID, []byte(`{"v":3}`), nil)
	require.NoError(t, err)

	require.NoError(t, store.Compact(ctx, "doc1", 1))

	compacted, err := store.GetRev(ctx, "doc1", rev1.RevID)
	require.NoError(t, err)
	require.False(t, compacted.Available, "generation 1 is deeper than the compaction depth")
	require.Equal(t, rev1.RevID, compacted.RevID, "compaction keeps rev ids for peers")
}

type recordingHandler struct {
	fn func(*eventbus.Event)
}

func (h recordingHandler) ID() string { return "recorder" }
func (h recordingHandler) Handles() []eventbus.EventType {
	return []eventbus.EventType{eventbus.EventDocumentCreated}
}
func (h recordingHandler) Priority() int { return 0 }
func (h recordingHandler) Handle(ctx context.Context, e *eventbus.Event, r *eventbus.Result) error {
	h.fn(e)
	return nil
}

func revGeneration(t *testing.T, revID string) int {
	t.Helper()
	for i, c := range revID {
		if c == '-' {
			gen := 0
			for _, d := range revID[:i] {
				gen = gen*10 + int(d-'0')
			}
			return gen
		}
	}
	return 0
}
