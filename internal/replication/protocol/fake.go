package protocol

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

var _ Client = (*Fake)(nil)

// Fake is an in-process Client used by pull/push pipeline tests to exercise
// multi-revision, multi-attachment scenarios without a real HTTP server.
type Fake struct {
	mu          sync.Mutex
	docs        map[string][]DocumentRevs // doc id -> revisions, oldest first
	changesSeq  map[string]int64          // doc id -> sequence of its latest change
	lastSeq     int64
	checkpoints map[string]int64

	// blobs backs attachment bodies by digest, the Fake's equivalent of a
	// content-addressed store, so open_revs can always reconstruct a stub's
	// bytes regardless of which push call originally carried them inline.
	blobs map[string][]byte

	// FailNextRevsDiff, when non-nil, is returned once by RevsDiff and then
	// cleared, letting tests exercise the retry path.
	FailNextRevsDiff error

	// Delay, when non-zero, is observed (ctx-cancellably) at the start of
	// BulkDocs and OpenRevs, giving stop()-mid-replication tests a large
	// enough per-batch wall-clock window to land a cancellation or restart
	// mid-run.
	Delay time.Duration
}

// NewFake returns an empty Fake remote.
func NewFake() *Fake {
	return &Fake{
		docs:        map[string][]DocumentRevs{},
		changesSeq:  map[string]int64{},
		checkpoints: map[string]int64{},
		blobs:       map[string][]byte{},
	}
}

// Seed installs docID/revID as already present on the fake remote, bumping
// its changes-feed sequence.
func (f *Fake) Seed(docID string, dr DocumentRevs) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[docID] = append(f.docs[docID], dr)
	f.lastSeq++
	f.changesSeq[docID] = f.lastSeq
}

func (f *Fake) GetChanges(_ context.Context, since int64, limit int, _ bool) (*ChangesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	type entry struct {
		docID string
		seq   int64
	}
	var entries []entry
	for docID, seq := range f.changesSeq {
		if seq > since {
			entries = append(entries, entry{docID, seq})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	result := &ChangesResult{LastSeq: since}
	for _, e := range entries {
		revs := f.docs[e.docID]
		leaf := revs[len(revs)-1]
		result.Results = append(result.Results, Change{
			Sequence: e.seq,
			ID:       e.docID,
			Revs:     []string{leaf.RevID},
			Deleted:  leaf.Deleted,
		})
		if e.seq > result.LastSeq {
			result.LastSeq = e.seq
		}
	}
	return result, nil
}

func (f *Fake) RevsDiff(_ context.Context, req RevsDiffRequest) (RevsDiffResult, error) {
	f.mu.Lock()
	if err := f.FailNextRevsDiff; err != nil {
		f.FailNextRevsDiff = nil
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	result := RevsDiffResult{}
	for docID, revIDs := range req {
		have := map[string]bool{}
		for _, dr := range f.docs[docID] {
			have[dr.RevID] = true
		}
		var missing []string
		for _, r := range revIDs {
			if !have[r] {
				missing = append(missing, r)
			}
		}
		if len(missing) > 0 {
			result[docID] = RevsDiffEntry{Missing: missing}
		}
	}
	return result, nil
}

func (f *Fake) OpenRevs(ctx context.Context, req OpenRevsRequest) ([]DocumentRevs, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	revs := f.docs[req.ID]
	wanted := map[string]bool{}
	for _, r := range req.Revs {
		wanted[r] = true
	}
	var out []DocumentRevs
	for _, dr := range revs {
		if len(wanted) != 0 && !wanted[dr.RevID] {
			continue
		}
		dr.Attachments = f.fillAttachmentData(dr.Attachments)
		out = append(out, dr)
	}
	return out, nil
}

// fillAttachmentData backfills a stub's bytes from the shared blob map when
// present, so a caller with no prior knowledge of the digest (e.g. pulling
// into a fresh store) always gets usable bytes back; a caller that already
// holds the digest discards the duplicate via docstore's own dedup.
func (f *Fake) fillAttachmentData(stubs []AttachmentStub) []AttachmentStub {
	out := make([]AttachmentStub, len(stubs))
	for i, s := range stubs {
		if s.Data == nil {
			if data, ok := f.blobs[s.Digest]; ok {
				cp := append([]byte(nil), data...)
				s.Data = bytes.NewReader(cp)
			}
		}
		out[i] = s
	}
	return out
}

func (f *Fake) BulkDocs(ctx context.Context, docs []BulkDoc) ([]BulkDocsResult, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	results := make([]BulkDocsResult, 0, len(docs))
	for _, d := range docs {
		var atts []AttachmentStub
		for _, a := range d.Attachments {
			stub := a
			if a.Data != nil {
				data, err := io.ReadAll(a.Data)
				if err != nil {
					return nil, fmt.Errorf("reading attachment %q: %w", a.Name, err)
				}
				stub.Data = nil
				stub.Length = int64(len(data))
				f.blobs[a.Digest] = data
			}
			atts = append(atts, stub)
		}
		f.docs[d.ID] = append(f.docs[d.ID], DocumentRevs{
			ID:          d.ID,
			RevID:       d.RevID,
			RevIDs:      d.RevIDs,
			Body:        d.Body,
			Deleted:     d.Deleted,
			Attachments: atts,
		})
		f.lastSeq++
		f.changesSeq[d.ID] = f.lastSeq
		results = append(results, BulkDocsResult{ID: d.ID, RevID: d.RevID, OK: true})
	}
	return results, nil
}

func (f *Fake) GetCheckpoint(_ context.Context, replicationID string) (*Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &Checkpoint{LastSeq: f.checkpoints[replicationID]}, nil
}

func (f *Fake) PutCheckpoint(_ context.Context, replicationID string, lastSeq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[replicationID] = lastSeq
	return nil
}
