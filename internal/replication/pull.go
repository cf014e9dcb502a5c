package replication

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/docreplica/internal/config"
	"github.com/steveyegge/docreplica/internal/docstore"
	"github.com/steveyegge/docreplica/internal/replication/protocol"
)

// pullPipeline moves revisions and attachments from a remote endpoint into
// the local document store: changes feed -> revs_diff ->
// open_revs (fetched concurrently) -> force_insert (single writer) ->
// checkpoint. Checkpoints only ever advance past a batch once every
// revision in it is durable.
type pullPipeline struct {
	client protocol.Client
	store  *docstore.Store
	cfg    config.ReplicatorConfig
	replID string
}

func newPullPipeline(client protocol.Client, store *docstore.Store, cfg config.ReplicatorConfig, replID string) *pullPipeline {
	return &pullPipeline{client: client, store: store, cfg: cfg, replID: replID}
}

func (p *pullPipeline) run(ctx context.Context, onProgress func(Stats)) (Stats, error) {
	var stats Stats

	checkpoint, err := p.client.GetCheckpoint(ctx, p.replID)
	if err != nil {
		return stats, err
	}
	since := checkpoint.LastSeq

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		changes, err := p.client.GetChanges(ctx, since, p.cfg.BatchLimit, false)
		if err != nil {
			return stats, err
		}
		if len(changes.Results) == 0 {
			return stats, nil
		}

		start := time.Now()
		batch, err := p.runBatch(ctx, changes.Results)
		if err != nil {
			return stats, err
		}
		batch.BatchesProcessed = 1
		stats = stats.add(batch)
		recordBatch(ctx, DirectionPull, batch.DocsTransferred, batch.BytesTransferred, float64(time.Since(start).Milliseconds()))

		// Cancellation is observed here, before the checkpoint commit, so a
		// cancelled run never advances past a batch whose inserts may not
		// all have landed.
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if err := p.client.PutCheckpoint(ctx, p.replID, changes.LastSeq); err != nil {
			return stats, err
		}
		since = changes.LastSeq
		stats.LastSeq = since
		onProgress(stats)

		if p.cfg.BatchLimit > 0 && len(changes.Results) < p.cfg.BatchLimit {
			return stats, nil
		}
	}
}

// runBatch resolves one changes-feed page into local inserts: a revs_diff
// round narrows each doc to the revisions the local store actually lacks
// (the pull's target is the local store itself, so this diff is computed
// against it directly rather than round-tripped to the remote — the remote
// already told us what it has via the changes feed), then up to
// Concurrency fetchers pull those branches concurrently, and a single
// inserter goroutine applies them in whatever order the fetchers finish
// (document order may reorder freely; a single document's own history is
// always inserted oldest-ancestor-first by force_insert itself).
func (p *pullPipeline) runBatch(ctx context.Context, changes []protocol.Change) (Stats, error) {
	var stats Stats

	chunkSize := p.cfg.RevsDiffChunkSize
	if chunkSize <= 0 {
		chunkSize = revsDiffChunkDefault
	}

	toFetch := map[string][]string{}
	for i := 0; i < len(changes); i += chunkSize {
		end := i + chunkSize
		if end > len(changes) {
			end = len(changes)
		}
		for _, c := range changes[i:end] {
			missing, err := p.store.MissingRevs(ctx, c.ID, c.Revs)
			if err != nil {
				return stats, err
			}
			if len(missing) > 0 {
				toFetch[c.ID] = missing
			}
		}
	}
	if len(toFetch) == 0 {
		return stats, nil
	}

	concurrency := p.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	type fetched struct {
		docID string
		revs  []protocol.DocumentRevs
	}
	results := make([]fetched, 0, len(toFetch))
	var mu sync.Mutex
	var fetchErr error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for docID, missing := range toFetch {
		docID, missing := docID, missing
		g.Go(func() error {
			revs, err := p.client.OpenRevs(gctx, protocol.OpenRevsRequest{
				ID:                docID,
				Revs:              missing,
				AttsSince:         p.localAttsSince(gctx, docID),
				AttachmentsInline: p.cfg.AttachmentsInline,
			})
			if err != nil {
				mu.Lock()
				fetchErr = multierr.Append(fetchErr, err)
				mu.Unlock()
				return nil // collected in fetchErr, not propagated via errgroup
			}
			mu.Lock()
			results = append(results, fetched{docID: docID, revs: revs})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	if fetchErr != nil {
		return stats, fetchErr
	}

	// Inserter: single writer. force_insert enforces oldest-ancestor-first
	// within one document's own history; across documents, order here
	// doesn't matter.
	for _, f := range results {
		for _, dr := range f.revs {
			attachments, bytes := p.convertAttachments(dr.Attachments)
			if _, err := p.store.ForceInsert(ctx, dr.ID, dr.RevIDs, dr.Body, dr.Deleted, attachments); err != nil {
				return stats, err
			}
			stats.DocsTransferred++
			stats.AttachmentsTransferred += int64(len(attachments))
			stats.BytesTransferred += bytes
		}
	}
	return stats, nil
}

// localAttsSince lists the rev ids of every leaf this doc currently has
// locally, so the peer can omit attachment bodies whose digest we already
// hold under an ancestor revision.
func (p *pullPipeline) localAttsSince(ctx context.Context, docID string) []string {
	var out []string
	if rev, err := p.store.Get(ctx, docID); err == nil {
		out = append(out, rev.RevID)
	}
	if conflicts, err := p.store.Conflicts(ctx, docID); err == nil {
		for _, c := range conflicts {
			out = append(out, c.RevID)
		}
	}
	return out
}

// convertAttachments turns the wire attachment stubs open_revs returned
// into the store's insert-time attachment inputs. A stub with no body
// (peer omitted it because our atts_since already covered its digest)
// still binds this revision to the existing blob via KnownDigest, rather
// than being dropped.
func (p *pullPipeline) convertAttachments(stubs []protocol.AttachmentStub) ([]docstore.AttachmentInput, int64) {
	var out []docstore.AttachmentInput
	var total int64
	for _, s := range stubs {
		encoding := s.Encoding
		if encoding == "" {
			encoding = "plain"
		}
		if s.Data == nil {
			out = append(out, docstore.AttachmentInput{
				Name:        s.Name,
				ContentType: s.ContentType,
				Encoding:    encoding,
				Length:      s.Length,
				KnownDigest: s.Digest,
			})
			continue
		}
		data, err := io.ReadAll(s.Data)
		if err != nil {
			continue
		}
		total += int64(len(data))
		// s.Length is the wire-declared plain length; len(data) only
		// matches it for plain encoding, never for gzip bodies.
		out = append(out, docstore.AttachmentInput{
			Name:        s.Name,
			ContentType: s.ContentType,
			Encoding:    encoding,
			Length:      s.Length,
			Body:        bytes.NewReader(data),
		})
	}
	return out, total
}
