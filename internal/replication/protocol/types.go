// Package protocol is the replication protocol client: changes feed,
// revs_diff, open_revs, bulk_docs, and checkpoint operations against a
// CouchDB-style remote document service, plus the capability-dispatch
// interceptor chain both pipelines hook into.
package protocol

import (
	"encoding/json"
	"io"
)

// Change is one entry of a changes-feed response.
type Change struct {
	Sequence int64   `json:"seq"`
	ID       string  `json:"id"`
	Revs     RevList `json:"changes"`
	Deleted  bool    `json:"deleted,omitempty"`
}

// RevList carries the rev ids of a changes-feed entry. On the wire each
// entry's "changes" field is an array of {"rev": "<rev_id>"} objects, not
// bare strings, so the list round-trips through that shape.
type RevList []string

func (l RevList) MarshalJSON() ([]byte, error) {
	wire := make([]struct {
		Rev string `json:"rev"`
	}, len(l))
	for i, r := range l {
		wire[i].Rev = r
	}
	return json.Marshal(wire)
}

func (l *RevList) UnmarshalJSON(data []byte) error {
	var wire []struct {
		Rev string `json:"rev"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out := make(RevList, len(wire))
	for i, w := range wire {
		out[i] = w.Rev
	}
	*l = out
	return nil
}

// ChangesResult is the full response of a changes-feed poll.
type ChangesResult struct {
	LastSeq int64    `json:"last_seq"`
	Results []Change `json:"results"`
}

// RevsDiffRequest maps a doc id to the revisions the caller has.
type RevsDiffRequest map[string][]string

// RevsDiffEntry is one doc's answer from revs_diff.
type RevsDiffEntry struct {
	Missing           []string `json:"missing"`
	PossibleAncestors []string `json:"possible_ancestors,omitempty"`
}

// RevsDiffResult maps doc id to what the peer lacks.
type RevsDiffResult map[string]RevsDiffEntry

// AttachmentStub describes one attachment of a fetched revision. Stub is
// true when the peer omitted the body because AttsSince already covered its
// digest; Data carries the body in its declared Encoding (compressed when
// Encoding is "gzip") when the body was inlined.
type AttachmentStub struct {
	Name        string
	ContentType string
	Digest      string
	Length      int64
	Encoding    string
	RevPos      int
	Stub        bool
	Data        io.Reader
}

// DocumentRevs is one branch returned by open_revs: a revision's full
// ancestor history plus its attachments.
type DocumentRevs struct {
	ID          string
	RevID       string
	RevIDs      []string // oldest ancestor first, ending at RevID
	Body        []byte
	Deleted     bool
	Attachments []AttachmentStub
}

// OpenRevsRequest parameterizes one open_revs call.
type OpenRevsRequest struct {
	ID                string
	Revs              []string // branches requested; nil/empty means "all"
	AttsSince         []string // local leaves, so the peer can omit shared digests
	AttachmentsInline bool
}

// BulkDoc is one document pushed via bulk_docs with an explicit history,
// bypassing the peer's normal parent-must-be-leaf check (new_edits=false).
type BulkDoc struct {
	ID          string
	RevID       string
	RevIDs      []string // oldest ancestor first
	Body        []byte
	Deleted     bool
	Attachments []AttachmentStub
}

// BulkDocsResult is one document's outcome from a bulk_docs call.
type BulkDocsResult struct {
	ID       string
	RevID    string
	OK       bool
	Error    string
	Conflict bool
}

// Checkpoint is the body of a `_local/<replication_id>` document.
type Checkpoint struct {
	LastSeq int64 `json:"last_seq"`
}
