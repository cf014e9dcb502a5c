package replication

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Stats is a snapshot of one run's progress counters. It is cumulative
// across every batch a pull or push pipeline has processed so far.
type Stats struct {
	DocsTransferred        int64
	AttachmentsTransferred int64
	BytesTransferred       int64
	BatchesProcessed       int64
	LastSeq                int64
}

// String renders the counters the way a host would log them.
func (s Stats) String() string {
	return fmt.Sprintf("%s docs, %s attachments (%s) in %d batches, last_seq %d",
		humanize.Comma(s.DocsTransferred),
		humanize.Comma(s.AttachmentsTransferred),
		humanize.Bytes(uint64(s.BytesTransferred)),
		s.BatchesProcessed,
		s.LastSeq)
}

func (s Stats) add(o Stats) Stats {
	s.DocsTransferred += o.DocsTransferred
	s.AttachmentsTransferred += o.AttachmentsTransferred
	s.BytesTransferred += o.BytesTransferred
	s.BatchesProcessed += o.BatchesProcessed
	if o.LastSeq > s.LastSeq {
		s.LastSeq = o.LastSeq
	}
	return s
}
