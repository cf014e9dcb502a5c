package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsAddAccumulatesAndKeepsMaxSeq(t *testing.T) {
	total := Stats{DocsTransferred: 2, BytesTransferred: 100, BatchesProcessed: 1, LastSeq: 10}
	total = total.add(Stats{DocsTransferred: 3, BytesTransferred: 50, BatchesProcessed: 1, LastSeq: 7})

	assert.EqualValues(t, 5, total.DocsTransferred)
	assert.EqualValues(t, 150, total.BytesTransferred)
	assert.EqualValues(t, 2, total.BatchesProcessed)
	assert.EqualValues(t, 10, total.LastSeq, "a lower incoming sequence never rolls LastSeq back")
}

func TestStatsStringHumanizesCounters(t *testing.T) {
	s := Stats{DocsTransferred: 1200, AttachmentsTransferred: 3, BytesTransferred: 2 << 20, BatchesProcessed: 4, LastSeq: 99}
	out := s.String()
	assert.Contains(t, out, "1,200 docs")
	assert.Contains(t, out, "MB")
	assert.Contains(t, out, "last_seq 99")
}
