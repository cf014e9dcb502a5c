package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeRevsDiffReportsMissing(t *testing.T) {
	f := NewFake()
	f.Seed("doc1", DocumentRevs{ID: "doc1", RevID: "1-aaa", RevIDs: []string{"1-aaa"}, Body: []byte(`{}`)})

	result, err := f.RevsDiff(context.Background(), RevsDiffRequest{
		"doc1": {"1-aaa", "2-bbb"},
		"doc2": {"1-ccc"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"2-bbb"}, result["doc1"].Missing)
	assert.Equal(t, []string{"1-ccc"}, result["doc2"].Missing)
}

func TestFakeGetChangesOrdersBySequence(t *testing.T) {
	f := NewFake()
	f.Seed("doc1", DocumentRevs{ID: "doc1", RevID: "1-aaa"})
	f.Seed("doc2", DocumentRevs{ID: "doc2", RevID: "1-bbb"})

	result, err := f.GetChanges(context.Background(), 0, 0, false)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Equal(t, "doc1", result.Results[0].ID)
	assert.Equal(t, "doc2", result.Results[1].ID)
	assert.Equal(t, int64(2), result.LastSeq)
}

func TestFakeBulkDocsThenOpenRevs(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	results, err := f.BulkDocs(ctx, []BulkDoc{
		{ID: "doc1", RevID: "1-aaa", RevIDs: []string{"1-aaa"}, Body: []byte(`{"x":1}`)},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)

	revs, err := f.OpenRevs(ctx, OpenRevsRequest{ID: "doc1", Revs: []string{"1-aaa"}})
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, "1-aaa", revs[0].RevID)
}

func TestFakeCheckpointRoundTrips(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	cp, err := f.GetCheckpoint(ctx, "repl-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.LastSeq)

	require.NoError(t, f.PutCheckpoint(ctx, "repl-1", 42))

	cp, err = f.GetCheckpoint(ctx, "repl-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), cp.LastSeq)
}

func TestFakeRevsDiffFailsOnceWhenArmed(t *testing.T) {
	f := NewFake()
	f.FailNextRevsDiff = assert.AnError

	_, err := f.RevsDiff(context.Background(), RevsDiffRequest{"doc1": {"1-aaa"}})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = f.RevsDiff(context.Background(), RevsDiffRequest{"doc1": {"1-aaa"}})
	assert.NoError(t, err)
}
