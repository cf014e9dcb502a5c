package protocol

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// couchLikeServer answers just enough of the replication protocol's wire
// contract for an HTTPClient push leg to run end to end: an empty _revs_diff
// (everything missing), a _bulk_docs that accepts everything, and a
// _local/<id> checkpoint document. failFirstBulkDocs, when set, answers the
// first _bulk_docs call with a 503 so the retry path is exercised.
func couchLikeServer(t *testing.T, failFirstBulkDocs bool) (*httptest.Server, *int32) {
	t.Helper()
	var bulkDocsAttempts int32
	var checkpoint int64

	mux := http.NewServeMux()
	mux.HandleFunc("/_changes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"results": [
				{"seq": 1, "id": "doc1", "changes": [{"rev": "1-aaa"}]},
				{"seq": 2, "id": "doc2", "changes": [{"rev": "2-bbb"}, {"rev": "2-ccc"}], "deleted": true}
			],
			"last_seq": 2
		}`)
	})
	mux.HandleFunc("/_revs_diff", func(w http.ResponseWriter, r *http.Request) {
		var req map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result := map[string]map[string][]string{}
		for id, revs := range req {
			result[id] = map[string][]string{"missing": revs}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(result))
	})
	mux.HandleFunc("/_bulk_docs", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&bulkDocsAttempts, 1)
		if failFirstBulkDocs && n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var payload struct {
			Docs []json.RawMessage `json:"docs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		var results []map[string]interface{}
		for _, raw := range payload.Docs {
			var d struct {
				ID  string `json:"_id"`
				Rev string `json:"_rev"`
			}
			require.NoError(t, json.Unmarshal(raw, &d))
			results = append(results, map[string]interface{}{"id": d.ID, "rev": d.Rev, "ok": true})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(results))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Attachment upload: PUT /<id>/<name>?rev=<rev>.
		if r.Method != http.MethodPut {
			http.NotFound(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NotEmpty(t, body)
		require.NotEmpty(t, r.URL.Query().Get("rev"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "rev": "2-after-attachment"})
	})
	mux.HandleFunc("/_local/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]int64{"last_seq": checkpoint})
		case http.MethodPut:
			var cp struct {
				LastSeq int64 `json:"last_seq"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&cp))
			checkpoint = cp.LastSeq
			w.WriteHeader(http.StatusOK)
		}
	})

	return httptest.NewServer(mux), &bulkDocsAttempts
}

func TestHTTPClientInterceptorsRunPerAttempt(t *testing.T) {
	server, bulkDocsAttempts := couchLikeServer(t, true) // first _bulk_docs attempt is a transient 503
	defer server.Close()

	var requests, responses int32
	client := NewHTTPClient(HTTPClientConfig{
		BaseURL: server.URL,
		Interceptors: []Interceptor{{
			OnRequest:  func(*RequestContext) error { atomic.AddInt32(&requests, 1); return nil },
			OnResponse: func(*ResponseContext) error { atomic.AddInt32(&responses, 1); return nil },
		}},
	})

	ctx := context.Background()
	diff, err := client.RevsDiff(ctx, RevsDiffRequest{"doc1": {"1-a"}})
	require.NoError(t, err)
	require.Contains(t, diff, "doc1")

	results, err := client.BulkDocs(ctx, []BulkDoc{{ID: "doc1", RevID: "1-a", Body: []byte(`{}`)}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].OK)

	// _bulk_docs was attempted twice (one transient failure, one success);
	// the interceptor chain must have observed both round trips, plus the
	// single _revs_diff round trip.
	require.EqualValues(t, 2, atomic.LoadInt32(bulkDocsAttempts))
	require.EqualValues(t, 3, atomic.LoadInt32(&requests))
	require.EqualValues(t, 3, atomic.LoadInt32(&responses))
}

func TestHTTPClientGetChangesDecodesWireShape(t *testing.T) {
	server, _ := couchLikeServer(t, false)
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL})
	changes, err := client.GetChanges(context.Background(), 0, 100, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), changes.LastSeq)
	require.Len(t, changes.Results, 2)
	require.Equal(t, "doc1", changes.Results[0].ID)
	require.Equal(t, RevList{"1-aaa"}, changes.Results[0].Revs)
	require.Equal(t, RevList{"2-bbb", "2-ccc"}, changes.Results[1].Revs)
	require.True(t, changes.Results[1].Deleted)
}

func TestHTTPClientPutAttachment(t *testing.T) {
	server, _ := couchLikeServer(t, false)
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL})
	newRev, err := client.PutAttachment(context.Background(), "doc1", "1-a", "photo.png",
		func() io.Reader { return strings.NewReader("png-bytes") }, "image/png")
	require.NoError(t, err)
	require.Equal(t, "2-after-attachment", newRev)
}

func TestHTTPClientCheckpointRoundTrips(t *testing.T) {
	server, _ := couchLikeServer(t, false)
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL})
	ctx := context.Background()

	cp, err := client.GetCheckpoint(ctx, "repl-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), cp.LastSeq)

	require.NoError(t, client.PutCheckpoint(ctx, "repl-1", 42))

	cp, err = client.GetCheckpoint(ctx, "repl-1")
	require.NoError(t, err)
	require.Equal(t, int64(42), cp.LastSeq)
}
