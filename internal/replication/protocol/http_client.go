package protocol

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultUserAgent    = "docreplica/1.0 (+https://github.com/steveyegge/docreplica)"
	maxResponseBodySize = 256 * 1024 * 1024
)

// HTTPClientConfig parameterizes an HTTPClient.
type HTTPClientConfig struct {
	BaseURL        string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRetries     int
	Interceptors   []Interceptor
}

var _ Client = (*HTTPClient)(nil)

// HTTPClient talks the replication protocol to a remote document service
// over plain HTTP, retrying transient failures within a bounded budget.
// GetChanges, RevsDiff, BulkDocs, PutAttachment and PutCheckpoint run every
// configured Interceptor around each attempt; OpenRevs runs only the
// request hooks, and GetCheckpoint runs no interceptors.
type HTTPClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	maxRetries int
	chain      chain
}

// NewHTTPClient builds an HTTPClient from cfg.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 120 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		maxRetries: maxRetries,
		chain:      chain(cfg.Interceptors),
	}
}

func (c *HTTPClient) url(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// bodyFactory produces a fresh, unread reader for each attempt so a retry
// or interceptor-driven replay never sees an already-drained body.
type bodyFactory func() io.Reader

func (c *HTTPClient) do(ctx context.Context, method, urlStr string, mkBody bodyFactory, extraHeaders map[string]string) ([]byte, http.Header, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	bo := backoff.WithMaxRetries(policy, uint64(c.maxRetries))

	var (
		respBody []byte
		header   http.Header
		attempts int
	)
	op := func() error {
		attempts++
		var reqBody io.Reader
		if mkBody != nil {
			reqBody = mkBody()
		}
		req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: building request: %v", ErrProtocol, err))
		}
		req.Header.Set("User-Agent", defaultUserAgent)
		if mkBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range extraHeaders {
			req.Header.Set(k, v)
		}
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		rc := &RequestContext{Request: req}
		if err := c.chain.runRequest(rc); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: request interceptor: %v", ErrProtocol, err))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
			}
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("%w: reading response: %v", ErrTransport, err)
		}

		rctx := &ResponseContext{Request: req, Response: resp, Body: body}
		replay, err := c.chain.runResponse(rctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: response interceptor: %v", ErrProtocol, err))
		}
		if replay {
			return fmt.Errorf("%w: interceptor requested replay", ErrTransport)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrAuth, resp.StatusCode, string(rctx.Body)))
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: rate limited", ErrTransport)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, string(rctx.Body))
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrProtocol, resp.StatusCode, string(rctx.Body)))
		}

		respBody = rctx.Body
		header = resp.Header
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, nil, err
	}
	recordRetries(ctx, attempts)
	return respBody, header, nil
}

// GetChanges polls the remote changes feed starting after since.
func (c *HTTPClient) GetChanges(ctx context.Context, since int64, limit int, includeDocs bool) (*ChangesResult, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("feed", "normal")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if includeDocs {
		q.Set("include_docs", "true")
	}
	body, _, err := c.do(ctx, http.MethodGet, c.url("/_changes", q), nil, nil)
	if err != nil {
		return nil, err
	}
	var result ChangesResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding changes response: %v", ErrProtocol, err)
	}
	return &result, nil
}

// RevsDiff asks the remote which of the caller's revisions it lacks.
func (c *HTTPClient) RevsDiff(ctx context.Context, req RevsDiffRequest) (RevsDiffResult, error) {
	mkBody := func() io.Reader {
		buf, _ := json.Marshal(req)
		return bytes.NewReader(buf)
	}
	body, _, err := c.do(ctx, http.MethodPost, c.url("/_revs_diff", nil), mkBody, nil)
	if err != nil {
		return nil, err
	}
	var result RevsDiffResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding revs_diff response: %v", ErrProtocol, err)
	}
	return result, nil
}

// wireAttachmentStub is the JSON shape of one entry in a document's
// "_attachments" map.
type wireAttachmentStub struct {
	ContentType string `json:"content_type"`
	Digest      string `json:"digest"`
	Length      int64  `json:"length"`
	Encoding    string `json:"encoding,omitempty"`
	RevPos      int    `json:"revpos"`
	Stub        bool   `json:"stub,omitempty"`
	Follows     bool   `json:"follows,omitempty"`
	Data        string `json:"data,omitempty"`
}

type wireDocument struct {
	ID          string                        `json:"_id"`
	Rev         string                        `json:"_rev"`
	Revisions   *wireRevisions                `json:"_revisions,omitempty"`
	Deleted     bool                          `json:"_deleted,omitempty"`
	Attachments map[string]wireAttachmentStub `json:"_attachments,omitempty"`
}

type wireRevisions struct {
	Start int      `json:"start"`
	IDs   []string `json:"ids"`
}

type wireOpenRevsEntry struct {
	OK *wireDocument `json:"ok"`
}

// OpenRevs fetches the body and history of requested revisions of a
// document, streaming attachment bodies out of a multipart response when
// the caller did not request inline base64 attachments.
func (c *HTTPClient) OpenRevs(ctx context.Context, req OpenRevsRequest) ([]DocumentRevs, error) {
	q := url.Values{}
	q.Set("revs", "true")
	if len(req.Revs) > 0 {
		revsJSON, _ := json.Marshal(req.Revs)
		q.Set("open_revs", string(revsJSON))
	} else {
		q.Set("open_revs", "all")
	}
	if len(req.AttsSince) > 0 {
		since, _ := json.Marshal(req.AttsSince)
		q.Set("atts_since", string(since))
	}
	q.Set("attachments", "true")

	headers := map[string]string{}
	if !req.AttachmentsInline {
		headers["Accept"] = "multipart/mixed, application/json"
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	bo := backoff.WithMaxRetries(policy, uint64(c.maxRetries))

	var out []DocumentRevs
	var attempts int
	op := func() error {
		attempts++
		req2, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/"+url.PathEscape(req.ID), q), nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		req2.Header.Set("User-Agent", defaultUserAgent)
		for k, v := range headers {
			req2.Header.Set(k, v)
		}
		if c.username != "" {
			req2.SetBasicAuth(c.username, c.password)
		}

		rc := &RequestContext{Request: req2}
		if err := c.chain.runRequest(rc); err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req2)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode))
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrProtocol, resp.StatusCode))
		}

		contentType := resp.Header.Get("Content-Type")
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			mediaType = "application/json"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			out, err = parseOpenRevsMultipart(resp.Body, params["boundary"])
			return err
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		out, err = parseOpenRevsJSON(body)
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	recordRetries(ctx, attempts)
	return out, nil
}

func parseOpenRevsJSON(body []byte) ([]DocumentRevs, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("%w: decoding open_revs response: %v", ErrProtocol, err)
	}
	out := make([]DocumentRevs, 0, len(entries))
	for _, raw := range entries {
		var wrapper struct {
			OK json.RawMessage `json:"ok"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: decoding open_revs entry: %v", ErrProtocol, err)
		}
		if wrapper.OK == nil {
			continue
		}
		dr, err := wireDocumentToRevs(wrapper.OK, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, dr)
	}
	return out, nil
}

// parseOpenRevsMultipart decodes a multipart/mixed or multipart/related
// response: one leading JSON part per revision (each itself possibly
// multipart/related when that revision has attachments "follow"-ing it),
// with attachment bodies identified by their position and matched back to
// the "_attachments" stub that declared "follows":true.
func parseOpenRevsMultipart(r io.Reader, boundary string) ([]DocumentRevs, error) {
	if boundary == "" {
		return nil, fmt.Errorf("%w: multipart response missing boundary", ErrProtocol)
	}
	reader := multipart.NewReader(r, boundary)
	var out []DocumentRevs
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading multipart: %v", ErrTransport, err)
		}
		dr, err := parseOpenRevsPart(part)
		part.Close()
		if err != nil {
			return nil, err
		}
		if dr != nil {
			out = append(out, *dr)
		}
	}
	return out, nil
}

func parseOpenRevsPart(part *multipart.Part) (*DocumentRevs, error) {
	partContentType := part.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(partContentType)
	if err != nil {
		mediaType = "application/json"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		nested := multipart.NewReader(part, params["boundary"])
		docPart, err := nested.NextPart()
		if err != nil {
			return nil, fmt.Errorf("%w: revision part missing document body: %v", ErrProtocol, err)
		}
		docBody, err := io.ReadAll(docPart)
		docPart.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}

		attBodies := map[string][]byte{}
		for {
			ap, err := nested.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransport, err)
			}
			name := attachmentNameFromHeader(ap.Header)
			data, err := io.ReadAll(ap)
			ap.Close()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransport, err)
			}
			attBodies[name] = data
		}
		dr, err := wireDocumentToRevs(docBody, attBodies)
		if err != nil {
			return nil, err
		}
		return &dr, nil
	}

	docBody, err := io.ReadAll(part)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	dr, err := wireDocumentToRevs(docBody, nil)
	if err != nil {
		return nil, err
	}
	return &dr, nil
}

func attachmentNameFromHeader(h textproto.MIMEHeader) string {
	_, params, err := mime.ParseMediaType(h.Get("Content-Disposition"))
	if err == nil {
		if name, ok := params["filename"]; ok {
			return name
		}
	}
	return ""
}

// wireDocumentToRevs decodes one document's raw JSON twice: once into the
// typed metadata fields this client needs to inspect, and once into a
// generic map so the remaining application fields can be re-marshalled as
// Body without this client needing to know their shape.
func wireDocumentToRevs(raw []byte, attBodies map[string][]byte) (DocumentRevs, error) {
	var wd wireDocument
	if err := json.Unmarshal(raw, &wd); err != nil {
		return DocumentRevs{}, fmt.Errorf("%w: decoding revision document: %v", ErrProtocol, err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return DocumentRevs{}, fmt.Errorf("%w: decoding revision document: %v", ErrProtocol, err)
	}
	for _, key := range []string{"_id", "_rev", "_revisions", "_deleted", "_attachments"} {
		delete(fields, key)
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return DocumentRevs{}, fmt.Errorf("%w: re-encoding document body: %v", ErrProtocol, err)
	}

	revIDs := []string{wd.Rev}
	if wd.Revisions != nil {
		revIDs = make([]string, len(wd.Revisions.IDs))
		gen := wd.Revisions.Start
		for i, h := range wd.Revisions.IDs {
			revIDs[len(wd.Revisions.IDs)-1-i] = fmt.Sprintf("%d-%s", gen, h)
			gen--
		}
	}

	var atts []AttachmentStub
	for name, stub := range wd.Attachments {
		a := AttachmentStub{
			Name:        name,
			ContentType: stub.ContentType,
			Digest:      stub.Digest,
			Length:      stub.Length,
			Encoding:    stub.Encoding,
			RevPos:      stub.RevPos,
			Stub:        stub.Stub,
		}
		switch {
		case stub.Follows:
			if data, ok := attBodies[name]; ok {
				a.Data = bytes.NewReader(data)
			}
		case stub.Data != "":
			decoded, err := base64.StdEncoding.DecodeString(stub.Data)
			if err != nil {
				return DocumentRevs{}, fmt.Errorf("%w: decoding inline attachment %q: %v", ErrProtocol, name, err)
			}
			a.Data = bytes.NewReader(decoded)
		}
		atts = append(atts, a)
	}

	return DocumentRevs{
		ID:          wd.ID,
		RevID:       wd.Rev,
		RevIDs:      revIDs,
		Body:        body,
		Deleted:     wd.Deleted,
		Attachments: atts,
	}, nil
}

// BulkDocs writes docs to the remote with an explicit revision history,
// bypassing the peer's normal "parent must be a current leaf" check.
func (c *HTTPClient) BulkDocs(ctx context.Context, docs []BulkDoc) ([]BulkDocsResult, error) {
	wireDocs := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		wd := map[string]interface{}{}
		if len(d.Body) > 0 {
			if err := json.Unmarshal(d.Body, &wd); err != nil {
				return nil, fmt.Errorf("%w: encoding bulk doc %q: %v", ErrProtocol, d.ID, err)
			}
		}
		wd["_id"] = d.ID
		wd["_rev"] = d.RevID
		if d.Deleted {
			wd["_deleted"] = true
		}
		if len(d.RevIDs) > 0 {
			ids := make([]string, len(d.RevIDs))
			gen := 0
			for i, revID := range d.RevIDs {
				g, hash, err := ParseRevIDForWire(revID)
				if err != nil {
					return nil, err
				}
				ids[len(d.RevIDs)-1-i] = hash
				if i == len(d.RevIDs)-1 {
					gen = g
				}
			}
			wd["_revisions"] = wireRevisions{Start: gen, IDs: ids}
		}
		if len(d.Attachments) > 0 {
			atts := map[string]wireAttachmentStub{}
			for _, a := range d.Attachments {
				stub := wireAttachmentStub{
					ContentType: a.ContentType,
					Digest:      a.Digest,
					Length:      a.Length,
					Encoding:    a.Encoding,
					RevPos:      a.RevPos,
				}
				if a.Stub || a.Data == nil {
					// The caller marked it a stub (the push pipeline already
					// packed this digest's body into another document this
					// run) or supplied no body; send the stub only.
					stub.Stub = true
				} else {
					data, err := io.ReadAll(a.Data)
					if err != nil {
						return nil, fmt.Errorf("%w: reading attachment %q: %v", ErrTransport, a.Name, err)
					}
					stub.Data = base64.StdEncoding.EncodeToString(data)
				}
				atts[a.Name] = stub
			}
			wd["_attachments"] = atts
		}
		raw, err := json.Marshal(wd)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		wireDocs = append(wireDocs, raw)
	}

	payload := map[string]interface{}{
		"docs":      wireDocs,
		"new_edits": false,
	}
	mkBody := func() io.Reader {
		buf, _ := json.Marshal(payload)
		return bytes.NewReader(buf)
	}
	body, _, err := c.do(ctx, http.MethodPost, c.url("/_bulk_docs", nil), mkBody, nil)
	if err != nil {
		return nil, err
	}
	var wireResults []struct {
		ID     string `json:"id"`
		Rev    string `json:"rev"`
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &wireResults); err != nil {
		return nil, fmt.Errorf("%w: decoding bulk_docs response: %v", ErrProtocol, err)
	}
	results := make([]BulkDocsResult, len(wireResults))
	for i, r := range wireResults {
		results[i] = BulkDocsResult{
			ID:       r.ID,
			RevID:    r.Rev,
			OK:       r.OK,
			Error:    r.Error,
			Conflict: r.Error == "conflict",
		}
	}
	return results, nil
}

// ParseRevIDForWire splits a "<generation>-<hash>" rev id, returning an
// error wrapped in ErrProtocol so callers in this package can propagate it
// uniformly.
func ParseRevIDForWire(revID string) (int, string, error) {
	idx := strings.IndexByte(revID, '-')
	if idx < 1 {
		return 0, "", fmt.Errorf("%w: malformed rev id %q", ErrProtocol, revID)
	}
	gen, err := strconv.Atoi(revID[:idx])
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed rev id %q", ErrProtocol, revID)
	}
	return gen, revID[idx+1:], nil
}

// PutAttachment uploads one attachment body to an existing revision of id,
// returning the new revision the remote created for it. mkBody is a factory
// so a retried or replayed attempt always streams a fresh body.
func (c *HTTPClient) PutAttachment(ctx context.Context, id, rev, name string, mkBody bodyFactory, contentType string) (string, error) {
	q := url.Values{}
	q.Set("rev", rev)
	headers := map[string]string{
		"Content-Type": contentType,
		// Large uploads wait for the server's interim response before
		// streaming the body, so an auth rejection doesn't cost the
		// whole transfer.
		"Expect": "100-continue",
	}
	body, _, err := c.do(ctx, http.MethodPut, c.url("/"+url.PathEscape(id)+"/"+url.PathEscape(name), q), mkBody, headers)
	if err != nil {
		return "", err
	}
	var result struct {
		OK  bool   `json:"ok"`
		Rev string `json:"rev"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: decoding put attachment response: %v", ErrProtocol, err)
	}
	return result.Rev, nil
}

// GetCheckpoint reads the remote's view of this replication's progress
// from its `_local/<replication_id>` document. A 404 is not an error: it
// means replication has never run against this peer before.
func (c *HTTPClient) GetCheckpoint(ctx context.Context, replicationID string) (*Checkpoint, error) {
	path := "/_local/" + url.PathEscape(replicationID)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	bo := backoff.WithMaxRetries(policy, uint64(c.maxRetries))

	var result *Checkpoint
	var attempts int
	op := func() error {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path, nil), nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		req.Header.Set("User-Agent", defaultUserAgent)
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			result = &Checkpoint{LastSeq: 0}
			return nil
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode))
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(body, &cp); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decoding checkpoint: %v", ErrProtocol, err))
		}
		result = &cp
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	recordRetries(ctx, attempts)
	return result, nil
}

// PutCheckpoint records lastSeq as this replication's durable progress
// marker against the remote peer.
func (c *HTTPClient) PutCheckpoint(ctx context.Context, replicationID string, lastSeq int64) error {
	path := "/_local/" + url.PathEscape(replicationID)
	mkBody := func() io.Reader {
		buf, _ := json.Marshal(Checkpoint{LastSeq: lastSeq})
		return bytes.NewReader(buf)
	}
	_, _, err := c.do(ctx, http.MethodPut, c.url(path, nil), mkBody, nil)
	return err
}
