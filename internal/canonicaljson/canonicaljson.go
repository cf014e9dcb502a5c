// Package canonicaljson produces the deterministic JSON encoding that the
// revision tree hashes to derive rev_ids, and the content digests the blob
// store keys attachments by.
package canonicaljson

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal re-encodes an arbitrary JSON-shaped value (maps, slices, and the
// primitive types json.Unmarshal into interface{} produces) with object keys
// sorted lexicographically, no insignificant whitespace, and no HTML
// escaping. The result must match byte-for-byte what a CouchDB-style remote
// produces for the same logical document, since rev_id comparison depends
// on it.
func Marshal(v interface{}) ([]byte, error) {
	normalized := normalize(v)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canonicaljson: encode: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; strip it so callers
	// get exactly the bytes that were hashed.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MarshalRaw canonicalizes an already-encoded JSON document by round-tripping
// it through Marshal. Used when the body arrived as raw bytes (e.g. over the
// wire) rather than as a decoded Go value.
func MarshalRaw(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonicaljson: unmarshal: %w", err)
	}
	return Marshal(v)
}

// normalize walks a decoded JSON value and replaces maps with sortedMap so
// that json.Marshal emits keys in lexicographic order regardless of the
// map's native iteration order.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(sortedMap, len(keys))
		for i, k := range keys {
			out[i] = sortedEntry{key: k, value: normalize(val[k])}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	default:
		return val
	}
}

type sortedEntry struct {
	key   string
	value interface{}
}

// sortedMap marshals as a JSON object with entries in slice order, which is
// already lexicographic because normalize sorted the keys.
type sortedMap []sortedEntry

func (m sortedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := Marshal(entry.key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		valJSON, err := Marshal(entry.value)
		if err != nil {
			return nil, err
		}
		buf.Write(valJSON)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// RevisionHash computes the 32-hex-character digest used in a rev_id:
// md5(canonical_json(body) || parent_rev_id || deleted_flag).
func RevisionHash(canonicalBody []byte, parentRevID string, deleted bool) string {
	h := md5.New()
	h.Write(canonicalBody)
	h.Write([]byte(parentRevID))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// BlobDigest computes the SHA-1 digest used as a blob store key.
func BlobDigest(data []byte) string {
	sum := sha1.Sum(data)
	return fmt.Sprintf("%x", sum)
}
