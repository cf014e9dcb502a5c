// Package blobstore implements a directory-backed, content-addressed byte
// store: attachment bodies are keyed by their SHA-1 digest so that many
// document revisions can share one on-disk copy.
package blobstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// ErrNotFound is returned by Get when the digest has no entry.
var ErrNotFound = errors.New("blobstore: digest not found")

const tempPrefix = "temp-"

// Store is a directory-backed content-addressed blob store.
type Store struct {
	root string
}

// Open returns a Store rooted at dir, creating it if necessary, and sweeps
// away any temp files orphaned by a previous crash.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	s := &Store{root: dir}
	if err := s.sweepOrphanedTemp(); err != nil {
		return nil, err
	}
	return s, nil
}

// sweepOrphanedTemp removes any temp-<uuid> file left behind by a process
// that died between creating the temp file and renaming it into place.
func (s *Store) sweepOrphanedTemp() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("blobstore: read root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), tempPrefix) {
			_ = os.Remove(filepath.Join(s.root, e.Name()))
		}
	}
	return nil
}

// Put streams r to a temp file, computing its SHA-1 digest incrementally,
// then atomically renames it to hex(digest). Concurrent Puts of identical
// content race harmlessly to the same destination name; the final state is
// the same bytes regardless of which writer wins.
func (s *Store) Put(ctx context.Context, r io.Reader) (digest string, length int64, err error) {
	tmp, err := os.CreateTemp(s.root, tempPrefix+uuid.NewString())
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	h := sha1.New()
	n, err := io.Copy(tmp, io.TeeReader(r, h))
	if cerr := tmp.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: write temp: %w", err)
	}
	if ctx.Err() != nil {
		return "", 0, ctx.Err()
	}

	digest = hex.EncodeToString(h.Sum(nil))
	dest := filepath.Join(s.root, digest)
	if err = os.Rename(tmpPath, dest); err != nil {
		return "", 0, fmt.Errorf("blobstore: rename into place: %w", err)
	}
	return digest, n, nil
}

// PutGzipped decompresses a gzip stream into the store. The blob store
// only ever holds plain bytes, so the returned digest and length cover the
// decompressed content regardless of how it travelled on the wire.
func (s *Store) PutGzipped(ctx context.Context, r io.Reader) (digest string, length int64, err error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: open gzip stream: %w", err)
	}
	defer gz.Close()
	return s.Put(ctx, gz)
}

// Get opens the blob for digest. The caller must close the returned reader.
func (s *Store) Get(digest string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: open %s: %w", digest, err)
	}
	return f, nil
}

// Digests lists the hex-sha1 names of every blob currently on disk,
// excluding any orphaned temp files (those are swept on Open, but a
// concurrent Put racing a Digests call could still leave one visible
// momentarily).
func (s *Store) Digests() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// Exists reports whether digest has a blob on disk.
func (s *Store) Exists(digest string) bool {
	_, err := os.Stat(filepath.Join(s.root, digest))
	return err == nil
}

// Remove deletes the blob for digest. Idempotent: removing a digest that is
// already absent is not an error.
func (s *Store) Remove(digest string) error {
	err := os.Remove(filepath.Join(s.root, digest))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: remove %s: %w", digest, err)
	}
	return nil
}
