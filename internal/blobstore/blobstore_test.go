package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	digest, length, err := s.Put(context.Background(), bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	assert.Len(t, digest, 40)
	assert.EqualValues(t, 11, length)

	rc, err := s.Get(digest)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestPutIsContentAddressed(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	d1, _, err := s.Put(context.Background(), bytes.NewReader([]byte("same")))
	require.NoError(t, err)
	d2, _, err := s.Put(context.Background(), bytes.NewReader([]byte("same")))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestExistsAndRemove(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	digest, _, err := s.Put(context.Background(), bytes.NewReader([]byte("data")))
	require.NoError(t, err)
	assert.True(t, s.Exists(digest))

	require.NoError(t, s.Remove(digest))
	assert.False(t, s.Exists(digest))

	// Removing an already-absent digest is not an error.
	require.NoError(t, s.Remove(digest))
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get("deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenSweepsOrphanedTempFiles(t *testing.T) {
	dir := t.TempDir()
	orphan := filepath.Join(dir, "temp-leftover-from-a-crash")
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0o644))

	_, err := Open(dir)
	require.NoError(t, err)

	_, statErr := os.Stat(orphan)
	assert.True(t, os.IsNotExist(statErr), "orphaned temp file should be swept on open")
}

func TestPutGzippedStoresPlainBytes(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	plain := []byte("compress me compress me compress me")
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	_, err = gz.Write(plain)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	digest, length, err := s.PutGzipped(context.Background(), &compressed)
	require.NoError(t, err)
	assert.EqualValues(t, len(plain), length, "length must cover the plain bytes")

	// The digest is content-addressed over the plain bytes, so storing the
	// same content uncompressed lands on the same key.
	plainDigest, _, err := s.Put(context.Background(), bytes.NewReader(plain))
	require.NoError(t, err)
	assert.Equal(t, plainDigest, digest)

	rc, err := s.Get(digest)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, plain, data)
}
