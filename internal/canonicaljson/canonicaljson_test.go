package canonicaljson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	v := map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
		"mike":  map[string]interface{}{"b": 1, "a": 2},
	}
	out, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mike":{"a":2,"b":1},"zebra":1}`, string(out))
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	v := map[string]interface{}{"html": "<b>&</b>"}
	out, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<b>&</b>"}`, string(out))
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := map[string]interface{}{"a": 1, "b": []interface{}{1, 2, 3}}
	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMarshalRawRoundTrips(t *testing.T) {
	out, err := MarshalRaw([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestRevisionHashIsPureFunction(t *testing.T) {
	body, err := Marshal(map[string]interface{}{"title": "hello"})
	require.NoError(t, err)

	h1 := RevisionHash(body, "1-abc", false)
	h2 := RevisionHash(body, "1-abc", false)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)

	h3 := RevisionHash(body, "1-abc", true)
	assert.NotEqual(t, h1, h3, "deleted flag must change the hash")

	h4 := RevisionHash(body, "1-xyz", false)
	assert.NotEqual(t, h1, h4, "parent rev id must change the hash")
}

func TestBlobDigestMatchesSHA1Length(t *testing.T) {
	d := BlobDigest([]byte("hello world"))
	assert.Len(t, d, 40)
}
