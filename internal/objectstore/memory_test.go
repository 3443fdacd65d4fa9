package objectstore

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakeside-io/lakeside/internal/ingestion"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "a/b/1.csv", strings.NewReader("one")))
	require.NoError(t, store.Put(ctx, "a/b/2.csv", strings.NewReader("two")))
	require.NoError(t, store.Put(ctx, "a/c/3.csv", strings.NewReader("three")))

	keys, err := store.List(ctx, "a/b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b/1.csv", "a/b/2.csv"}, keys)

	rc, err := store.Get(ctx, "a/c/3.csv")
	require.NoError(t, err)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "three", string(data))

	require.NoError(t, store.Remove(ctx, "a/c/3.csv"))
	require.NoError(t, store.Remove(ctx, "a/c/3.csv"))

	_, err = store.Get(ctx, "a/c/3.csv")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, ingestion.ErrExternal)
	assert.Equal(t, 2, store.Len())
}

func TestCopy(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "src", strings.NewReader("payload")))

	require.NoError(t, Copy(ctx, store, "src", "dst"))
	assert.Equal(t, []byte("payload"), store.Bytes("dst"))
	assert.True(t, store.Exists("src"))

	err := Copy(ctx, store, "missing", "dst2")
	assert.True(t, IsNotFound(err))
	assert.False(t, store.Exists("dst2"))
}

func TestMemoryOpener_SharesBuckets(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	open := MemoryOpener()

	a1, err := open(ctx, "a")
	require.NoError(t, err)

	a2, err := open(ctx, "a")
	require.NoError(t, err)

	b, err := open(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, a1.Put(ctx, "k", strings.NewReader("v")))

	_, err = a2.Get(ctx, "k")
	require.NoError(t, err)

	_, err = b.Get(ctx, "k")
	assert.True(t, IsNotFound(err))
}
