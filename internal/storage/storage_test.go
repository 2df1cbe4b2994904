package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseBlobStore(t *testing.T, s BlobStore) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "embeddings/a/0.f32", []byte{1, 2, 3, 4}))
	require.NoError(t, s.Put(ctx, "embeddings/a/1.f32", []byte{5, 6, 7, 8}))
	require.NoError(t, s.Put(ctx, "catalog.json", []byte(`{}`)))

	got, err := s.Get(ctx, "embeddings/a/0.f32")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	require.NoError(t, s.Put(ctx, "catalog.json", []byte(`{"v":2}`)))
	got, err = s.Get(ctx, "catalog.json")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(got))

	_, err = s.Get(ctx, "embeddings/missing/0.f32")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	keys, err := s.List(ctx, "embeddings/")
	require.NoError(t, err)
	assert.Equal(t, []string{"embeddings/a/0.f32", "embeddings/a/1.f32"}, keys)

	require.NoError(t, s.Delete(ctx, "embeddings/a/0.f32"))
	require.NoError(t, s.Delete(ctx, "embeddings/a/0.f32"), "deleting twice is fine")

	keys, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"catalog.json", "embeddings/a/1.f32"}, keys)

	require.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseBlobStore(t, s)
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_CopiesPayloads(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	data := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", data))
	data[0] = 'z'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got[1] = 'z'
	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestLocalStore(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	exerciseBlobStore(t, s)
}

func TestLocalStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, "catalog.json", []byte{byte(i)}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{".lock", "catalog.json"}, names)

	data, err := os.ReadFile(filepath.Join(dir, "catalog.json"))
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, data)
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for _, key := range []string{"", "../outside", "/abs/path", "a/../../b"} {
		assert.Error(t, s.Put(ctx, key, []byte("x")), key)
		_, err := s.Get(ctx, key)
		assert.Error(t, err, key)
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", contentType("catalog.json"))
	assert.Equal(t, "image/jpeg", contentType("faces/a/0.JPG"))
	assert.Equal(t, "application/octet-stream", contentType("embeddings/a/0.f32"))
}
