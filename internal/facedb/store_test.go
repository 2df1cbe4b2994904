package facedb

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/facerec/internal/storage"
	fderr "github.com/your-org/facerec/pkg/errors"
)

func TestRegister_ThenFindMatch(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(7))
	s := openStore(t, storage.NewMemoryStore())

	e := randomVec(r, 512)
	ident, err := s.Register(ctx, "p1", e, map[string]any{"name": "Alice", "team": "red"}, testImage())
	require.NoError(t, err)

	assert.Equal(t, "Alice", ident.Name)
	assert.Equal(t, "red", ident.Metadata["team"])
	assert.Nil(t, ident.LastSeen)
	assert.Zero(t, ident.RecognitionCount)
	require.Len(t, ident.Samples, 1)
	assert.Equal(t, "embeddings/p1/0.f32", ident.Samples[0].EmbeddingRef)
	assert.Equal(t, "faces/p1/0.jpg", ident.Samples[0].ImageRef)

	matches, err := s.FindMatch(ctx, e, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "p1", matches[0].IdentityID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-5)

	st := s.Statistics()
	assert.Equal(t, 1, st.IdentityCount)
	assert.Equal(t, 512, st.Dimensionality)
	assert.Equal(t, DefaultThreshold, st.Threshold)
}

func TestRegister_NameDefaultsToID(t *testing.T) {
	s := openStore(t, storage.NewMemoryStore())

	ident, err := s.Register(context.Background(), "p1", []float32{1, 0}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", ident.Name)
	assert.Equal(t, "p1", ident.Metadata["name"])
	assert.Empty(t, ident.Samples[0].ImageRef)
}

func TestRegister_Preconditions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemoryStore())
	register(t, s, "p1", "Alice", []float32{1, 0, 0})

	_, err := s.Register(ctx, "p1", []float32{0, 1, 0}, nil, nil)
	assert.True(t, fderr.IsDuplicate(err), "duplicate id: %v", err)

	_, err = s.Register(ctx, "p2", []float32{0, 1}, nil, nil)
	assert.True(t, fderr.IsDimensionMismatch(err), "dimension: %v", err)

	_, err = s.Register(ctx, "a/b", []float32{0, 1, 0}, nil, nil)
	assert.True(t, fderr.IsInvalidInput(err), "bad id: %v", err)

	_, err = s.Register(ctx, "p3", []float32{0, 1, 0}, map[string]any{"name": 7}, nil)
	assert.True(t, fderr.IsInvalidInput(err), "bad name: %v", err)

	_, err = s.Register(ctx, "p4", nil, nil, nil)
	assert.True(t, fderr.IsInvalidInput(err), "empty embedding: %v", err)

	assert.Equal(t, 1, s.Statistics().IdentityCount)
}

func TestRegister_RollsBackOnCatalogFailure(t *testing.T) {
	ctx := context.Background()
	blobs := newFaultyBlobs()
	s := openStore(t, blobs)

	blobs.failPut = keyIs(catalogKey)
	_, err := s.Register(ctx, "p1", []float32{1, 0}, nil, testImage())
	require.Error(t, err)
	assert.True(t, fderr.IsStorageIO(err))
	assert.ErrorIs(t, err, errInjected)

	_, err = s.Get("p1")
	assert.True(t, fderr.IsNotFound(err))
	assert.Equal(t, 0, s.Statistics().Dimensionality, "adopted dimensionality released")
	assert.Zero(t, blobs.Len(), "written blobs cleaned up")

	blobs.failPut = nil
	_, err = s.Register(ctx, "p1", []float32{1, 0, 0}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Statistics().Dimensionality)
}

func TestRegister_RollsBackOnVectorFailure(t *testing.T) {
	blobs := newFaultyBlobs()
	s := openStore(t, blobs)
	blobs.failPut = keyIs(embeddingKey("p1", 0))

	_, err := s.Register(context.Background(), "p1", []float32{1, 0}, nil, nil)
	require.True(t, fderr.IsStorageIO(err))
	assert.Empty(t, s.List())

	_, err = blobs.MemoryStore.Get(context.Background(), catalogKey)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "catalog never written")
}

func TestAddSample(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openStore(t, storage.NewMemoryStore(), WithClock(clock.Now))
	register(t, s, "p1", "Alice", []float32{1, 0, 0})

	before, err := s.Get("p1")
	require.NoError(t, err)

	ident, err := s.AddSample(ctx, "p1", []float32{0, 1, 0}, testImage())
	require.NoError(t, err)
	require.Len(t, ident.Samples, 2)
	assert.Equal(t, 1, ident.Samples[1].Index)
	assert.Equal(t, "embeddings/p1/1.f32", ident.Samples[1].EmbeddingRef)
	assert.Equal(t, "faces/p1/1.jpg", ident.Samples[1].ImageRef)
	assert.Equal(t, before.RegisteredAt, ident.RegisteredAt)
	assert.Zero(t, ident.RecognitionCount)
	assert.Nil(t, ident.LastSeen)

	_, err = s.AddSample(ctx, "nobody", []float32{0, 1, 0}, nil)
	assert.True(t, fderr.IsNotFound(err))

	_, err = s.AddSample(ctx, "p1", []float32{0, 1}, nil)
	assert.True(t, fderr.IsDimensionMismatch(err))
}

func TestAddSample_RollsBackOnCatalogFailure(t *testing.T) {
	ctx := context.Background()
	blobs := newFaultyBlobs()
	s := openStore(t, blobs)
	register(t, s, "p1", "Alice", []float32{1, 0})

	persisted, err := blobs.MemoryStore.Get(ctx, catalogKey)
	require.NoError(t, err)

	blobs.failPut = keyIs(catalogKey)
	_, err = s.AddSample(ctx, "p1", []float32{0, 1}, nil)
	require.True(t, fderr.IsStorageIO(err))

	ident, err := s.Get("p1")
	require.NoError(t, err)
	assert.Len(t, ident.Samples, 1)

	after, err := blobs.MemoryStore.Get(ctx, catalogKey)
	require.NoError(t, err)
	assert.Equal(t, persisted, after)

	_, err = blobs.MemoryStore.Get(ctx, embeddingKey("p1", 1))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestFindMatch_RanksDescending(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(11))
	s := openStore(t, storage.NewMemoryStore())

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		register(t, s, id, id, randomVec(r, 128))
	}

	query := randomVec(r, 128)
	matches, err := s.FindMatch(ctx, query, 10)
	require.NoError(t, err)
	require.Len(t, matches, 6)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}

	top3, err := s.FindMatch(ctx, query, 3)
	require.NoError(t, err)
	assert.Equal(t, matches[:3], top3)

	_, err = s.FindMatch(ctx, query, 0)
	assert.True(t, fderr.IsInvalidInput(err))

	_, err = s.FindMatch(ctx, query[:10], 1)
	assert.True(t, fderr.IsDimensionMismatch(err))
}

func TestFindMatch_TiesKeepInsertionOrder(t *testing.T) {
	s := openStore(t, storage.NewMemoryStore())
	e := []float32{0.3, 0.4, 0.5}
	register(t, s, "second", "X", e)
	register(t, s, "first", "X", e)
	register(t, s, "other", "Y", []float32{-1, 0, 0})

	matches, err := s.FindMatch(context.Background(), e, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "second", matches[0].IdentityID)
	assert.Equal(t, "first", matches[1].IdentityID)
	assert.Equal(t, matches[0].Score, matches[1].Score)
	assert.Equal(t, "other", matches[2].IdentityID)
}

func TestFindMatch_BestOfSamples(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemoryStore())
	register(t, s, "alice", "Alice", []float32{1, 0, 0})
	register(t, s, "bob", "Bob", []float32{0.7, 0.7, 0})

	query := []float32{0, 0, 1}
	_, err := s.AddSample(ctx, "alice", []float32{0, 0.1, 1}, nil)
	require.NoError(t, err)

	matches, err := s.FindMatch(ctx, query, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "alice", matches[0].IdentityID)
	assert.Greater(t, matches[0].Score, float32(0.99))
}

func TestFindMatch_ExcludesIdentitiesWithoutVectors(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	s := openStore(t, blobs)

	query := []float32{1, 2, 3}
	register(t, s, "far", "Far", negate(query))
	register(t, s, "gone", "Gone", query)

	require.NoError(t, blobs.Delete(ctx, embeddingKey("gone", 0)))
	reloaded := openStore(t, blobs)

	matches, err := reloaded.FindMatch(ctx, query, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1, "identity without vectors is not scored")
	assert.Equal(t, "far", matches[0].IdentityID)
	assert.InDelta(t, -1.0, matches[0].Score, 1e-6)

	_, ok, err := reloaded.Recognize(ctx, query)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmptyStore(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemoryStore())

	_, ok, err := s.Recognize(ctx, []float32{1, 2, 3})
	require.NoError(t, err)
	assert.False(t, ok)

	matches, err := s.FindMatch(ctx, []float32{1, 2, 3}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRecognize(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	s := openStore(t, blobs)
	register(t, s, "p1", "Alice", []float32{1, 0})

	// cos(60°) = 0.5 sits on the threshold; 0.49 is below it.
	below := []float32{0.49, 0.8717}
	_, ok, err := s.Recognize(ctx, below)
	require.NoError(t, err)
	assert.False(t, ok)

	ident, err := s.Get("p1")
	require.NoError(t, err)
	assert.Zero(t, ident.RecognitionCount)
	assert.Nil(t, ident.LastSeen)

	called := time.Now().UTC()
	m, ok, err := s.Recognize(ctx, []float32{0.9, 0.1})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "p1", m.IdentityID)
	assert.Equal(t, "Alice", m.Name)

	ident, err = s.Get("p1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, ident.RecognitionCount)
	require.NotNil(t, ident.LastSeen)
	assert.False(t, ident.LastSeen.Before(called))

	// FindMatch never records anything.
	_, err = s.FindMatch(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.Statistics().TotalRecognitions)

	reloaded := openStore(t, blobs)
	ident, err = reloaded.Get("p1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, ident.RecognitionCount, "stats flushed")
}

func TestRecognize_ThresholdIsInclusive(t *testing.T) {
	s := openStore(t, storage.NewMemoryStore(), WithThreshold(1))
	register(t, s, "p1", "Alice", []float32{2, 0})

	_, ok, err := s.Recognize(context.Background(), []float32{1, 0})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecognize_DeferredStats(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	s := openStore(t, blobs, WithDeferredStats())
	register(t, s, "p1", "Alice", []float32{1, 0})

	_, ok, err := s.Recognize(ctx, []float32{1, 0})
	require.NoError(t, err)
	require.True(t, ok)

	ident, err := openStore(t, blobs).Get("p1")
	require.NoError(t, err)
	assert.Zero(t, ident.RecognitionCount, "not yet flushed")

	require.NoError(t, s.Close(ctx))

	ident, err = openStore(t, blobs).Get("p1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, ident.RecognitionCount)
}

func TestRecognize_FlushFailureStillMatches(t *testing.T) {
	ctx := context.Background()
	blobs := newFaultyBlobs()
	s := openStore(t, blobs)
	register(t, s, "p1", "Alice", []float32{1, 0})

	blobs.failPut = keyIs(catalogKey)
	_, ok, err := s.Recognize(ctx, []float32{1, 0})
	require.NoError(t, err)
	assert.True(t, ok)

	blobs.failPut = nil
	require.NoError(t, s.Close(ctx))
	ident, err := openStore(t, blobs).Get("p1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, ident.RecognitionCount)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	s := openStore(t, blobs)

	e := []float32{1, 2, 3}
	_, err := s.Register(ctx, "p1", e, map[string]any{"name": "Alice"}, testImage())
	require.NoError(t, err)
	_, err = s.AddSample(ctx, "p1", []float32{3, 2, 1}, testImage())
	require.NoError(t, err)
	register(t, s, "p2", "Bob", negate(e))

	require.NoError(t, s.Remove(ctx, "p1"))

	matches, err := s.FindMatch(ctx, e, 5)
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotEqual(t, "p1", m.IdentityID)
	}

	for _, key := range []string{embeddingKey("p1", 0), embeddingKey("p1", 1), imageKey("p1", 0), imageKey("p1", 1)} {
		_, err := blobs.Get(ctx, key)
		assert.True(t, errors.Is(err, storage.ErrNotFound), key)
	}

	assert.True(t, fderr.IsNotFound(s.Remove(ctx, "p1")))

	_, err = openStore(t, blobs).Get("p1")
	assert.True(t, fderr.IsNotFound(err))
}

func TestRemove_FileDeletionFailureIsTolerated(t *testing.T) {
	ctx := context.Background()
	blobs := newFaultyBlobs()
	s := openStore(t, blobs)
	register(t, s, "p1", "Alice", []float32{1, 0})

	blobs.failDelete = func(string) bool { return true }
	require.NoError(t, s.Remove(ctx, "p1"))

	_, err := openStore(t, blobs).Get("p1")
	assert.True(t, fderr.IsNotFound(err))
}

func TestRemove_CatalogFailureKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	blobs := newFaultyBlobs()
	s := openStore(t, blobs)
	register(t, s, "p1", "Alice", []float32{1, 0})
	register(t, s, "p2", "Bob", []float32{0, 1})

	blobs.failPut = keyIs(catalogKey)
	err := s.Remove(ctx, "p1")
	require.True(t, fderr.IsStorageIO(err))

	ids := []string{}
	for _, ident := range s.List() {
		ids = append(ids, ident.ID)
	}
	assert.Equal(t, []string{"p1", "p2"}, ids, "position restored")

	_, err = blobs.MemoryStore.Get(ctx, embeddingKey("p1", 0))
	assert.NoError(t, err, "vectors kept while still referenced")
}

func TestUpdateMetadata(t *testing.T) {
	ctx := context.Background()
	blobs := newFaultyBlobs()
	s := openStore(t, blobs)
	_, err := s.Register(ctx, "p1", []float32{1, 0}, map[string]any{"name": "Alice", "role": "dev"}, nil)
	require.NoError(t, err)

	ident, err := s.UpdateMetadata(ctx, "p1", map[string]any{"role": "lead", "floor": 3.0})
	require.NoError(t, err)
	assert.Equal(t, "lead", ident.Metadata["role"])
	assert.Equal(t, 3.0, ident.Metadata["floor"])
	assert.Equal(t, "Alice", ident.Metadata["name"])

	ident, err = s.UpdateMetadata(ctx, "p1", map[string]any{"name": "Alicia"})
	require.NoError(t, err)
	assert.Equal(t, "Alicia", ident.Name)

	_, err = s.UpdateMetadata(ctx, "p1", map[string]any{"name": ""})
	assert.True(t, fderr.IsInvalidInput(err))

	_, err = s.UpdateMetadata(ctx, "ghost", map[string]any{"a": 1})
	assert.True(t, fderr.IsNotFound(err))

	blobs.failPut = keyIs(catalogKey)
	_, err = s.UpdateMetadata(ctx, "p1", map[string]any{"role": "cto", "name": "Al"})
	require.True(t, fderr.IsStorageIO(err))

	ident, err = s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "lead", ident.Metadata["role"])
	assert.Equal(t, "Alicia", ident.Name)
}

func TestGet_ReturnsCopies(t *testing.T) {
	s := openStore(t, storage.NewMemoryStore())
	register(t, s, "p1", "Alice", []float32{1, 0})

	ident, err := s.Get("p1")
	require.NoError(t, err)
	ident.Metadata["name"] = "Mallory"
	ident.Samples[0].EmbeddingRef = "x"

	again, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", again.Metadata["name"])
	assert.Equal(t, embeddingKey("p1", 0), again.Samples[0].EmbeddingRef)
}

func TestSampleImage(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemoryStore())
	_, err := s.Register(ctx, "p1", []float32{1, 0}, nil, testImage())
	require.NoError(t, err)
	_, err = s.AddSample(ctx, "p1", []float32{0, 1}, nil)
	require.NoError(t, err)

	data, err := s.SampleImage(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2], "JPEG SOI marker")

	_, err = s.SampleImage(ctx, "p1", 1)
	assert.True(t, fderr.IsNotFound(err), "sample without image")
	_, err = s.SampleImage(ctx, "p1", 5)
	assert.True(t, fderr.IsNotFound(err))
	_, err = s.SampleImage(ctx, "nobody", 0)
	assert.True(t, fderr.IsNotFound(err))
}

func TestConcurrentUse(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(3))
	s := openStore(t, storage.NewMemoryStore(), WithDeferredStats())

	base := randomVec(r, 32)
	register(t, s, "p0", "P0", base)

	queries := make([][]float32, 8)
	for i := range queries {
		queries[i] = randomVec(r, 32)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := s.FindMatch(ctx, queries[w], 3)
				assert.NoError(t, err)
				_, _, err = s.Recognize(ctx, base)
				assert.NoError(t, err)
				if i%5 == 0 {
					_, err = s.AddSample(ctx, "p0", queries[w], nil)
					assert.NoError(t, err)
				}
			}
		}()
	}
	wg.Wait()

	ident, err := s.Get("p0")
	require.NoError(t, err)
	assert.EqualValues(t, 160, ident.RecognitionCount)
	assert.Len(t, ident.Samples, 1+8*4)
	for i, sample := range ident.Samples {
		assert.Equal(t, i, sample.Index)
	}
}
