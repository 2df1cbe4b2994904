package facedb

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/facerec/internal/config"
	"github.com/your-org/facerec/internal/storage"
	fderr "github.com/your-org/facerec/pkg/errors"
)

func TestPersistLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(5))

	local, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer local.Close()

	s := openStore(t, local, WithModel("arcface"))
	register(t, s, "p1", "Alice", randomVec(r, 64))
	register(t, s, "p2", "Bob", randomVec(r, 64))
	_, err = s.AddSample(ctx, "p1", randomVec(r, 64), testImage())
	require.NoError(t, err)
	_, err = s.UpdateMetadata(ctx, "p2", map[string]any{"badge": "42"})
	require.NoError(t, err)

	p1, err := s.Get("p1")
	require.NoError(t, err)
	_, ok, err := s.Recognize(ctx, s.vectors[p1.Samples[1].EmbeddingRef])
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Persist(ctx))

	fresh := openStore(t, local, WithModel("arcface"))

	assert.Equal(t, s.List(), fresh.List())
	assert.Equal(t, s.Statistics(), fresh.Statistics())
	for _, ident := range s.List() {
		for _, sample := range ident.Samples {
			assert.Equal(t, encodeVector(s.vectors[sample.EmbeddingRef]), encodeVector(fresh.vectors[sample.EmbeddingRef]))
		}
	}
}

func TestLoad_MissingCatalogStartsEmpty(t *testing.T) {
	s := openStore(t, storage.NewMemoryStore())
	st := s.Statistics()
	assert.Zero(t, st.IdentityCount)
	assert.Zero(t, st.Dimensionality)
	assert.Equal(t, DefaultThreshold, st.Threshold)
}

func TestLoad_Corrupt(t *testing.T) {
	ctx := context.Background()

	t.Run("unparseable", func(t *testing.T) {
		blobs := storage.NewMemoryStore()
		require.NoError(t, blobs.Put(ctx, catalogKey, []byte("{not json")))

		_, err := Open(ctx, blobs, WithLogger(quietLogger()))
		require.Error(t, err)
		assert.True(t, fderr.IsCorruptCatalog(err))
	})

	t.Run("vector of wrong length", func(t *testing.T) {
		blobs := storage.NewMemoryStore()
		s := openStore(t, blobs)
		register(t, s, "p1", "Alice", []float32{1, 2, 3})
		require.NoError(t, blobs.Put(ctx, embeddingKey("p1", 0), encodeVector([]float32{1, 2})))

		_, err := Open(ctx, blobs, WithLogger(quietLogger()))
		require.Error(t, err)
		assert.True(t, fderr.IsCorruptCatalog(err))
	})
}

func TestLoad_ReadFailure(t *testing.T) {
	blobs := newFaultyBlobs()
	blobs.failGet = keyIs(catalogKey)

	_, err := Open(context.Background(), blobs, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.True(t, fderr.IsStorageIO(err))
}

func TestModelPinning(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	s := openStore(t, blobs, WithModel("arcface"))
	register(t, s, "p1", "Alice", []float32{1, 2, 3})

	_, err := Open(ctx, blobs, WithLogger(quietLogger()), WithModel("facenet"))
	assert.True(t, fderr.IsModelMismatch(err))

	unpinned := openStore(t, blobs)
	assert.Equal(t, "arcface", unpinned.Statistics().ModelID)
	assert.NoError(t, unpinned.CheckModel("arcface", 3))
	assert.True(t, fderr.IsModelMismatch(unpinned.CheckModel("facenet", 3)))
	assert.True(t, fderr.IsModelMismatch(unpinned.CheckModel("arcface", 512)))
}

func TestCheckModel_AdoptsOnFreshCatalog(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	s := openStore(t, blobs)

	require.NoError(t, s.CheckModel("arcface", 512))
	require.NoError(t, s.Close(ctx))

	assert.Equal(t, "arcface", openStore(t, blobs).Statistics().ModelID)
}

func TestThresholdOverride(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	s := openStore(t, blobs, WithThreshold(0.8))
	register(t, s, "p1", "Alice", []float32{1, 0})

	assert.Equal(t, 0.8, openStore(t, blobs).Threshold(), "override persisted")
	assert.Equal(t, 0.3, openStore(t, blobs, WithThreshold(0.3)).Threshold())

	_, err := Open(ctx, blobs, WithLogger(quietLogger()), WithThreshold(1.5))
	assert.True(t, fderr.IsInvalidInput(err))
}

func TestOptionsFromConfig(t *testing.T) {
	threshold := 0.7
	cfg := config.StoreConfig{Threshold: &threshold, ModelID: "m1", DeferStats: true, LoadWorkers: 2}

	s := New(storage.NewMemoryStore(), OptionsFromConfig(cfg, quietLogger())...)
	assert.Equal(t, 0.7, s.Threshold())
	assert.Equal(t, "m1", s.Statistics().ModelID)
	assert.True(t, s.deferStats)
	assert.Equal(t, 2, s.loadWorkers)

	s = New(storage.NewMemoryStore(), OptionsFromConfig(config.StoreConfig{}, nil)...)
	assert.Equal(t, DefaultThreshold, s.Threshold())
	assert.False(t, s.deferStats)
	assert.Equal(t, 8, s.loadWorkers)
}
