package facedb

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/your-org/facerec/internal/storage"
)

var errInjected = errors.New("injected failure")

// faultyBlobs wraps a MemoryStore and fails selected calls.
type faultyBlobs struct {
	*storage.MemoryStore
	failPut    func(key string) bool
	failGet    func(key string) bool
	failDelete func(key string) bool
}

func newFaultyBlobs() *faultyBlobs {
	return &faultyBlobs{MemoryStore: storage.NewMemoryStore()}
}

func (f *faultyBlobs) Put(ctx context.Context, key string, data []byte) error {
	if f.failPut != nil && f.failPut(key) {
		return errInjected
	}
	return f.MemoryStore.Put(ctx, key, data)
}

func (f *faultyBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failGet != nil && f.failGet(key) {
		return nil, errInjected
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *faultyBlobs) Delete(ctx context.Context, key string) error {
	if f.failDelete != nil && f.failDelete(key) {
		return errInjected
	}
	return f.MemoryStore.Delete(ctx, key)
}

func keyIs(want string) func(string) bool {
	return func(key string) bool { return key == want }
}

// fakeClock advances one second per reading unless pinned.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T, blobs storage.BlobStore, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := Open(context.Background(), blobs, opts...)
	require.NoError(t, err)
	return s
}

func randomVec(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func negate(v []float32) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = -f
	}
	return out
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 30), uint8(y * 30), 128, 255})
		}
	}
	return img
}

func register(t *testing.T, s *Store, id, name string, emb []float32) {
	t.Helper()
	_, err := s.Register(context.Background(), id, emb, map[string]any{"name": name}, nil)
	require.NoError(t, err)
}
