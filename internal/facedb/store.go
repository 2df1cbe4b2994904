// Package facedb is the face embedding store: it owns the identity catalog,
// persists one or more embedding samples per identity and matches query
// embeddings against them.
//
// A Store is safe for concurrent use. Every operation, searches included,
// runs under one exclusive lock, so callers always observe a consistent
// catalog. Mutations are not cancelled by their context: once started they
// run to completion or fail.
package facedb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/your-org/facerec/internal/models"
	"github.com/your-org/facerec/internal/observability"
	"github.com/your-org/facerec/internal/storage"
	fderr "github.com/your-org/facerec/pkg/errors"
)

const maxIDLength = 128

// Store is the embedding store. Construct it once with Open and share it.
type Store struct {
	mu sync.Mutex

	blobs  storage.BlobStore
	logger *slog.Logger
	now    func() time.Time

	identities []*models.Identity
	byID       map[string]*models.Identity
	// vectors caches sample embeddings by embedding ref. A nil entry marks a
	// sample whose vector could not be loaded.
	vectors map[string][]float32

	threshold         float64
	thresholdOverride *float64
	dim               int
	modelID           string
	deferStats        bool
	loadWorkers       int

	// dirty is set when in-memory state is ahead of the persisted catalog.
	dirty bool
}

// New returns an empty store backed by blobs. Call Load before use, or use Open.
func New(blobs storage.BlobStore, opts ...Option) *Store {
	s := &Store{
		blobs:       blobs,
		logger:      slog.Default(),
		now:         time.Now,
		byID:        make(map[string]*models.Identity),
		vectors:     make(map[string][]float32),
		threshold:   DefaultThreshold,
		loadWorkers: 8,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.thresholdOverride != nil {
		s.threshold = *s.thresholdOverride
	}
	return s
}

// Open creates a store and loads its catalog.
func Open(ctx context.Context, blobs storage.BlobStore, opts ...Option) (*Store, error) {
	s := New(blobs, opts...)
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Load replaces the in-memory catalog with the persisted one. A missing
// catalog is a first run and yields an empty store. An unreadable or
// inconsistent catalog fails with a corrupt-catalog error.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observeOp("load", time.Now())

	if s.thresholdOverride != nil && (*s.thresholdOverride < 0 || *s.thresholdOverride > 1) {
		return fderr.New(fderr.CodeStoreInputInvalid, "threshold outside [0,1]", fderr.Field("threshold", *s.thresholdOverride))
	}

	ctx = context.WithoutCancel(ctx)

	data, err := s.blobs.Get(ctx, catalogKey)
	if errors.Is(err, storage.ErrNotFound) {
		s.reset(nil)
		s.logger.Info("no catalog found, starting empty", "threshold", s.threshold)
		return nil
	}
	if err != nil {
		observability.StorageErrors.WithLabelValues("load").Inc()
		return fderr.Wrap(err, fderr.CodeStoreIOFailure, "read catalog")
	}

	doc, err := decodeCatalog(data)
	if err != nil {
		return fderr.Wrap(err, fderr.CodeStoreCatalogCorrupt, "invalid catalog")
	}
	if s.modelID != "" && doc.Config.ModelID != "" && s.modelID != doc.Config.ModelID {
		return fderr.New(fderr.CodeStoreCatalogModelMismatch, "catalog was built by a different model",
			fderr.Field("catalog_model", doc.Config.ModelID), fderr.Field("model", s.modelID))
	}

	vectors, err := s.loadVectors(ctx, doc)
	if err != nil {
		return err
	}

	s.reset(doc)
	s.vectors = vectors
	s.updateGaugesLocked()

	s.logger.Info("catalog loaded",
		"identities", len(s.identities),
		"dimensionality", s.dim,
		"threshold", s.threshold,
		"model", s.modelID,
	)
	return nil
}

// reset installs doc (nil for an empty catalog) as the in-memory state.
func (s *Store) reset(doc *catalogDoc) {
	s.identities = nil
	s.byID = make(map[string]*models.Identity)
	s.vectors = make(map[string][]float32)
	s.dim = 0
	s.dirty = false
	if s.thresholdOverride == nil {
		s.threshold = DefaultThreshold
	}
	if doc == nil {
		return
	}

	s.dim = doc.Config.Dimensionality
	if s.thresholdOverride == nil {
		s.threshold = doc.Config.Threshold
	} else if *s.thresholdOverride != doc.Config.Threshold {
		s.dirty = true
	}
	if s.modelID == "" {
		s.modelID = doc.Config.ModelID
	} else if doc.Config.ModelID == "" {
		s.dirty = true
	}

	for i := range doc.Identities {
		ident := &doc.Identities[i]
		s.identities = append(s.identities, ident)
		s.byID[ident.ID] = ident
	}
}

// loadVectors reads every sample vector concurrently. Missing or unreadable
// blobs are logged and left nil; a blob of the wrong length is corruption.
func (s *Store) loadVectors(ctx context.Context, doc *catalogDoc) (map[string][]float32, error) {
	var refs []string
	for _, ident := range doc.Identities {
		for _, sample := range ident.Samples {
			refs = append(refs, sample.EmbeddingRef)
		}
	}

	loaded := make([][]float32, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.loadWorkers)
	for i, ref := range refs {
		g.Go(func() error {
			data, err := s.blobs.Get(gctx, ref)
			if err != nil {
				s.logger.Warn("embedding unavailable, sample skipped", "ref", ref, "error", err)
				return nil
			}
			vec, err := decodeVector(data, doc.Config.Dimensionality)
			if err != nil {
				return fderr.Wrap(err, fderr.CodeStoreCatalogCorrupt, "invalid embedding blob", fderr.Field("ref", ref))
			}
			loaded[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vectors := make(map[string][]float32, len(refs))
	for i, ref := range refs {
		vectors[ref] = loaded[i]
	}
	return vectors, nil
}

// Persist writes the catalog document, replacing the previous version.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(context.WithoutCancel(ctx))
}

// Close writes pending statistics. The store must not be used afterwards.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.flushLocked(context.WithoutCancel(ctx))
}

func (s *Store) flushLocked(ctx context.Context) error {
	doc := catalogDoc{
		Version: catalogVersion,
		Config: catalogConfig{
			Threshold:      s.threshold,
			Dimensionality: s.dim,
			ModelID:        s.modelID,
		},
		Identities: make([]models.Identity, 0, len(s.identities)),
	}
	for _, ident := range s.identities {
		doc.Identities = append(doc.Identities, *ident)
	}

	data, err := encodeCatalog(&doc)
	if err != nil {
		return fderr.Wrap(err, fderr.CodeStoreIOFailure, "encode catalog")
	}
	if err := s.blobs.Put(ctx, catalogKey, data); err != nil {
		observability.StorageErrors.WithLabelValues("flush").Inc()
		return fderr.Wrap(err, fderr.CodeStoreIOFailure, "write catalog")
	}
	s.dirty = false
	return nil
}

// Statistics summarises the catalog.
func (s *Store) Statistics() models.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := models.Statistics{
		IdentityCount:  len(s.identities),
		Threshold:      s.threshold,
		Dimensionality: s.dim,
		ModelID:        s.modelID,
	}
	for _, ident := range s.identities {
		st.SampleCount += len(ident.Samples)
		st.TotalRecognitions += ident.RecognitionCount
	}
	return st
}

// Threshold returns the recognition threshold.
func (s *Store) Threshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold
}

// Get returns a copy of one identity.
func (s *Store) Get(id string) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[id]
	if !ok {
		return models.Identity{}, notFound(id)
	}
	return ident.Clone(), nil
}

// List returns copies of all identities in insertion order.
func (s *Store) List() []models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Identity, 0, len(s.identities))
	for _, ident := range s.identities {
		out = append(out, ident.Clone())
	}
	return out
}

// FindByName returns the identities named name in insertion order.
func (s *Store) FindByName(name string) []models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Identity
	for _, ident := range s.identities {
		if ident.Name == name {
			out = append(out, ident.Clone())
		}
	}
	return out
}

// SampleImage returns the stored JPEG crop of one sample.
func (s *Store) SampleImage(ctx context.Context, id string, index int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[id]
	if !ok {
		return nil, notFound(id)
	}
	if index < 0 || index >= len(ident.Samples) || ident.Samples[index].ImageRef == "" {
		return nil, fderr.New(fderr.CodeStoreIdentityNotFound, "sample image not found", fderr.FieldID(id), fderr.Field("index", index))
	}

	data, err := s.blobs.Get(ctx, ident.Samples[index].ImageRef)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fderr.Wrap(err, fderr.CodeStoreIdentityNotFound, "sample image missing", fderr.FieldID(id), fderr.Field("index", index))
	}
	if err != nil {
		return nil, fderr.Wrap(err, fderr.CodeStoreIOFailure, "read sample image", fderr.FieldID(id))
	}
	return data, nil
}

// CheckModel verifies that an extractor producing dim-length embeddings with
// modelID can be used with this catalog. An unpinned catalog adopts modelID.
func (s *Store) CheckModel(modelID string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if modelID != "" && s.modelID != "" && modelID != s.modelID {
		return fderr.New(fderr.CodeStoreCatalogModelMismatch, "catalog was built by a different model",
			fderr.Field("catalog_model", s.modelID), fderr.Field("model", modelID))
	}
	if dim > 0 && s.dim > 0 && dim != s.dim {
		return fderr.New(fderr.CodeStoreCatalogModelMismatch, "extractor dimensionality differs from catalog",
			fderr.Field("catalog_dim", s.dim), fderr.Field("dim", dim))
	}
	if s.modelID == "" && modelID != "" {
		s.modelID = modelID
		s.dirty = true
	}
	return nil
}

// checkEmbedding validates a vector against the store dimensionality. A store
// without identities has no dimensionality yet and accepts any length.
func (s *Store) checkEmbedding(embedding []float32) error {
	if len(embedding) == 0 {
		return fderr.New(fderr.CodeStoreInputInvalid, "empty embedding")
	}
	for _, f := range embedding {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fderr.New(fderr.CodeStoreInputInvalid, "embedding contains NaN or Inf")
		}
	}
	if s.dim != 0 && len(embedding) != s.dim {
		return fderr.New(fderr.CodeStoreDimensionMismatch, "embedding dimensionality mismatch",
			fderr.Field("expected", s.dim), fderr.Field("got", len(embedding)))
	}
	return nil
}

func (s *Store) indexOf(id string) int {
	for i, ident := range s.identities {
		if ident.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) updateGaugesLocked() {
	samples := 0
	for _, ident := range s.identities {
		samples += len(ident.Samples)
	}
	observability.Identities.Set(float64(len(s.identities)))
	observability.Samples.Set(float64(samples))
}

// deleteBlob removes a blob, logging instead of failing.
func (s *Store) deleteBlob(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		observability.StorageErrors.WithLabelValues("delete").Inc()
		s.logger.Warn("delete blob", "key", key, "error", err)
	}
}

// validateID keeps ids usable as blob key segments.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." || len(id) > maxIDLength {
		return fmt.Errorf("invalid identity id %q", id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("invalid character %q in identity id %q", r, id)
		}
	}
	return nil
}

func notFound(id string) error {
	return fderr.New(fderr.CodeStoreIdentityNotFound, "identity not found", fderr.FieldID(id))
}

func observeOp(op string, start time.Time) {
	observability.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
