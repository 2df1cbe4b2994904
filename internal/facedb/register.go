package facedb

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"time"

	"github.com/your-org/facerec/internal/models"
	"github.com/your-org/facerec/internal/observability"
	fderr "github.com/your-org/facerec/pkg/errors"
)

const jpegQuality = 90

// Register creates identity id with embedding as its first sample. metadata
// gains a "name" entry defaulting to id. img, when non-nil, is stored as a JPEG
// alongside the sample. The catalog is flushed before Register returns; on any
// failure the identity is not added.
func (s *Store) Register(ctx context.Context, id string, embedding []float32, metadata map[string]any, img image.Image) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observeOp("register", time.Now())

	if err := validateID(id); err != nil {
		return models.Identity{}, fderr.Wrap(err, fderr.CodeStoreInputInvalid, "invalid identity id")
	}
	if _, exists := s.byID[id]; exists {
		return models.Identity{}, fderr.New(fderr.CodeStoreIdentityConflict, "identity already exists", fderr.FieldID(id))
	}
	if err := s.checkEmbedding(embedding); err != nil {
		return models.Identity{}, err
	}

	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	name, err := nameFrom(meta, id)
	if err != nil {
		return models.Identity{}, err
	}
	meta["name"] = name

	imgBytes, err := encodeImage(img)
	if err != nil {
		return models.Identity{}, err
	}

	ctx = context.WithoutCancel(ctx)

	adopted := s.dim == 0
	if adopted {
		s.dim = len(embedding)
	}

	ident := &models.Identity{
		ID:           id,
		Name:         name,
		RegisteredAt: s.now().UTC(),
		Metadata:     meta,
	}
	s.identities = append(s.identities, ident)
	s.byID[id] = ident

	if _, err := s.appendSampleLocked(ctx, ident, embedding, imgBytes); err != nil {
		s.identities = s.identities[:len(s.identities)-1]
		delete(s.byID, id)
		if adopted {
			s.dim = 0
		}
		return models.Identity{}, err
	}

	s.updateGaugesLocked()
	s.logger.Info("identity registered", "id", id, "name", name, "dimensionality", s.dim)
	return ident.Clone(), nil
}

// AddSample appends embedding as a new sample of identity id.
func (s *Store) AddSample(ctx context.Context, id string, embedding []float32, img image.Image) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observeOp("add_sample", time.Now())

	ident, ok := s.byID[id]
	if !ok {
		return models.Identity{}, notFound(id)
	}
	if err := s.checkEmbedding(embedding); err != nil {
		return models.Identity{}, err
	}
	imgBytes, err := encodeImage(img)
	if err != nil {
		return models.Identity{}, err
	}

	sample, err := s.appendSampleLocked(context.WithoutCancel(ctx), ident, embedding, imgBytes)
	if err != nil {
		return models.Identity{}, err
	}

	s.updateGaugesLocked()
	s.logger.Info("sample added", "id", id, "index", sample.Index, "samples", len(ident.Samples))
	return ident.Clone(), nil
}

// appendSampleLocked writes the vector (and image) of a new sample at index
// len(ident.Samples), appends it and flushes the catalog. On failure the
// sample is dropped from memory and its blobs are removed best-effort.
func (s *Store) appendSampleLocked(ctx context.Context, ident *models.Identity, embedding []float32, imgBytes []byte) (models.Sample, error) {
	index := len(ident.Samples)
	sample := models.Sample{
		Index:        index,
		EmbeddingRef: embeddingKey(ident.ID, index),
		AddedAt:      s.now().UTC(),
	}

	if err := s.blobs.Put(ctx, sample.EmbeddingRef, encodeVector(embedding)); err != nil {
		observability.StorageErrors.WithLabelValues("write_embedding").Inc()
		return models.Sample{}, fderr.Wrap(err, fderr.CodeStoreIOFailure, "write embedding",
			fderr.FieldID(ident.ID), fderr.Field("index", index))
	}
	if imgBytes != nil {
		sample.ImageRef = imageKey(ident.ID, index)
		if err := s.blobs.Put(ctx, sample.ImageRef, imgBytes); err != nil {
			observability.StorageErrors.WithLabelValues("write_image").Inc()
			s.deleteBlob(ctx, sample.EmbeddingRef)
			return models.Sample{}, fderr.Wrap(err, fderr.CodeStoreIOFailure, "write face image",
				fderr.FieldID(ident.ID), fderr.Field("index", index))
		}
	}

	vec := make([]float32, len(embedding))
	copy(vec, embedding)

	ident.Samples = append(ident.Samples, sample)
	s.vectors[sample.EmbeddingRef] = vec

	if err := s.flushLocked(ctx); err != nil {
		ident.Samples = ident.Samples[:index]
		delete(s.vectors, sample.EmbeddingRef)
		s.deleteBlob(ctx, sample.EmbeddingRef)
		s.deleteBlob(ctx, sample.ImageRef)
		return models.Sample{}, err
	}
	return sample, nil
}

// nameFrom reads the display name from metadata, defaulting to id.
func nameFrom(meta map[string]any, id string) (string, error) {
	raw, ok := meta["name"]
	if !ok || raw == nil {
		return id, nil
	}
	name, ok := raw.(string)
	if !ok {
		return "", fderr.New(fderr.CodeStoreInputInvalid, "metadata name must be a string", fderr.FieldID(id))
	}
	if name == "" {
		return id, nil
	}
	return name, nil
}

func encodeImage(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fderr.Wrap(err, fderr.CodeStoreInputInvalid, "encode face image")
	}
	return buf.Bytes(), nil
}
